package install

import (
	"context"

	"github.com/google/uuid"
)

type Outcome string

const (
	Accepted  Outcome = "accepted"
	Dismissed Outcome = "dismissed"
)

// Offer is the platform's one-time capability to show the install prompt.
type Offer interface {
	ID() string
	// Prompt shows the install prompt and waits for the user's choice.
	Prompt(ctx context.Context) (Outcome, error)
}

// PromptFunc adapts a function to an Offer.
type PromptFunc func(ctx context.Context) (Outcome, error)

type funcOffer struct {
	id string
	fn PromptFunc
}

// NewOffer wraps fn as an Offer with a fresh id.
func NewOffer(fn PromptFunc) Offer {
	return &funcOffer{id: uuid.NewString(), fn: fn}
}

func (o *funcOffer) ID() string { return o.id }

func (o *funcOffer) Prompt(ctx context.Context) (Outcome, error) { return o.fn(ctx) }
