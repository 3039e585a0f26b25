// Package install captures the platform's install offer and lets the user
// trigger installation later, from a header button, a floating fallback
// button, or the install popup.
package install

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type State string

const (
	PromptUnavailable State = "prompt-unavailable"
	PromptAvailable   State = "prompt-available"
	Installed         State = "installed"
)

type Trigger string

const (
	TriggerHeader       Trigger = "header"
	TriggerFloating     Trigger = "floating"
	TriggerPopupInstall Trigger = "popup-install"
	TriggerPopupLater   Trigger = "popup-later"
	TriggerPopupClose   Trigger = "popup-close"
)

// Event is a platform signal or user action fed to Dispatch.
type Event interface{ event() }

type (
	// EligibilityOffered is the platform saying the page may be installed.
	EligibilityOffered struct{ Offer Offer }
	// PageLoaded fires once the page has finished loading.
	PageLoaded struct{}
	// FallbackDue fires FallbackDelay after PageLoaded.
	FallbackDue struct{}
	// TriggerActivated is a click on one of the install affordances.
	TriggerActivated struct{ Trigger Trigger }
	// AppInstalled is the platform's install-completed signal.
	AppInstalled struct{}
	// DisplayModeChanged reports entering or leaving standalone display.
	DisplayModeChanged struct{ Standalone bool }
)

func (EligibilityOffered) event() {}
func (PageLoaded) event()         {}
func (FallbackDue) event()        {}
func (TriggerActivated) event()   {}
func (AppInstalled) event()       {}
func (DisplayModeChanged) event() {}

type Options struct {
	FallbackDelay time.Duration
	ToastDuration time.Duration
	Clock         Clock
}

// Coordinator is the install lifecycle of one page session.
type Coordinator struct {
	id     string
	env    Environment
	ui     UI
	opts   Options
	logger *zap.Logger

	mu             sync.Mutex
	state          State
	offer          Offer
	standalone     bool
	popupOpen      bool
	floatingShown  bool
	fallbackTimer  Timer
	fallbackQueued bool
}

func NewCoordinator(env Environment, ui UI, opts Options, logger *zap.Logger) *Coordinator {
	if opts.FallbackDelay <= 0 {
		opts.FallbackDelay = 3 * time.Second
	}
	if opts.ToastDuration <= 0 {
		opts.ToastDuration = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = RealClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &Coordinator{
		id:         id,
		env:        env,
		ui:         ui,
		opts:       opts,
		logger:     logger.With(zap.String("session", id)),
		state:      PromptUnavailable,
		standalone: env.Standalone,
	}
}

func (c *Coordinator) ID() string { return c.id }

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsAvailable reports whether an install offer is captured and unused.
func (c *Coordinator) IsAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offer != nil
}

// Standalone reports whether the page currently runs as an installed app.
func (c *Coordinator) Standalone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.standalone
}

// Capture stores offer without presenting it. It reports false once the app
// is installed.
func (c *Coordinator) Capture(offer Offer) bool {
	if offer == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Installed {
		return false
	}
	c.offer = offer
	c.state = PromptAvailable
	return true
}

// Consume takes the captured offer, leaving none behind.
func (c *Coordinator) Consume() (Offer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o := c.offer
	if o == nil {
		return nil, false
	}
	c.offer = nil
	if c.state != Installed {
		c.state = PromptUnavailable
	}
	return o, true
}

// Dispatch applies ev. Presenting an offer blocks until the user answers.
func (c *Coordinator) Dispatch(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case EligibilityOffered:
		c.onEligibility(e.Offer)
	case PageLoaded:
		c.onPageLoaded(ctx)
	case FallbackDue:
		c.onFallbackDue()
	case TriggerActivated:
		return c.onTrigger(ctx, e.Trigger)
	case AppInstalled:
		c.onInstalled()
	case DisplayModeChanged:
		c.onDisplayMode(e.Standalone)
	default:
		return fmt.Errorf("unknown install event %T", ev)
	}
	return nil
}

func (c *Coordinator) onEligibility(offer Offer) {
	if !c.Capture(offer) {
		c.logger.Debug("install offer ignored")
		return
	}
	c.logger.Info("install offer captured", zap.String("offer", offer.ID()))
	c.ui.ShowHeaderButton()
}

func (c *Coordinator) onPageLoaded(ctx context.Context) {
	c.mu.Lock()
	standalone := c.standalone
	schedule := c.env.ServiceWorker && !c.fallbackQueued
	if schedule {
		c.fallbackQueued = true
	}
	c.mu.Unlock()

	if standalone {
		c.logger.Info("launched installed")
	}
	if !schedule {
		return
	}
	ctx = context.WithoutCancel(ctx)
	t := c.opts.Clock.AfterFunc(c.opts.FallbackDelay, func() {
		_ = c.Dispatch(ctx, FallbackDue{})
	})
	c.mu.Lock()
	c.fallbackTimer = t
	c.mu.Unlock()
}

func (c *Coordinator) onFallbackDue() {
	c.mu.Lock()
	if c.state == Installed || c.floatingShown {
		c.mu.Unlock()
		return
	}
	c.floatingShown = true
	c.mu.Unlock()
	c.ui.ShowFloatingButton()
}

func (c *Coordinator) onTrigger(ctx context.Context, t Trigger) error {
	c.mu.Lock()
	installed := c.state == Installed
	available := c.offer != nil
	c.mu.Unlock()
	if installed {
		return nil
	}

	switch t {
	case TriggerHeader:
		c.present(ctx, t)
	case TriggerFloating:
		if !available {
			c.ui.ShowInstructions(Instructions(c.env))
			return nil
		}
		c.mu.Lock()
		c.popupOpen = true
		c.mu.Unlock()
		c.ui.ShowPopup()
	case TriggerPopupInstall:
		c.present(ctx, t)
		c.closePopup()
	case TriggerPopupLater, TriggerPopupClose:
		c.closePopup()
	default:
		return fmt.Errorf("unknown install trigger %q", t)
	}
	return nil
}

// present consumes the offer before prompting, so a second activation while
// the prompt is open cannot show it again.
func (c *Coordinator) present(ctx context.Context, t Trigger) {
	offer, ok := c.Consume()
	if !ok {
		c.ui.ShowInstructions(Instructions(c.env))
		return
	}
	outcome, err := offer.Prompt(ctx)
	if err != nil {
		c.logger.Warn("install prompt failed", zap.String("offer", offer.ID()), zap.Error(err))
		outcome = Dismissed
	}
	c.logger.Info("install prompt answered",
		zap.String("offer", offer.ID()),
		zap.String("trigger", string(t)),
		zap.String("outcome", string(outcome)),
	)
	if outcome == Accepted && t == TriggerHeader {
		c.ui.HideHeaderButton()
	}
}

func (c *Coordinator) closePopup() {
	c.mu.Lock()
	open := c.popupOpen
	c.popupOpen = false
	c.mu.Unlock()
	if open {
		c.ui.ClosePopup()
	}
}

func (c *Coordinator) onInstalled() {
	c.mu.Lock()
	if c.state == Installed {
		c.mu.Unlock()
		return
	}
	c.state = Installed
	c.offer = nil
	timer := c.fallbackTimer
	c.fallbackTimer = nil
	floating := c.floatingShown
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	c.logger.Info("app installed")
	c.ui.HideHeaderButton()
	if floating {
		c.ui.HideFloatingButton()
	}
	c.closePopup()
	c.ui.ShowToast(msgInstalledToast, c.opts.ToastDuration)
}

func (c *Coordinator) onDisplayMode(standalone bool) {
	c.mu.Lock()
	c.standalone = standalone
	c.mu.Unlock()
	if standalone {
		c.logger.Info("app became standalone")
	} else {
		c.logger.Info("app became browser tab")
	}
}

// Close cancels a pending fallback timer.
func (c *Coordinator) Close() {
	c.mu.Lock()
	t := c.fallbackTimer
	c.fallbackTimer = nil
	c.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}
