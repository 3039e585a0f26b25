package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrNetwork = errors.New("network fetch failed")

// Network performs the real fetch behind a cache miss.
type Network interface {
	Fetch(ctx context.Context, r *http.Request) (*Response, error)
}

// OriginNetwork fetches from the application origin over HTTP and classifies
// the result the way the browser would for a page served from that origin.
type OriginNetwork struct {
	origin *url.URL
	client *http.Client
}

func NewOriginNetwork(origin *url.URL, client *http.Client) *OriginNetwork {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	c := *client
	// Redirects are surfaced as opaqueredirect responses, never followed.
	c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return &OriginNetwork{origin: origin, client: &c}
}

// Resolve makes a request URL absolute against the origin.
func (n *OriginNetwork) Resolve(u *url.URL) *url.URL {
	return n.origin.ResolveReference(u)
}

func (n *OriginNetwork) Fetch(ctx context.Context, r *http.Request) (*Response, error) {
	target := n.Resolve(r.URL)

	var body io.Reader
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrNetwork, method, target, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrNetwork, target, err)
	}

	out := &Response{
		Status: resp.StatusCode,
		Header: cloneHeader(resp.Header),
		Body:   b,
		URL:    target.String(),
	}
	out.Header.Del("Content-Length")
	// Status, header and body are kept even for opaque types so the HTTP
	// front can relay redirects; only Type decides cacheability.
	out.Type = n.classify(target, resp)
	return out, nil
}

func (n *OriginNetwork) classify(target *url.URL, resp *http.Response) ResponseType {
	if resp.StatusCode >= 300 && resp.StatusCode < 400 && resp.Header.Get("Location") != "" {
		return TypeOpaqueRedirect
	}
	if sameOrigin(n.origin, target) {
		return TypeBasic
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		return TypeCORS
	}
	return TypeOpaque
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
