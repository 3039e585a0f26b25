package shell

import (
	"net/http"
	"net/url"
	"strings"
)

// ResponseType mirrors the platform's classification of a fetched response.
type ResponseType string

const (
	TypeBasic          ResponseType = "basic"
	TypeCORS           ResponseType = "cors"
	TypeOpaque         ResponseType = "opaque"
	TypeOpaqueRedirect ResponseType = "opaqueredirect"
	TypeError          ResponseType = "error"
)

type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Type   ResponseType
	URL    string

	StoredAt int64 // unix seconds, set when written into a bucket
}

// Clone returns a copy that shares no header or body memory with r.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	out.Header = cloneHeader(r.Header)
	if r.Body != nil {
		out.Body = make([]byte, len(r.Body))
		copy(out.Body, r.Body)
	}
	return &out
}

// OK reports whether the status is exactly 200.
func (r *Response) OK() bool { return r != nil && r.Status == http.StatusOK }

// Entry is one request key and its response, used for atomic bucket population.
type Entry struct {
	Key      string
	Response *Response
}

func urlKey(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	if c.Host == "" {
		// relative request URL, as seen by a server handler
		s := c.RequestURI()
		if !strings.HasPrefix(s, "/") {
			s = "/" + s
		}
		return "GET " + s
	}
	return "GET " + c.String()
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
