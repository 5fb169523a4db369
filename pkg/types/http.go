package types

import (
	"context"
	"net/url"

	"github.com/renthub/apigate/pkg/identity"
)

// RequestContext represents the context for a request flowing through the gate chain.
type RequestContext struct {
	Context  context.Context
	RouteID  string
	Headers  map[string][]string
	Method   string
	Path     string
	Query    url.Values
	Body     []byte
	Metadata map[string]interface{}
	Stage    Stage
	IP       string
	Identity *identity.Identity
}

// Header returns the first value for the given header key, or "".
func (r *RequestContext) Header(key string) string {
	if vals := r.Headers[key]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// ResponseContext represents the context for a response
type ResponseContext struct {
	Context    context.Context
	Headers    map[string][]string
	Body       []byte
	StatusCode int
	Metadata   map[string]interface{}
}

// Header returns the first value for the given header key, or "".
func (r *ResponseContext) Header(key string) string {
	if vals := r.Headers[key]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// SetHeader replaces the header with a single value.
func (r *ResponseContext) SetHeader(key, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string][]string)
	}
	r.Headers[key] = []string{value}
}
