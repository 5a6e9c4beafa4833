// Package cors decides which Cross-Origin Resource Sharing headers the proxy
// attaches to its responses.
//
// The decision is a pure function of the request's Origin header and a
// [Policy]; it never blocks a request. Browsers enforce the outcome.
package cors

import (
	"net/http"

	"golang.org/x/net/http/httpguts"
)

// header names in canonical format
const (
	HeaderOrigin           = "Origin"
	HeaderAllowOrigin      = "Access-Control-Allow-Origin"
	HeaderAllowCredentials = "Access-Control-Allow-Credentials"
	HeaderAllowMethods     = "Access-Control-Allow-Methods"
	HeaderAllowHeaders     = "Access-Control-Allow-Headers"
	HeaderVary             = "Vary"
)

// Wildcard is the allowed-origins entry that matches any origin.
const Wildcard = "*"

// Fixed lists sent on every response, independent of the origin decision.
const (
	AllowedMethods = "GET, POST, PUT, DELETE, OPTIONS"
	AllowedHeaders = "X-Api-Key, Authorization, Content-Type"
)

const valueTrue = "true"

// ManagedHeaders lists the headers owned by the proxy. Upstream values for
// these are discarded, never merged.
var ManagedHeaders = []string{
	HeaderAllowOrigin,
	HeaderAllowCredentials,
	HeaderAllowMethods,
	HeaderAllowHeaders,
}

// Policy is the CORS part of a configuration snapshot.
type Policy struct {
	AllowedOrigins   []string
	AllowCredentials bool
}

// Allows reports whether origin is covered by p. An empty origin is never allowed.
func (p Policy) Allows(origin string) bool {
	if origin == "" {
		return false
	}
	for _, o := range p.AllowedOrigins {
		if o == Wildcard || o == origin {
			return true
		}
	}
	return false
}

// Decision is the outcome of [Decide] for one request.
type Decision struct {
	// AllowOrigin is the value reflected in Access-Control-Allow-Origin;
	// empty means the header is omitted.
	AllowOrigin      string
	AllowCredentials bool
}

// Decide maps a request origin and a policy to the headers the proxy adds.
// An allowed origin is always reflected verbatim, even when the policy uses
// the wildcard, so credentialed requests keep working.
func Decide(origin string, p Policy) Decision {
	if !p.Allows(origin) {
		return Decision{}
	}
	return Decision{
		AllowOrigin:      origin,
		AllowCredentials: p.AllowCredentials,
	}
}

// Header returns the decision as a fresh header set.
func (d Decision) Header() http.Header {
	h := make(http.Header, 5)
	d.Apply(h)
	return h
}

// Apply writes the decision into h, replacing whatever managed headers h
// already carries.
func (d Decision) Apply(h http.Header) {
	for _, k := range ManagedHeaders {
		h.Del(k)
	}
	if d.AllowOrigin != "" {
		h.Set(HeaderAllowOrigin, d.AllowOrigin)
		if d.AllowCredentials {
			h.Set(HeaderAllowCredentials, valueTrue)
		}
		if !httpguts.HeaderValuesContainsToken(h[HeaderVary], HeaderOrigin) {
			h.Add(HeaderVary, HeaderOrigin)
		}
	}
	h.Set(HeaderAllowMethods, AllowedMethods)
	h.Set(HeaderAllowHeaders, AllowedHeaders)
}
