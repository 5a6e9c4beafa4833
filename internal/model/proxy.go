// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents an inbound request to be forwarded upstream.
// Path is the escaped inbound path; the inbound Host is not carried.
type ProxyRequest struct {
	Ctx      context.Context
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     io.ReadCloser
	// ContentLength mirrors http.Request.ContentLength; -1 means unknown.
	ContentLength int64
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	// Trailer is filled in once Body has been read to EOF.
	Trailer http.Header
}
