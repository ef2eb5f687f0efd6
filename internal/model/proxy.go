// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest represents an inbound client call as seen by the pipeline.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	Path   string
	Query  url.Values
	// RawQuery is kept alongside Query so the universal route can forward
	// parameters in their original order.
	RawQuery string
	Header   http.Header
	Body     io.ReadCloser
}

// FetchRequest describes one outbound request to the target site.
type FetchRequest struct {
	Target string
	Method string
	// Header holds the caller's inbound headers; only an allow-listed subset
	// is forwarded.
	Header http.Header
	Body   []byte
	// Referer is sent verbatim when non-empty.
	Referer string
}

// UpstreamResponse is the target site's answer. Body is already decoded
// (no Content-Encoding) and must be closed by the caller.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	// FinalURL is the URL after redirects; it is the base for relative
	// references in the body.
	FinalURL *url.URL
	// Decoded reports whether a content coding was removed from the body.
	Decoded bool
}

// ProxyResponse is what gets streamed back to the client.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
