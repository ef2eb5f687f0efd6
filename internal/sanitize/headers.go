// Package sanitize filters upstream response headers before they are
// served to the browser.
package sanitize

import (
	"net/http"
	"strings"
)

// HopByHopHeaders are meaningful only to the immediate peer.
var HopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// embedBlockingHeaders stop the proxied document from rendering in a frame
// or loading proxied subresources.
var embedBlockingHeaders = []string{
	"Content-Security-Policy",
	"Content-Security-Policy-Report-Only",
	"X-Frame-Options",
}

// transportHeaders are additionally dropped for binary passthrough.
var transportHeaders = []string{
	"X-Content-Type-Options",
	"Strict-Transport-Security",
}

// Policy selects which header groups are dropped.
type Policy struct {
	DropEmbedBlocking bool
	DropTransport     bool
	// DropLength removes Content-Length; set it whenever the body served
	// differs from the bytes upstream counted.
	DropLength bool
}

var (
	// Markup is used for rewritten HTML documents.
	Markup = Policy{DropEmbedBlocking: true, DropLength: true}
	// Binary is used for streamed passthrough bodies.
	Binary = Policy{DropEmbedBlocking: true, DropTransport: true}
	// Data is used for relayed POST responses.
	Data = Policy{}
	// Resource is used by the dedicated SVG/CSS routes.
	Resource = Policy{DropEmbedBlocking: true, DropLength: true}
)

// Headers returns a sanitized copy of src. A non-empty contentType replaces
// the upstream Content-Type.
func Headers(src http.Header, p Policy, contentType string) http.Header {
	drop := make(map[string]bool)
	for _, h := range HopByHopHeaders {
		drop[http.CanonicalHeaderKey(h)] = true
	}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				drop[http.CanonicalHeaderKey(name)] = true
			}
		}
	}
	drop["Content-Encoding"] = true
	if p.DropEmbedBlocking {
		for _, h := range embedBlockingHeaders {
			drop[http.CanonicalHeaderKey(h)] = true
		}
	}
	if p.DropTransport {
		for _, h := range transportHeaders {
			drop[http.CanonicalHeaderKey(h)] = true
		}
	}
	if p.DropLength {
		drop["Content-Length"] = true
	}

	dst := make(http.Header, len(src))
	for key, vals := range src {
		if drop[http.CanonicalHeaderKey(key)] {
			continue
		}
		dst[http.CanonicalHeaderKey(key)] = append([]string(nil), vals...)
	}

	if contentType != "" {
		dst.Set("Content-Type", contentType)
	}
	dst.Set("Access-Control-Allow-Origin", "*")
	return dst
}
