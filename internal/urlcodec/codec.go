// Package urlcodec maps absolute target URLs to proxy links and back.
package urlcodec

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidURL is returned when a reference cannot be resolved to an
// absolute URL.
var ErrInvalidURL = errors.New("invalid url")

// Kind selects the proxy entry point a link routes through.
type Kind int

const (
	KindMain Kind = iota
	KindSVG
	KindCSS
)

const (
	SVGPath = "/svg-proxy"
	CSSPath = "/css-proxy"

	// QueryParam carries the encoded target URL on every entry point.
	QueryParam = "url"
)

// skipPrefixes are reference schemes that are never rewritten.
var skipPrefixes = []string{"data:", "javascript:", "mailto:", "tel:", "#"}

// Codec builds and parses proxy links for a fixed main endpoint.
type Codec struct {
	endpoint string
}

// New returns a Codec whose main-proxy links use endpoint (e.g. "/q").
func New(endpoint string) *Codec {
	return &Codec{endpoint: endpoint}
}

// Encode returns the proxy link for target as seen from proxyBase
// (scheme://host of the proxy, no trailing slash).
func (c *Codec) Encode(proxyBase, target string, kind Kind) string {
	path := c.endpoint
	switch kind {
	case KindSVG:
		path = SVGPath
	case KindCSS:
		path = CSSPath
	}
	return proxyBase + path + "?" + QueryParam + "=" + url.QueryEscape(target)
}

// Decode extracts the target URL from a proxy link.
func (c *Codec) Decode(link string) (string, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	target := u.Query().Get(QueryParam)
	if target == "" {
		return "", fmt.Errorf("%w: no %s parameter in %q", ErrInvalidURL, QueryParam, link)
	}
	return target, nil
}

// Resolve resolves raw against base. The result is always an absolute URL
// with a scheme and host.
func Resolve(raw string, base *url.URL) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	abs := ref
	if base != nil {
		abs = base.ResolveReference(ref)
	}
	if !abs.IsAbs() || abs.Host == "" {
		return nil, fmt.Errorf("%w: %q is not absolute", ErrInvalidURL, raw)
	}
	return abs, nil
}

// IsProxyLink reports whether raw already points at the proxy's own host.
func IsProxyLink(raw, proxyBase string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" || proxyBase == "" {
		return false
	}
	if strings.HasPrefix(raw, proxyBase+"/") || raw == proxyBase {
		return true
	}
	pb, err := url.Parse(proxyBase)
	if err != nil || pb.Host == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Host, pb.Host)
}

// IsSkippable reports whether raw is a reference that must never be
// rewritten (data:, javascript:, mailto:, tel:, fragment-only).
func IsSkippable(raw string) bool {
	s := strings.ToLower(strings.TrimSpace(raw))
	for _, p := range skipPrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// Origin returns scheme://host of u.
func Origin(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}
