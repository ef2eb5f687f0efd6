// Package rewrite turns upstream markup, stylesheets and inline scripts into
// documents whose embedded references route back through the proxy.
//
// Every engine is best effort: a reference that cannot be resolved is left
// exactly as it was and the rest of the document is still processed.
package rewrite

import (
	"net/url"
	"strings"

	"rewrite-proxy-go/internal/classify"
	"rewrite-proxy-go/internal/urlcodec"
)

// Context carries the per-response inputs shared by all engines. It is
// read-only once built.
type Context struct {
	Codec *urlcodec.Codec
	// ProxyBase is scheme://host of the proxy as the client sees it.
	ProxyBase string
	// ProxyHost is the host[:port] part of ProxyBase.
	ProxyHost string
	// Base resolves relative references.
	Base *url.URL
	// Target is the URL the client asked for.
	Target string
}

// NewContext builds a Context. base must be absolute.
func NewContext(codec *urlcodec.Codec, proxyBase string, base *url.URL, target string) *Context {
	proxyBase = strings.TrimRight(proxyBase, "/")
	host := proxyBase
	if u, err := url.Parse(proxyBase); err == nil && u.Host != "" {
		host = u.Host
	}
	return &Context{
		Codec:     codec,
		ProxyBase: proxyBase,
		ProxyHost: host,
		Base:      base,
		Target:    target,
	}
}

// WithBase returns a copy of c resolving against base.
func (c *Context) WithBase(base *url.URL) *Context {
	cp := *c
	cp.Base = base
	return &cp
}

// link encodes abs as a proxy link of the given kind.
func (c *Context) link(abs string, kind urlcodec.Kind) string {
	return c.Codec.Encode(c.ProxyBase, abs, kind)
}

// resolveHTTP resolves raw against the context base and reports whether
// the result is an http(s) URL.
func (c *Context) resolveHTTP(raw string) (*url.URL, bool) {
	abs, err := urlcodec.Resolve(raw, c.Base)
	if err != nil {
		return nil, false
	}
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return nil, false
	}
	return abs, true
}

// Reference rewrites a single URL-bearing attribute value. SVG targets go
// through the SVG route; everything else through the main route.
func (c *Context) Reference(raw string) string {
	ref := strings.TrimSpace(raw)
	if ref == "" || urlcodec.IsSkippable(ref) || urlcodec.IsProxyLink(ref, c.ProxyBase) {
		return raw
	}
	if isWebSocket(ref) {
		if out, ok := c.webSocket(ref); ok {
			return out
		}
		return raw
	}
	abs, ok := c.resolveHTTP(ref)
	if !ok {
		return raw
	}
	target := abs.String()
	if classify.IsSVG(target) {
		return c.link(target, urlcodec.KindSVG)
	}
	return c.link(target, urlcodec.KindMain)
}

// Stylesheet rewrites a <link rel=stylesheet> href to the CSS route.
func (c *Context) Stylesheet(raw string) string {
	ref := strings.TrimSpace(raw)
	if ref == "" || urlcodec.IsSkippable(ref) || urlcodec.IsProxyLink(ref, c.ProxyBase) {
		return raw
	}
	abs, ok := c.resolveHTTP(ref)
	if !ok {
		return raw
	}
	return c.link(abs.String(), urlcodec.KindCSS)
}

func isWebSocket(ref string) bool {
	s := strings.ToLower(ref)
	return strings.HasPrefix(s, "ws://") || strings.HasPrefix(s, "wss://")
}

// webSocket points a ws(s) URL at the proxy host, keeping scheme, path and
// query.
func (c *Context) webSocket(ref string) (string, bool) {
	u, err := url.Parse(ref)
	if err != nil || u.Host == "" {
		return "", false
	}
	if strings.EqualFold(u.Host, c.ProxyHost) {
		return "", false
	}
	u.Host = c.ProxyHost
	return u.String(), true
}
