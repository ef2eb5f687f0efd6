package rewrite

import (
	"regexp"
	"strings"

	"rewrite-proxy-go/internal/urlcodec"
)

// quoteChars are the JavaScript string delimiters rules are compiled for.
var quoteChars = []string{`"`, `'`, "`"}

// scriptRule is one pattern-based substitution. Each compiled pattern has
// exactly one capture group: the literal text handed to rewrite.
type scriptRule struct {
	name     string
	patterns []*regexp.Regexp
	rewrite  func(ctx *Context, lit string) (string, bool)
}

// quoted compiles tmpl once per quote character, replacing every {Q}.
func quoted(tmpl string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(quoteChars))
	for _, q := range quoteChars {
		out = append(out, regexp.MustCompile(strings.ReplaceAll(tmpl, "{Q}", q)))
	}
	return out
}

// scriptRules run in order; later rules see the output of earlier ones.
var scriptRules = []scriptRule{
	{
		name:     "websocket",
		patterns: quoted(`{Q}(wss?://[^{Q}\s]+){Q}`),
		rewrite: func(ctx *Context, lit string) (string, bool) {
			return ctx.webSocket(lit)
		},
	},
	{
		name:     "absolute",
		patterns: quoted(`{Q}(https?://[^{Q}\s]+){Q}`),
		rewrite: func(ctx *Context, lit string) (string, bool) {
			if urlcodec.IsProxyLink(lit, ctx.ProxyBase) {
				return "", false
			}
			return ctx.mainLink(lit)
		},
	},
	{
		name:     "api-path",
		patterns: quoted(`{Q}(/api/[^{Q}\s]*){Q}`),
		rewrite:  (*Context).mainLink,
	},
	{
		name:     "youtubei-path",
		patterns: quoted(`{Q}(/youtubei/[^{Q}\s]*){Q}`),
		rewrite:  (*Context).mainLink,
	},
	{
		name:     "fetch-call",
		patterns: quoted(`fetch\(\s*{Q}([^{Q}\n]+){Q}`),
		rewrite: func(ctx *Context, lit string) (string, bool) {
			if urlcodec.IsSkippable(lit) || urlcodec.IsProxyLink(lit, ctx.ProxyBase) {
				return "", false
			}
			return ctx.mainLink(lit)
		},
	},
	{
		name:     "image-path",
		patterns: quoted(`{Q}(/[^{Q}\s]*\.(?:png|jpe?g|gif|webp|svg|ico|avif|bmp)){Q}`),
		rewrite:  (*Context).mainLink,
	},
	{
		name:     "css-in-js",
		patterns: quoted(`{Q}([^{Q}\n]*url\([^{Q}\n]*){Q}`),
		rewrite: func(ctx *Context, lit string) (string, bool) {
			out := CSS(lit, ctx)
			return out, out != lit
		},
	},
}

// mainLink resolves lit against the base and encodes it as a main-proxy
// link.
func (c *Context) mainLink(lit string) (string, bool) {
	abs, ok := c.resolveHTTP(lit)
	if !ok {
		return "", false
	}
	return c.link(abs.String(), urlcodec.KindMain), true
}

// Script rewrites URL-shaped string literals in inline script text.
func Script(js string, ctx *Context) string {
	for _, r := range scriptRules {
		for _, re := range r.patterns {
			js = applyRule(js, re, func(lit string) (string, bool) {
				// Template-literal interpolation cannot survive encoding.
				if strings.Contains(lit, "${") {
					return "", false
				}
				return r.rewrite(ctx, lit)
			})
		}
	}
	return js
}

// applyRule replaces capture group 1 of every match of re for which fn
// reports ok; everything else is copied through unchanged.
func applyRule(src string, re *regexp.Regexp, fn func(string) (string, bool)) string {
	matches := re.FindAllStringSubmatchIndex(src, -1)
	if matches == nil {
		return src
	}

	var b strings.Builder
	b.Grow(len(src))
	last := 0
	for _, m := range matches {
		start, end := m[2], m[3]
		if start < 0 {
			continue
		}
		repl, ok := fn(src[start:end])
		if !ok {
			continue
		}
		b.WriteString(src[last:start])
		b.WriteString(repl)
		last = end
	}
	b.WriteString(src[last:])
	return b.String()
}
