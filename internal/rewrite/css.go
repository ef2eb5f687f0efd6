package rewrite

import (
	"regexp"

	"rewrite-proxy-go/internal/urlcodec"
)

// cssURLPattern matches url(...) with single, double or no quotes.
var cssURLPattern = regexp.MustCompile(`(?i)url\(\s*(?:'([^']*)'|"([^"]*)"|([^)'"\s]*))\s*\)`)

// CSS rewrites every url(...) reference in a stylesheet or style attribute
// to a main-proxy link.
func CSS(css string, ctx *Context) string {
	return cssURLPattern.ReplaceAllStringFunc(css, func(match string) string {
		return cssURL(match, ctx)
	})
}

// cssURL rewrites a single url(...) match, preserving its quote style.
func cssURL(match string, ctx *Context) string {
	sub := cssURLPattern.FindStringSubmatch(match)
	if sub == nil {
		return match
	}

	var raw, quote string
	switch {
	case sub[1] != "":
		raw, quote = sub[1], "'"
	case sub[2] != "":
		raw, quote = sub[2], `"`
	default:
		raw = sub[3]
	}

	if raw == "" || urlcodec.IsSkippable(raw) || urlcodec.IsProxyLink(raw, ctx.ProxyBase) {
		return match
	}
	abs, ok := ctx.resolveHTTP(raw)
	if !ok {
		return match
	}
	return "url(" + quote + ctx.link(abs.String(), urlcodec.KindMain) + quote + ")"
}
