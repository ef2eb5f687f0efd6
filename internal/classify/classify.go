// Package classify decides how an upstream response is handled and which
// Accept header an outbound request advertises.
package classify

import (
	"mime"
	"net/url"
	"path"
	"strings"
)

// Kind is the handling class of a response body.
type Kind int

const (
	Binary Kind = iota
	Markup
	Stylesheet
)

func (k Kind) String() string {
	switch k {
	case Markup:
		return "markup"
	case Stylesheet:
		return "stylesheet"
	default:
		return "binary"
	}
}

// Result is the outcome of Classify.
type Result struct {
	Kind Kind
	// Override, when non-empty, replaces the upstream Content-Type.
	Override string
}

// ContentType returns the type the response should be served with.
func (r Result) ContentType(declared string) string {
	if r.Override != "" {
		return r.Override
	}
	return declared
}

// extensionTypes are extensions whose type wins over the declared one.
var extensionTypes = map[string]string{
	".svg":  "image/svg+xml",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
}

// Classify maps a declared Content-Type and target URL to a handling kind.
// Only text/html is routed to markup rewriting; text/css is reported as
// Stylesheet but the main route still passes it through untouched.
func Classify(declared, target string) Result {
	var res Result
	if want, ok := extensionTypes[Extension(target)]; ok && mediaType(declared) != want {
		res.Override = want
	}

	effective := strings.ToLower(res.ContentType(declared))
	switch {
	case strings.Contains(effective, "text/html"):
		res.Kind = Markup
	case strings.Contains(effective, "text/css"):
		res.Kind = Stylesheet
	default:
		res.Kind = Binary
	}
	return res
}

// Extension returns the lower-cased extension of target's path, or "".
func Extension(target string) string {
	p := target
	if u, err := url.Parse(target); err == nil {
		p = u.Path
	}
	return strings.ToLower(path.Ext(p))
}

// IsSVG reports whether target's path ends in .svg.
func IsSVG(target string) bool {
	return Extension(target) == ".svg"
}

func mediaType(ct string) string {
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(ct))
	}
	return mt
}
