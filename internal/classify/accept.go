package classify

// Accept lists, chosen by target extension.
const (
	AcceptImage = "image/avif,image/webp,image/apng,image/svg+xml,image/*,*/*;q=0.8"
	AcceptSVG   = "image/svg+xml,image/*;q=0.8,*/*;q=0.5"
	AcceptCSS   = "text/css,*/*;q=0.1"
	AcceptJS    = "application/javascript,text/javascript,*/*;q=0.1"
	AcceptHTML  = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8"
)

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".ico": true, ".bmp": true, ".avif": true,
}

// Resource is the fetch destination a target URL most likely is.
type Resource int

const (
	ResourceDocument Resource = iota
	ResourceImage
	ResourceSVG
	ResourceStyle
	ResourceScript
)

// ResourceOf classifies target by extension, images first.
func ResourceOf(target string) Resource {
	ext := Extension(target)
	switch {
	case imageExtensions[ext]:
		return ResourceImage
	case ext == ".svg":
		return ResourceSVG
	case ext == ".css":
		return ResourceStyle
	case ext == ".js" || ext == ".mjs":
		return ResourceScript
	default:
		return ResourceDocument
	}
}

// Accept returns the Accept header for an outbound request to target.
func Accept(target string) string {
	switch ResourceOf(target) {
	case ResourceImage:
		return AcceptImage
	case ResourceSVG:
		return AcceptSVG
	case ResourceStyle:
		return AcceptCSS
	case ResourceScript:
		return AcceptJS
	default:
		return AcceptHTML
	}
}

// FetchDest returns the Sec-Fetch-Dest value for target.
func FetchDest(target string) string {
	switch ResourceOf(target) {
	case ResourceImage, ResourceSVG:
		return "image"
	case ResourceStyle:
		return "style"
	case ResourceScript:
		return "script"
	default:
		return "document"
	}
}
