package client

import (
	"net/http"
	"net/url"
	"strings"

	"rewrite-proxy-go/internal/classify"
	"rewrite-proxy-go/internal/model"
)

// DefaultUserAgent is a desktop Chrome identity; some sites serve degraded
// markup to unknown agents.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

const acceptLanguage = "en-US,en;q=0.9"

// forwardPrefixes are caller header prefixes relayed on POST.
var forwardPrefixes = []string{"x-youtube", "x-goog"}

// outboundHeaders builds the request headers for fr. Caller headers are
// never copied wholesale.
func (c *UpstreamClient) outboundHeaders(fr *model.FetchRequest, target *url.URL) http.Header {
	h := make(http.Header)
	h.Set("User-Agent", c.userAgent)
	h.Set("Accept", classify.Accept(fr.Target))
	h.Set("Accept-Language", acceptLanguage)
	h.Set("Accept-Encoding", acceptEncoding)

	if fr.Method == http.MethodPost {
		ct := fr.Header.Get("Content-Type")
		if ct == "" {
			ct = "application/json"
		}
		h.Set("Content-Type", ct)
		forwardAllowed(h, fr.Header)
		ref := fr.Referer
		if ref == "" {
			ref = target.Scheme + "://" + target.Host + "/"
		}
		h.Set("Referer", ref)
		return h
	}

	h.Set("Cache-Control", "no-cache")
	h.Set("Pragma", "no-cache")
	if fr.Referer != "" {
		h.Set("Referer", fr.Referer)
	}
	setFetchHints(h, fr)
	return h
}

// forwardAllowed copies authorization and x-youtube*/x-goog* headers.
func forwardAllowed(dst, src http.Header) {
	for key, vals := range src {
		lower := strings.ToLower(key)
		allowed := lower == "authorization"
		for _, p := range forwardPrefixes {
			if strings.HasPrefix(lower, p) {
				allowed = true
				break
			}
		}
		if allowed {
			dst[http.CanonicalHeaderKey(key)] = append([]string(nil), vals...)
		}
	}
}

// setFetchHints approximates the Sec-Fetch-* headers of a real browser
// navigation or subresource load.
func setFetchHints(h http.Header, fr *model.FetchRequest) {
	dest := classify.FetchDest(fr.Target)
	h.Set("Sec-Fetch-Dest", dest)

	site := "none"
	if fr.Referer != "" {
		site = "same-origin"
	}
	h.Set("Sec-Fetch-Site", site)

	if dest == "document" {
		h.Set("Sec-Fetch-Mode", "navigate")
		h.Set("Sec-Fetch-User", "?1")
		h.Set("Upgrade-Insecure-Requests", "1")
		return
	}
	h.Set("Sec-Fetch-Mode", "no-cors")
}
