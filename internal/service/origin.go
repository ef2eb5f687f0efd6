package service

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"rewrite-proxy-go/internal/urlcodec"
)

// refererTarget pulls the first url= value out of a referer that is itself
// a proxy link. The match is deliberately literal.
var refererTarget = regexp.MustCompile(`[?&]url=([^&]+)`)

// ResolveOrigin returns scheme://host of the site a bare-path request
// belongs to. An explicit origin parameter wins; otherwise the url= value
// of the referer is used.
func ResolveOrigin(explicit, referer string) (string, error) {
	if explicit != "" {
		if origin, ok := httpOrigin(explicit); ok {
			return origin, nil
		}
	}

	if m := refererTarget.FindStringSubmatch(referer); m != nil {
		raw, err := url.QueryUnescape(m[1])
		if err == nil {
			if origin, ok := httpOrigin(raw); ok {
				return origin, nil
			}
		}
	}

	if explicit != "" {
		return "", fmt.Errorf("%w: origin %q is not an absolute http(s) URL", ErrNoOrigin, explicit)
	}
	return "", ErrNoOrigin
}

func httpOrigin(raw string) (string, bool) {
	u, err := urlcodec.Resolve(raw, nil)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	return urlcodec.Origin(u), true
}

// lastParam returns the final value of key in q. Repeated keys are
// last-write-wins.
func lastParam(q url.Values, key string) string {
	vals := q[key]
	if len(vals) == 0 {
		return ""
	}
	return vals[len(vals)-1]
}

// withoutParam drops every name= pair from a raw query string, keeping the
// rest in their original order and encoding.
func withoutParam(rawQuery, name string) string {
	if rawQuery == "" {
		return ""
	}
	parts := strings.Split(rawQuery, "&")
	kept := parts[:0]
	for _, p := range parts {
		if p == "" {
			continue
		}
		key, _, _ := strings.Cut(p, "=")
		if k, err := url.QueryUnescape(key); err == nil && k == name {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "&")
}
