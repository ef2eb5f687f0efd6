// Package service composes fetching, classification, rewriting and header
// sanitization into the proxy's request pipelines.
package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html/charset"

	"rewrite-proxy-go/internal/classify"
	"rewrite-proxy-go/internal/client"
	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/metrics"
	"rewrite-proxy-go/internal/model"
	"rewrite-proxy-go/internal/rewrite"
	"rewrite-proxy-go/internal/sanitize"
	"rewrite-proxy-go/internal/urlcodec"
)

var (
	// ErrMissingURL is returned when a proxy route is called without ?url=.
	ErrMissingURL = errors.New("missing required query parameter: url")
	// ErrInvalidTarget is returned when ?url= is not an absolute http(s) URL.
	ErrInvalidTarget = errors.New("invalid target url")
	// ErrNoOrigin is returned when a bare-path request carries neither an
	// origin parameter nor a proxy referer.
	ErrNoOrigin = errors.New("cannot determine target origin: pass ?origin= or request from a proxied page")
)

const (
	markupContentType = "text/html; charset=utf-8"
	cssContentType    = "text/css; charset=utf-8"
	svgContentType    = "image/svg+xml"
)

// ProxyService runs the per-route pipelines. It holds no per-request state.
type ProxyService struct {
	client  *client.UpstreamClient
	codec   *urlcodec.Codec
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		client:  c,
		codec:   urlcodec.New(cfg.Proxy.Endpoint),
		logger:  logger.With("component", "proxy_service"),
		metrics: m,
	}
}

// Page fetches the ?url= target and rewrites it when it is an HTML
// document. Anything else streams through with sanitized headers.
func (s *ProxyService) Page(pr *model.ProxyRequest, proxyBase string) (*model.ProxyResponse, error) {
	target, err := targetURL(pr.Query)
	if err != nil {
		return nil, err
	}

	up, err := s.client.Fetch(pr.Ctx, &model.FetchRequest{
		Target: target,
		Method: http.MethodGet,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}

	declared := up.Header.Get("Content-Type")
	res := classify.Classify(declared, target)
	if res.Kind != classify.Markup {
		return s.passthrough(up, res.Override), nil
	}

	doc, err := readText(up, declared)
	if err != nil {
		return nil, fmt.Errorf("read page: %w", &client.UpstreamError{URL: target, Err: err})
	}

	ctx := rewrite.NewContext(s.codec, proxyBase, up.FinalURL, target)
	out, err := rewrite.Markup(doc, ctx)
	if err != nil {
		s.logger.Warn("markup rewrite failed; serving original document",
			"err", err,
			"host", up.FinalURL.Host,
		)
		out = doc
	}
	s.observe(classify.Markup.String())

	return &model.ProxyResponse{
		StatusCode: up.StatusCode,
		Header:     sanitize.Headers(up.Header, sanitize.Markup, markupContentType),
		Body:       io.NopCloser(strings.NewReader(out)),
	}, nil
}

// Relay forwards a POST body to the ?url= target and returns the answer
// as data, unrewritten.
func (s *ProxyService) Relay(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	target, err := targetURL(pr.Query)
	if err != nil {
		return nil, err
	}

	var body []byte
	if pr.Body != nil {
		body, err = io.ReadAll(pr.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	}
	body = compactJSON(body)

	up, err := s.client.Fetch(pr.Ctx, &model.FetchRequest{
		Target: target,
		Method: http.MethodPost,
		Header: pr.Header,
		Body:   body,
	})
	if err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}
	s.observe("data")

	return &model.ProxyResponse{
		StatusCode: up.StatusCode,
		Header:     responseHeaders(up, sanitize.Data, ""),
		Body:       up.Body,
	}, nil
}

// SVG fetches an SVG image and always serves it as image/svg+xml. A
// non-2xx answer becomes a plain-text failure with the same status.
func (s *ProxyService) SVG(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	target, err := targetURL(pr.Query)
	if err != nil {
		return nil, err
	}

	up, err := s.client.Fetch(pr.Ctx, &model.FetchRequest{
		Target: target,
		Method: http.MethodGet,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch svg: %w", err)
	}
	if !isSuccess(up.StatusCode) {
		_ = up.Body.Close()
		return textFailure(up.StatusCode, "Failed to fetch SVG"), nil
	}
	s.observe("svg")

	return &model.ProxyResponse{
		StatusCode: up.StatusCode,
		Header:     responseHeaders(up, sanitize.Resource, svgContentType),
		Body:       up.Body,
	}, nil
}

// Stylesheet fetches a stylesheet and rewrites its url() references.
func (s *ProxyService) Stylesheet(pr *model.ProxyRequest, proxyBase string) (*model.ProxyResponse, error) {
	target, err := targetURL(pr.Query)
	if err != nil {
		return nil, err
	}

	up, err := s.client.Fetch(pr.Ctx, &model.FetchRequest{
		Target: target,
		Method: http.MethodGet,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch stylesheet: %w", err)
	}
	if !isSuccess(up.StatusCode) {
		_ = up.Body.Close()
		return textFailure(up.StatusCode, "Failed to fetch CSS"), nil
	}

	declared := up.Header.Get("Content-Type")
	css, err := readText(up, declared)
	if err != nil {
		return nil, fmt.Errorf("read stylesheet: %w", &client.UpstreamError{URL: target, Err: err})
	}

	ctx := rewrite.NewContext(s.codec, proxyBase, up.FinalURL, target)
	out := rewrite.CSS(css, ctx)
	s.observe(classify.Stylesheet.String())

	return &model.ProxyResponse{
		StatusCode: up.StatusCode,
		Header:     sanitize.Headers(up.Header, sanitize.Resource, cssContentType),
		Body:       io.NopCloser(strings.NewReader(out)),
	}, nil
}

// Universal serves a bare-path request from the origin it belongs to. The
// response streams through without rewriting.
func (s *ProxyService) Universal(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	origin, err := ResolveOrigin(lastParam(pr.Query, "origin"), pr.Header.Get("Referer"))
	if err != nil {
		return nil, err
	}

	target := origin + pr.Path
	if q := withoutParam(pr.RawQuery, "origin"); q != "" {
		target += "?" + q
	}

	up, err := s.client.Fetch(pr.Ctx, &model.FetchRequest{
		Target:  target,
		Method:  http.MethodGet,
		Referer: origin + "/",
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", pr.Path, err)
	}

	res := classify.Classify(up.Header.Get("Content-Type"), target)
	return s.passthrough(up, res.Override), nil
}

func (s *ProxyService) passthrough(up *model.UpstreamResponse, override string) *model.ProxyResponse {
	s.observe(classify.Binary.String())
	return &model.ProxyResponse{
		StatusCode: up.StatusCode,
		Header:     responseHeaders(up, sanitize.Binary, override),
		Body:       up.Body,
	}
}

func (s *ProxyService) observe(kind string) {
	if s.metrics != nil {
		s.metrics.RewritesTotal.WithLabelValues(kind).Inc()
	}
}

// targetURL validates the url query parameter.
func targetURL(q url.Values) (string, error) {
	raw := strings.TrimSpace(lastParam(q, urlcodec.QueryParam))
	if raw == "" {
		return "", ErrMissingURL
	}
	u, err := urlcodec.Resolve(raw, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidTarget, raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, u.Scheme)
	}
	return u.String(), nil
}

// responseHeaders sanitizes headers for a body served as it arrived from
// the fetcher. A coding the fetcher could not remove stays declared.
func responseHeaders(up *model.UpstreamResponse, p sanitize.Policy, contentType string) http.Header {
	h := sanitize.Headers(up.Header, p, contentType)
	if up.Decoded {
		h.Del("Content-Length")
	} else if ce := up.Header.Get("Content-Encoding"); ce != "" {
		h.Set("Content-Encoding", ce)
	}
	return h
}

// readText reads the whole body as UTF-8 and closes it.
func readText(up *model.UpstreamResponse, contentType string) (string, error) {
	defer func() { _ = up.Body.Close() }()

	r, err := charset.NewReader(up.Body, contentType)
	if err != nil {
		return "", err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// compactJSON re-serializes a JSON body; anything else is sent verbatim.
func compactJSON(body []byte) []byte {
	if len(body) == 0 || !json.Valid(body) {
		return body
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return body
	}
	return buf.Bytes()
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func textFailure(status int, msg string) *model.ProxyResponse {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Access-Control-Allow-Origin", "*")
	body := fmt.Sprintf("%s: upstream returned %d %s", msg, status, http.StatusText(status))
	return &model.ProxyResponse{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}
