// Package client provides the upstream HTTP client used to fetch target
// resources.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/metrics"
	"rewrite-proxy-go/internal/model"
)

// UpstreamError wraps a transport failure (DNS, connect, timeout, TLS).
// A non-2xx status is not an UpstreamError.
type UpstreamError struct {
	URL string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.URL, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// UpstreamClient sends requests to target sites.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	userAgent  string
}

// NewUpstreamClient creates an UpstreamClient with connection pooling,
// a response-header timeout and a bounded redirect policy. Body reads are
// bounded only by the request context. Compression is negotiated and
// decoded here rather than by the transport so every coding the browser
// would accept is handled.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
		ForceAttemptHTTP2:   true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
	}

	maxRedirects := cfg.Upstream.MaxRedirects
	ua := cfg.Upstream.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			// Body reads are bounded by the request context, not a client timeout.
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) > maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		logger:    logger.With("component", "upstream_client"),
		metrics:   m,
		userAgent: ua,
	}
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(req *http.Request) (*http.Response, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, &UpstreamError{URL: req.URL.String(), Err: err}
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return resp, nil
}

// Fetch sends fr upstream and returns the response with its body decoded.
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the upstream
// request is also canceled. Fetch never retries.
func (c *UpstreamClient) Fetch(ctx context.Context, fr *model.FetchRequest) (*model.UpstreamResponse, error) {
	target, err := url.Parse(fr.Target)
	if err != nil {
		return nil, &UpstreamError{URL: fr.Target, Err: err}
	}

	var body io.Reader
	if len(fr.Body) > 0 {
		body = bytes.NewReader(fr.Body)
	}

	req, err := http.NewRequestWithContext(ctx, fr.Method, target.String(), body)
	if err != nil {
		return nil, &UpstreamError{URL: fr.Target, Err: fmt.Errorf("build upstream request: %w", err)}
	}
	req.Header = c.outboundHeaders(fr, target)

	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}

	decoded, wasEncoded, err := decodeBody(resp.Header.Get("Content-Encoding"), resp.Body)
	switch {
	case errors.Is(err, errUnsupportedEncoding):
		c.logger.Warn("unsupported content encoding passed through",
			"encoding", resp.Header.Get("Content-Encoding"),
			"host", target.Host,
		)
	case err != nil:
		_ = resp.Body.Close()
		return nil, &UpstreamError{URL: fr.Target, Err: err}
	}

	final := target
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       decoded,
		FinalURL:   final,
		Decoded:    wasEncoded,
	}, nil
}
