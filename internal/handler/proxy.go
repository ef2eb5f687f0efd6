package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"rewrite-proxy-go/internal/model"
	"rewrite-proxy-go/internal/service"
)

const headerXForwardedHost = "X-Forwarded-Host"

// ProxyHandler exposes the proxy pipelines as Echo routes.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Get serves GET {endpoint}?url=: the rewriting pipeline.
func (h *ProxyHandler) Get(c echo.Context) error {
	resp, err := h.service.Page(proxyRequest(c), proxyBase(c))
	if err != nil {
		return h.mapError(c, err, false)
	}
	return h.write(c, resp)
}

// Post serves POST {endpoint}?url=: the JSON relay.
func (h *ProxyHandler) Post(c echo.Context) error {
	resp, err := h.service.Relay(proxyRequest(c))
	if err != nil {
		return h.mapError(c, err, false)
	}
	return h.write(c, resp)
}

// SVG serves GET /svg-proxy?url=.
func (h *ProxyHandler) SVG(c echo.Context) error {
	resp, err := h.service.SVG(proxyRequest(c))
	if err != nil {
		return h.mapError(c, err, true)
	}
	return h.write(c, resp)
}

// CSS serves GET /css-proxy?url=.
func (h *ProxyHandler) CSS(c echo.Context) error {
	resp, err := h.service.Stylesheet(proxyRequest(c), proxyBase(c))
	if err != nil {
		return h.mapError(c, err, true)
	}
	return h.write(c, resp)
}

// Universal serves any other GET path from the origin the request belongs to.
func (h *ProxyHandler) Universal(c echo.Context) error {
	resp, err := h.service.Universal(proxyRequest(c))
	if err != nil {
		return h.mapError(c, err, false)
	}
	return h.write(c, resp)
}

func proxyRequest(c echo.Context) *model.ProxyRequest {
	req := c.Request()
	return &model.ProxyRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     req.URL.EscapedPath(),
		Query:    req.URL.Query(),
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     req.Body,
	}
}

// proxyBase returns scheme://host of the proxy as the client addressed it,
// honoring X-Forwarded-Proto and X-Forwarded-Host.
func proxyBase(c echo.Context) string {
	req := c.Request()
	host := req.Host
	if fwd := req.Header.Get(headerXForwardedHost); fwd != "" {
		host, _, _ = strings.Cut(fwd, ",")
		host = strings.TrimSpace(host)
	}
	return c.Scheme() + "://" + host
}

// write streams resp to the client. Once the status is sent a copy
// failure can only be logged; the client sees a truncated body.
func (h *ProxyHandler) write(c echo.Context, resp *model.ProxyResponse) error {
	defer func() { _ = resp.Body.Close() }()

	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst[key] = append([]string(nil), vals...)
	}
	c.Response().WriteHeader(resp.StatusCode)

	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", c.Request().URL.Path,
		)
	}
	return nil
}

// mapError turns a pipeline error into a response. Client input problems
// are 400 text; upstream transport failures are 500, as JSON unless plain
// is set.
func (h *ProxyHandler) mapError(c echo.Context, err error, plain bool) error {
	if errors.Is(err, service.ErrMissingURL) ||
		errors.Is(err, service.ErrInvalidTarget) ||
		errors.Is(err, service.ErrNoOrigin) {
		h.logger.Debug("rejected request",
			"err", err,
			"path", c.Request().URL.Path,
		)
		return c.String(http.StatusBadRequest, err.Error())
	}

	category := upstreamCategory(err)
	if errors.Is(err, context.Canceled) {
		h.logger.Debug("client went away", "path", c.Request().URL.Path)
	} else {
		h.logger.Error("proxy error",
			"err", err,
			"category", category,
			"path", c.Request().URL.Path,
		)
	}

	if plain {
		return c.String(http.StatusInternalServerError, category+": "+err.Error())
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error":   category,
		"message": err.Error(),
	})
}

func upstreamCategory(err error) string {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return "upstream request timed out"
	}
	if errors.Is(err, context.Canceled) {
		return "client disconnected"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "upstream host unreachable"
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return "upstream connection failed"
	}

	return "upstream request failed"
}
