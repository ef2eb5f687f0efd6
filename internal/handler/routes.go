package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/metrics"
	"rewrite-proxy-go/internal/urlcodec"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Static
// routes always win over the universal "/*" fallback.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.GET(cfg.Proxy.Endpoint, proxy.Get)
	e.POST(cfg.Proxy.Endpoint, proxy.Post)
	e.GET(urlcodec.SVGPath, proxy.SVG)
	e.GET(urlcodec.CSSPath, proxy.CSS)

	e.GET("/*", proxy.Universal)
}
