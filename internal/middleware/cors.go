package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"rewrite-proxy-go/internal/sanitize"
)

const (
	corsAllowMethods = "GET,POST,PUT,DELETE,OPTIONS,PATCH"
	corsAllowHeaders = "Content-Type, Authorization, X-Requested-With, X-YouTube-Client-Name, X-YouTube-Client-Version"
)

// CORS returns an Echo middleware that opens every response to any origin
// and answers preflight requests itself. It is meant for Echo#Pre so that
// OPTIONS never reaches the router. Hop-by-hop headers are stripped from
// the inbound request.
func CORS() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range sanitize.HopByHopHeaders {
				c.Request().Header.Del(h)
			}

			h := c.Response().Header()
			h.Set(echo.HeaderAccessControlAllowOrigin, "*")
			h.Set(echo.HeaderAccessControlAllowMethods, corsAllowMethods)
			h.Set(echo.HeaderAccessControlAllowHeaders, corsAllowHeaders)
			h.Set(echo.HeaderAccessControlAllowCredentials, "true")

			if c.Request().Method == http.MethodOptions {
				return c.NoContent(http.StatusOK)
			}
			return next(c)
		}
	}
}
