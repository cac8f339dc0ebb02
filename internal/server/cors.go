package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"modelgate/internal/policy"
)

// corsMiddleware reflects only allow-listed origins. Requests from any other
// origin receive no CORS headers at all, so the browser refuses them without
// the gateway leaking which origins would have been accepted.
func corsMiddleware(pol *policy.SecurityPolicy) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			origin := c.Request().Header.Get("Origin")
			if origin != "" && pol.AllowsOrigin(origin) {
				h := c.Response().Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Vary", "Origin")
				if c.Request().Method == http.MethodOptions {
					h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
					h.Set("Access-Control-Max-Age", "600")
					return c.NoContent(http.StatusNoContent)
				}
			} else if c.Request().Method == http.MethodOptions && origin != "" {
				// Preflight from an unknown origin: answer without CORS
				// headers so the browser blocks the real request.
				return c.NoContent(http.StatusNoContent)
			}
			return next(c)
		}
	}
}
