package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"modelgate/internal/core"
	"modelgate/internal/policy"
)

// authMiddleware enforces the bearer token from the security policy on every
// route except the listed skip paths. With no-auth active (valid only on
// loopback binds, the policy validator guarantees that) all requests pass.
func authMiddleware(pol *policy.SecurityPolicy, skipPaths []string) echo.MiddlewareFunc {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if pol.NoAuth || skip[c.Path()] {
				return next(c)
			}

			header := c.Request().Header.Get("Authorization")
			if header == "" {
				return authFail(c, "missing authorization header")
			}
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				return authFail(c, "invalid authorization header format, expected 'Bearer <token>'")
			}
			token := strings.TrimPrefix(header, prefix)
			if subtle.ConstantTimeCompare([]byte(token), []byte(pol.Token)) != 1 {
				return authFail(c, "invalid token")
			}
			return next(c)
		}
	}
}

func authFail(c echo.Context, message string) error {
	ge := core.NewAuthError(message)
	return c.JSON(http.StatusUnauthorized, ge.ToJSON())
}
