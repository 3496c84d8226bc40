package api

import (
	"crypto/subtle"
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// Auth carriers accepted for both tiers.
const (
	authHeader     = "X-Control-Password"
	authQueryParam = "password"
)

// securityHeaders sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// requireControl guards mutation endpoints with the control password.
// With no password configured the control surface is open (local dev).
func (s *Server) requireControl() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if s.cfg.ControlPassword == "" {
				return next(c)
			}
			if !suppliedSecretMatches(c, s.cfg.ControlPassword) {
				return echo.NewHTTPError(http.StatusUnauthorized, "control password required")
			}
			return next(c)
		}
	}
}

// requireRead optionally guards read endpoints with the same secret.
func (s *Server) requireRead() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if !s.cfg.ProtectReadEndpoints || s.cfg.ControlPassword == "" {
				return next(c)
			}
			if !suppliedSecretMatches(c, s.cfg.ControlPassword) {
				return echo.NewHTTPError(http.StatusUnauthorized, "read access requires the control password")
			}
			return next(c)
		}
	}
}

// suppliedSecretMatches compares the supplied credential in constant
// time so response timing leaks nothing about the secret.
func suppliedSecretMatches(c *echo.Context, secret string) bool {
	supplied := c.Request().Header.Get(authHeader)
	if supplied == "" {
		supplied = c.QueryParam(authQueryParam)
	}
	if supplied == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(secret)) == 1
}
