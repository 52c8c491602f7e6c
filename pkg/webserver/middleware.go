package webserver

import (
	echo "github.com/labstack/echo/v5"
)

// securityHeaders hardens every response the embedded server serves. The
// OAuth redirect lands here with an authorization code in the query string,
// so responses are marked uncacheable and referrers are suppressed entirely
// to keep the code out of caches and outbound Referer headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("Cache-Control", "no-store")
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "no-referrer")
			return next(c)
		}
	}
}
