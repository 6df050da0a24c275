package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Allower decides whether the caller identified by key may proceed.
type Allower interface {
	Allow(key string) bool
}

// RateLimit rejects requests with 429 once the client's bucket is empty.
// Clients are keyed by real IP.
func RateLimit(a Allower) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !a.Allow(c.RealIP()) {
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"status":  http.StatusTooManyRequests,
					"message": http.StatusText(http.StatusTooManyRequests),
				})
			}
			return next(c)
		}
	}
}
