package server

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	apperrors "github.com/pscheid92/moodchat/internal/platform/errors"
	"golang.org/x/time/rate"
)

const (
	apiRatePerSecond  = 10
	apiRateBurst      = 20
	rateLimiterExpiry = 5 * time.Minute
)

// newRateLimiter throttles requests per client IP. Rejections go through the
// structured error path so they are counted like any other 429.
func newRateLimiter(ratePerSecond float64, burst int) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(ratePerSecond),
			Burst:     burst,
			ExpiresIn: rateLimiterExpiry,
		},
	)
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		Store: store,
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return apperrors.HandleError(c, apperrors.RateLimitedError("rate limit exceeded"))
		},
	})
}
