package middleware

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned by Throttle when a packet is dropped.
var ErrRateLimited = errors.New("pico-rpc(middleware): rate limit exceeded")

// RateLimit paces writes with a token bucket of r packets per second and
// the given burst. Writes block until a token is available.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next OutputFunc) OutputFunc {
		return func(data []byte) error {
			if err := limiter.Wait(context.Background()); err != nil {
				return errors.Wrap(ErrRateLimited, err.Error())
			}
			return next(data)
		}
	}
}

// Throttle is RateLimit without waiting: writes over the limit fail with
// ErrRateLimited.
func Throttle(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next OutputFunc) OutputFunc {
		return func(data []byte) error {
			if !limiter.Allow() {
				return ErrRateLimited
			}
			return next(data)
		}
	}
}
