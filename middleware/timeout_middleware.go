package middleware

import (
	"time"

	"github.com/pkg/errors"
)

var ErrTimeout = errors.New("pico-rpc(middleware): output timed out")

// Timeout fails writes that take longer than d. The write itself keeps
// running in the background; the data is copied first.
func Timeout(d time.Duration) Middleware {
	return func(next OutputFunc) OutputFunc {
		return func(data []byte) error {
			buf := append([]byte(nil), data...)
			done := make(chan error, 1)
			go func() {
				done <- next(buf)
			}()

			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case err := <-done:
				return err
			case <-timer.C:
				return ErrTimeout
			}
		}
	}
}
