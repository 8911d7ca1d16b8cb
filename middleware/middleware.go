// Package middleware wraps channel output functions. A channel output writes
// one encoded packet; middlewares observe, pace or bound those writes.
//
//	out := middleware.Chain(middleware.Logging(logger), middleware.RateLimit(100, 10))(t.Output)
//	ch := descriptor.NewChannel(1, out)
package middleware

// OutputFunc writes one encoded packet.
type OutputFunc func(data []byte) error

type Middleware func(next OutputFunc) OutputFunc

// Chain combines middlewares; the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next OutputFunc) OutputFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
