package transport

import (
	"go.uber.org/zap"
)

type Option func(*Transport)

// WithAddress sets the HDLC address used for sending and accepted when
// receiving.
func WithAddress(address uint64) Option {
	return func(t *Transport) {
		t.address = address
	}
}

// WithMaxFrameSize bounds received frames; larger ones are dropped.
func WithMaxFrameSize(size int) Option {
	return func(t *Transport) {
		if size > 0 {
			t.maxFrameSize = size
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}
