package client

import (
	"go.uber.org/zap"

	"pico-rpc/codec"
)

// Option configures a Client during construction.
type Option func(*Client)

// WithLogger sets the logger. The default is the global zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCodec sets the codec used to decode response payloads. It must match
// the codec the Impl uses for requests.
func WithCodec(cdc codec.Codec) Option {
	return func(c *Client) {
		if cdc != nil {
			c.codec = cdc
		}
	}
}
