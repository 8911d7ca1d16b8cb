package callback

import (
	"go.uber.org/zap"

	"pico-rpc/codec"
)

type Option func(*Impl)

func WithLogger(logger *zap.Logger) Option {
	return func(i *Impl) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithCodec sets the codec used to encode requests.
func WithCodec(cdc codec.Codec) Option {
	return func(i *Impl) {
		if cdc != nil {
			i.codec = cdc
		}
	}
}
