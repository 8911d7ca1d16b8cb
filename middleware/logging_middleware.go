package middleware

import (
	"time"

	"go.uber.org/zap"

	"pico-rpc/packet"
)

// Logging logs every packet at debug level and failed writes at warn level.
func Logging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.L().Named("middleware")
	}
	return func(next OutputFunc) OutputFunc {
		return func(data []byte) error {
			start := time.Now()
			err := next(data)
			fields := packetFields(data)
			fields = append(fields, zap.Int("size", len(data)), zap.Duration("duration", time.Since(start)))
			if err != nil {
				logger.Warn("output failed", append(fields, zap.Error(err))...)
				return err
			}
			logger.Debug("output", fields...)
			return nil
		}
	}
}

func packetFields(data []byte) []zap.Field {
	pkt, err := packet.Decode(data)
	if err != nil {
		return []zap.Field{zap.String("type", "undecodable")}
	}
	return []zap.Field{
		zap.Stringer("type", pkt.Type),
		zap.Uint32("channel", pkt.ChannelID),
		zap.Uint32("service", pkt.ServiceID),
		zap.Uint32("method", pkt.MethodID),
	}
}
