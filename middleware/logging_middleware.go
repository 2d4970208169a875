package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"campus-rpc/message"
)

// Logging records uri, status and duration of every request. Parameters are
// never logged; they may carry credentials.
func Logging(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("uri", req.URI),
				zap.String("id", req.ID),
				zap.String("status", string(resp.Status)),
				zap.Duration("duration", time.Since(start)),
			}
			if req.Session != nil && req.Session.UserName != "" {
				fields = append(fields, zap.String("user", req.Session.UserName))
			}
			switch resp.Status {
			case message.StatusSuccess:
				logger.Debug("request served", fields...)
			case message.StatusInternalError:
				logger.Warn("request failed", append(fields, zap.String("message", resp.Message))...)
			default:
				logger.Info("request refused", fields...)
			}
			return resp
		}
	}
}
