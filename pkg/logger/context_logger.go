package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey string

const (
	ctxKeyPeerID    ctxKey = "peer_id"
	ctxKeySessionID ctxKey = "session_id"
	ctxKeyTraceID   ctxKey = "trace_id"
)

// WithPeerID returns a context carrying the peer id for log enrichment.
func WithPeerID(ctx context.Context, peerID string) context.Context {
	return context.WithValue(ctx, ctxKeyPeerID, peerID)
}

// WithSessionID returns a context carrying the call session id.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ctxKeySessionID, sessionID)
}

// WithTraceID returns a context carrying a trace id.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, ctxKeyTraceID, traceID)
}

// ContextLogger enriches log entries with identifiers carried in the context.
type ContextLogger struct {
	logger *zap.Logger
}

func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{logger: logger}
}

// WithContext returns a logger with peer/session/trace fields appended when
// they are present in ctx.
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.Logger {
	fields := []zapcore.Field{}

	for _, key := range []ctxKey{ctxKeyPeerID, ctxKeySessionID, ctxKeyTraceID} {
		if v := ctx.Value(key); v != nil {
			if s, ok := v.(string); ok && s != "" {
				fields = append(fields, zap.String(string(key), s))
			}
		}
	}

	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}
