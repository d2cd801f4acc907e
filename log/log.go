// Package log carries the small set of zap helpers shared across components.
package log

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type requestIDKey struct{}

// WithRequestID returns a context annotated with a request id. The id tracks
// the lifecycle of a single sync request across goroutines and queues.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// ExtractRequestID extracts the request id from a context object.
func ExtractRequestID(ctx context.Context) (string, bool) {
	rid, ok := ctx.Value(requestIDKey{}).(string)
	return rid, ok
}

// ZContext returns a zap field with the request id from the context, if any.
func ZContext(ctx context.Context) zap.Field {
	if rid, ok := ExtractRequestID(ctx); ok {
		return zap.String("requestId", rid)
	}
	return zap.Skip()
}

// NiceZapError wraps an error in a zap field that prints the error chain
// as a single readable string instead of a nested object.
func NiceZapError(err error) zap.Field {
	if err == nil {
		return zap.Skip()
	}
	return zap.String("errmsg", err.Error())
}

// ShortError trims a wrapped error chain down to its innermost message.
func ShortError(err error) zap.Field {
	if err == nil {
		return zap.Skip()
	}
	for {
		unwrapped := errors.Unwrap(err)
		if unwrapped == nil {
			break
		}
		err = unwrapped
	}
	return zap.String("cause", err.Error())
}

// ParseLevel converts a textual level ("debug", "info", ...) into an atomic
// zap level, defaulting to info for unrecognized input.
func ParseLevel(lvl string) zap.AtomicLevel {
	var level zapcore.Level
	if err := level.Set(strings.ToLower(lvl)); err != nil {
		level = zapcore.InfoLevel
	}
	return zap.NewAtomicLevelAt(level)
}
