// Package logctx carries a request-scoped logger on the context so deeper
// layers emit lines tagged with the request's trace and request id fields.
package logctx

import (
	"context"

	"github.com/minicart/storefront/internal/observability"
)

type ctxKey struct{}

// With returns a context carrying logger. A nil logger leaves ctx unchanged.
func With(ctx context.Context, logger observability.Logger) context.Context {
	if ctx == nil || logger == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromOr returns the context's logger, or fallback when none was attached.
func FromOr(ctx context.Context, fallback observability.Logger) observability.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(ctxKey{}).(observability.Logger); ok {
			return logger
		}
	}
	return fallback
}
