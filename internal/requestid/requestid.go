// Package requestid carries the per-request correlation id through context.
// The API middleware mints one per inbound request and stamps it on the
// X-Request-ID response header; log lines pick it up from the context.
package requestid

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

// WithRequestID stores id on the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the id stored on ctx. A context without one gets a
// fresh id rather than an empty string, so callers can always correlate.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// New mints an id and returns it along with the enriched context.
func New(ctx context.Context) (context.Context, string) {
	id := uuid.NewString()
	return WithRequestID(ctx, id), id
}
