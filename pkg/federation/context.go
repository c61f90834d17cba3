package federation

import (
	"context"

	"github.com/polisai/polis-federation/pkg/domain"
)

type originKey struct{}

// WithOrigin returns a context carrying the authenticated origin.
func WithOrigin(ctx context.Context, origin domain.ServerName) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

// OriginFromContext returns the authenticated origin of the request, if any.
func OriginFromContext(ctx context.Context) (domain.ServerName, bool) {
	origin, ok := ctx.Value(originKey{}).(domain.ServerName)
	return origin, ok && origin != ""
}
