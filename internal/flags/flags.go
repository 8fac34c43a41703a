// Package flags holds the feature gate for the notification engine. The
// gate is evaluated per dispatch, so a request-scoped override can turn
// the engine on or off for one call without touching global state.
package flags

import "context"

type ctxKey struct{}

// Gate reports whether the notification engine is enabled. The default
// comes from configuration; a context override wins when present.
type Gate struct {
	enabled bool
}

func NewGate(enabled bool) *Gate {
	return &Gate{enabled: enabled}
}

func (g *Gate) Enabled(ctx context.Context) bool {
	if v, ok := Override(ctx); ok {
		return v
	}
	return g.enabled
}

// Override reports the request-scoped override carried by ctx, if any.
func Override(ctx context.Context) (enabled, ok bool) {
	enabled, ok = ctx.Value(ctxKey{}).(bool)
	return enabled, ok
}

// WithOverride returns a context that forces the gate to the given value
// for calls carrying it.
func WithOverride(ctx context.Context, enabled bool) context.Context {
	return context.WithValue(ctx, ctxKey{}, enabled)
}
