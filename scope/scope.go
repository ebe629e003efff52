// Package scope carries the workspace and actor of the current operation
// on a context.Context, so events raised deep in a call chain can be
// dispatched without threading tenant IDs through every signature.
package scope

import "context"

type ctxKey struct{}

// Scope is the tenant and actor bound to a context.
type Scope struct {
	WorkspaceID   string
	UserID        string
	CorrelationID string
}

// IsZero reports whether no field is set.
func (s Scope) IsZero() bool {
	return s == Scope{}
}

// Restore binds s to ctx. An empty scope returns ctx unchanged.
func Restore(ctx context.Context, s Scope) context.Context {
	if s.IsZero() {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, s)
}

// Capture returns the scope bound to ctx, or the zero Scope.
func Capture(ctx context.Context) Scope {
	s, _ := ctx.Value(ctxKey{}).(Scope)
	return s
}
