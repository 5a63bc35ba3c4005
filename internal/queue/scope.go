package queue

import "context"

// Scope wraps each lane batch. Enter returns the context handlers run with
// and a release func that is always called when the batch ends, even if a
// handler panics.
type Scope interface {
	Enter(ctx context.Context) (context.Context, func())
}

// NopScope does nothing.
type NopScope struct{}

func (NopScope) Enter(ctx context.Context) (context.Context, func()) {
	return ctx, func() {}
}

type checksSuppressedKey struct{}

// SuppressChecksScope marks the batch context so handlers skip per-item
// access checks while applying replicated events.
type SuppressChecksScope struct{}

func (SuppressChecksScope) Enter(ctx context.Context) (context.Context, func()) {
	return context.WithValue(ctx, checksSuppressedKey{}, true), func() {}
}

// ChecksSuppressed reports whether ctx was entered through SuppressChecksScope.
func ChecksSuppressed(ctx context.Context) bool {
	v, _ := ctx.Value(checksSuppressedKey{}).(bool)
	return v
}
