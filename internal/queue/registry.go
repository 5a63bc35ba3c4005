package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// DecodeFunc turns a raw payload into a value for the handler.
type DecodeFunc func(payload []byte) (any, error)

// HandleFunc applies a decoded payload.
type HandleFunc func(ctx context.Context, value any, payloadType string) error

// Binding is the registered decoder and handler for one payload type.
type Binding struct {
	PayloadType string
	Barrier     bool

	decode DecodeFunc
	handle HandleFunc
}

// Decode deserializes payload. Failures wrap ErrDeserialization.
func (b *Binding) Decode(payload []byte) (any, error) {
	v, err := b.decode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrDeserialization, b.PayloadType, err)
	}
	return v, nil
}

// Handle invokes the handler. Failures wrap ErrHandler.
func (b *Binding) Handle(ctx context.Context, value any) error {
	if err := b.handle(ctx, value, b.PayloadType); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrHandler, b.PayloadType, err)
	}
	return nil
}

// BindingOption adjusts a binding at registration time.
type BindingOption func(*Binding)

// AsBarrier marks the payload type as a barrier.
func AsBarrier() BindingOption {
	return func(b *Binding) { b.Barrier = true }
}

// Registry maps payload types to bindings. Registration normally happens once
// at startup; lookups are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]*Binding
}

func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string]*Binding)}
}

// Register binds payloadType to fn, decoding payloads as JSON into T.
func Register[T any](r *Registry, payloadType string, fn func(context.Context, T) error, opts ...BindingOption) {
	decode := func(payload []byte) (any, error) {
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
	handle := func(ctx context.Context, value any, _ string) error {
		v, ok := value.(T)
		if !ok {
			return fmt.Errorf("unexpected value %T", value)
		}
		return fn(ctx, v)
	}
	r.RegisterFunc(payloadType, decode, handle, opts...)
}

// RegisterFunc binds payloadType to an explicit decoder and handler.
// Registering the same type twice replaces the earlier binding.
func (r *Registry) RegisterFunc(payloadType string, decode DecodeFunc, handle HandleFunc, opts ...BindingOption) {
	if payloadType == "" || decode == nil || handle == nil {
		panic("queue: RegisterFunc requires payload type, decoder and handler")
	}
	b := &Binding{PayloadType: payloadType, decode: decode, handle: handle}
	for _, opt := range opts {
		opt(b)
	}

	r.mu.Lock()
	r.bindings[payloadType] = b
	r.mu.Unlock()
}

// Resolve returns the binding for payloadType.
func (r *Registry) Resolve(payloadType string) (*Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[payloadType]
	return b, ok
}

// Types lists the registered payload types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.bindings))
	for t := range r.bindings {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
