package servicecache

import (
	"context"
	"sync"

	"github.com/goliatone/go-entity-cache/cache"
)

// Binding ties one fetch function to one entity type on a cache manager.
// Call reads through the cache; Invalidate and InvalidateAll drop the
// entries the binding produced.
type Binding[A any, T any] struct {
	manager    *cache.Manager
	entityType string
	fn         func(ctx context.Context, arg A) (T, error)
	opts       []cache.Option

	// seen maps encoded key -> original argument, so InvalidateAll can
	// target exactly the entries this binding created.
	seen sync.Map
}

// Bind wraps fn so its results are cached per argument under entityType.
// opts apply to every call; the argument itself is canonicalized by the
// manager's key codec.
func Bind[A any, T any](m *cache.Manager, entityType string, fn func(ctx context.Context, arg A) (T, error), opts ...cache.Option) *Binding[A, T] {
	return &Binding[A, T]{
		manager:    m,
		entityType: entityType,
		fn:         fn,
		opts:       opts,
	}
}

// Call reads the value for arg through the cache, invoking the wrapped
// function on a miss.
func (b *Binding[A, T]) Call(ctx context.Context, arg A) (T, error) {
	b.seen.Store(b.manager.Key(b.entityType, arg), arg)
	return cache.Get(ctx, b.manager, b.entityType, arg, func(ctx context.Context) (T, error) {
		return b.fn(ctx, arg)
	}, b.opts...)
}

// Func returns Call as a plain function value, a drop-in replacement for the
// wrapped one.
func (b *Binding[A, T]) Func() func(ctx context.Context, arg A) (T, error) {
	return b.Call
}

// Invalidate drops the cached entry for arg.
func (b *Binding[A, T]) Invalidate(ctx context.Context, arg A) {
	b.manager.Invalidate(ctx, b.entityType, arg)
	b.seen.Delete(b.manager.Key(b.entityType, arg))
}

// InvalidateAll drops every entry this binding has produced. It walks the
// binding's own key registry, so it works against backends that cannot scan
// by pattern.
func (b *Binding[A, T]) InvalidateAll(ctx context.Context) {
	b.seen.Range(func(key, arg any) bool {
		b.manager.Invalidate(ctx, b.entityType, arg)
		b.seen.Delete(key)
		return true
	})
}

// Warm populates the cache for arg without consulting the cached entry
// first.
func (b *Binding[A, T]) Warm(ctx context.Context, arg A) error {
	b.seen.Store(b.manager.Key(b.entityType, arg), arg)
	return cache.Warm(ctx, b.manager, b.entityType, arg, func(ctx context.Context) (T, error) {
		return b.fn(ctx, arg)
	}, b.opts...)
}
