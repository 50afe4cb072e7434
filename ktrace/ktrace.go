// Package ktrace bundles the metrics registry, span tracer and hook
// registry every scheduling primitive in this module is instrumented
// with: a counter/gauge set, a tracer for per-operation spans, and a
// typed hook registry for the additive Go-idiomatic On* callbacks that
// sit alongside each component's message-based protocol.
package ktrace

import (
	"context"

	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Bundle groups a component's observability surface. Components embed a
// *Bundle[Event] rather than the three registries separately.
type Bundle[Event any] struct {
	Metrics *metricz.Registry
	Tracer  *tracez.Tracer
	Hooks   *hookz.Hooks[Event]
}

// New constructs a Bundle with its own independent registries, pre-
// registering counters and gauges so Inc/Set never race a first-use
// registration.
func New[Event any](counters []metricz.Key, gauges []metricz.Key) *Bundle[Event] {
	metrics := metricz.New()
	for _, k := range counters {
		metrics.Counter(k)
	}
	for _, k := range gauges {
		metrics.Gauge(k)
	}
	return &Bundle[Event]{
		Metrics: metrics,
		Tracer:  tracez.New(),
		Hooks:   hookz.New[Event](),
	}
}

// Emit fires ev on key if, and only if, at least one listener is
// registered, avoiding the allocation/dispatch cost of an event no one
// observes.
func (b *Bundle[Event]) Emit(ctx context.Context, key hookz.Key, ev Event) {
	if b.Hooks.ListenerCount(key) == 0 {
		return
	}
	_ = b.Hooks.Emit(ctx, key, ev)
}

// On registers handler for key, returning the error a full hook registry
// returns (e.g. registry closed).
func (b *Bundle[Event]) On(key hookz.Key, handler func(context.Context, Event) error) error {
	_, err := b.Hooks.Hook(key, handler)
	return err
}

// Close releases the tracer and hook registry. Safe to call once per
// Bundle, typically from the owning component's Shutdown/Close.
func (b *Bundle[Event]) Close() {
	if b.Tracer != nil {
		b.Tracer.Close()
	}
	if b.Hooks != nil {
		b.Hooks.Close()
	}
}
