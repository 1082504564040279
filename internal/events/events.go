// Package events carries completion and trigger events between pipeline
// stages. Delivery is at-least-once: emitters may duplicate, and nothing
// orders deliveries across different scope keys, so every consumer must be
// idempotent.
package events

import (
	"context"

	"github.com/courtline/statpipe/internal/model"
)

// Emitter delivers one event to the downstream channel.
type Emitter interface {
	Emit(ctx context.Context, ev model.Event) error
}

// Handler consumes one delivered event.
type Handler func(ctx context.Context, ev model.Event) error

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ctx context.Context, ev model.Event) error

func (f EmitterFunc) Emit(ctx context.Context, ev model.Event) error {
	return f(ctx, ev)
}

// Tee fans one emit out to several emitters. Every emitter sees the
// event; the first error is returned after all have been tried.
func Tee(emitters ...Emitter) Emitter {
	return EmitterFunc(func(ctx context.Context, ev model.Event) error {
		var first error
		for _, e := range emitters {
			if err := e.Emit(ctx, ev); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
}
