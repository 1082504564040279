package events

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/courtline/statpipe/internal/model"
)

// Bus is an in-process at-least-once channel used by local mode and tests.
// It can be told to re-deliver every Nth event so consumers get exercised
// against the duplication a real broker produces.
type Bus struct {
	mu       sync.Mutex
	handlers []Handler

	// DuplicateEvery re-delivers every Nth event once more. 0 disables.
	DuplicateEvery int

	emitted int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for all subsequent emissions.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Emit delivers the event to every subscriber, possibly more than once.
// Handler errors are collected; the event still reaches every handler.
func (b *Bus) Emit(ctx context.Context, ev model.Event) error {
	b.mu.Lock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.emitted++
	deliveries := 1
	if b.DuplicateEvery > 0 && b.emitted%b.DuplicateEvery == 0 {
		deliveries = 2
	}
	b.mu.Unlock()

	var firstErr error
	for i := 0; i < deliveries; i++ {
		for _, h := range handlers {
			if err := h(ctx, ev); err != nil {
				zap.L().Warn("events: handler failed",
					zap.String("phase", string(ev.Phase)),
					zap.String("scope", ev.ScopeKey.String()),
					zap.Error(err),
				)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return eris.Wrap(firstErr, "events: emit")
}
