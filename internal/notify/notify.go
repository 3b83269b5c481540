// Package notify fans engine events out to configured sinks. The engine
// emits structured events and never formats delivery itself.
package notify

import (
	"context"
	"time"
)

const (
	EventOrderPlaced   = "order_placed"
	EventOrderCanceled = "order_canceled"
	EventEngineError   = "engine_error"
)

// Event is one engine occurrence worth telling a human about.
type Event struct {
	Type   string    `json:"type"`
	Rule   string    `json:"rule,omitempty"`
	Symbol string    `json:"symbol,omitempty"`
	Side   string    `json:"side,omitempty"`
	Price  string    `json:"price,omitempty"`
	Shares int       `json:"shares,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Notifier delivers events to one sink. Implementations must be safe for
// concurrent use; delivery failures are the sink's problem and never bubble
// into the engine.
type Notifier interface {
	Publish(ctx context.Context, event Event)
}

// Multi fans one event out to every sink.
type Multi []Notifier

func (m Multi) Publish(ctx context.Context, event Event) {
	for _, n := range m {
		if n != nil {
			n.Publish(ctx, event)
		}
	}
}
