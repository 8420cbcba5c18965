// ABOUTME: Channel abstractions: publishers, pull sources and individual deliveries.
// ABOUTME: Implementations provide at-least-once delivery; an unacked delivery is redelivered.

package bus

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus closed")

// Publisher emits a payload on a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Delivery is one delivery attempt of an inbound message. A delivery that
// is never acked is redelivered once the channel's ack deadline passes.
type Delivery interface {
	// Data is the raw message body.
	Data() []byte
	// ID identifies the message across redeliveries.
	ID() string
	// Attempt is the 1-based delivery count.
	Attempt() int
	// Ack marks the message processed so it is never redelivered.
	Ack(ctx context.Context) error
}

// Source pulls deliveries from an inbound channel.
type Source interface {
	// Fetch returns up to max deliveries. It blocks until at least one is
	// available, the channel's fetch wait elapses (returning none), or ctx
	// is done.
	Fetch(ctx context.Context, max int) ([]Delivery, error)
}
