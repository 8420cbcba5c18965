// ABOUTME: In-process bus with fan-out subscriptions and at-least-once pull queues.
// ABOUTME: Backs tests and single-process runs; unacked deliveries reappear after the ack wait.

// Package memory provides an in-process implementation of the bus interfaces.
package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/bus"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
	// DefaultRetention is how many recent payloads Published keeps per subject.
	DefaultRetention = 256
)

// Message is a payload published on a subject.
type Message struct {
	Subject string
	Data    []byte
}

// Bus routes published payloads to queues and subscribers by subject.
type Bus struct {
	mu          sync.RWMutex
	queues      map[string]*Queue
	subscribers map[string]map[string]chan Message // subject -> subID -> ch
	published   map[string]*history
	retention   int
	closed      bool
	failNext    map[string]error
	logger      *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithRetention sets how many recent payloads per subject Published returns.
// Values below one keep the default.
func WithRetention(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.retention = n
		}
	}
}

// New creates an empty bus. Pass nil logger for default.
func New(logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		queues:      make(map[string]*Queue),
		subscribers: make(map[string]map[string]chan Message),
		published:   make(map[string]*history),
		retention:   DefaultRetention,
		failNext:    make(map[string]error),
		logger:      logger.With("component", "memory_bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// history is a fixed-size ring of the most recent payloads on a subject.
type history struct {
	buf  [][]byte
	next int
	full bool
}

func (h *history) add(p []byte) {
	h.buf[h.next] = p
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
}

// items returns the retained payloads oldest first.
func (h *history) items() [][]byte {
	if !h.full {
		return h.buf[:h.next]
	}
	out := make([][]byte, 0, len(h.buf))
	out = append(out, h.buf[h.next:]...)
	return append(out, h.buf[:h.next]...)
}

// Publish records data, appends it to the subject's queue if one exists
// and fans it out to subscribers. Slow subscribers drop messages.
func (b *Bus) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return bus.ErrClosed
	}
	if err, ok := b.failNext[subject]; ok {
		delete(b.failNext, subject)
		b.mu.Unlock()
		return err
	}
	payload := append([]byte(nil), data...)
	h, ok := b.published[subject]
	if !ok {
		h = &history{buf: make([][]byte, b.retention)}
		b.published[subject] = h
	}
	h.add(payload)
	q := b.queues[subject]
	targets := make([]chan Message, 0, len(b.subscribers[subject]))
	for _, ch := range b.subscribers[subject] {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	if q != nil {
		q.push(payload)
	}

	msg := Message{Subject: subject, Data: payload}
	for _, ch := range targets {
		select {
		case ch <- msg:
		default:
			b.logger.Debug("dropped message for slow subscriber", "subject", subject)
		}
	}
	return nil
}

// FailNext makes the next Publish on subject return err.
func (b *Bus) FailNext(subject string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext[subject] = err
}

// Published returns copies of the most recent payloads published on subject,
// oldest first. At most the retention limit is kept per subject.
func (b *Bus) Published(subject string) [][]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.published[subject]
	if !ok {
		return [][]byte{}
	}
	items := h.items()
	out := make([][]byte, len(items))
	for i, p := range items {
		out[i] = append([]byte(nil), p...)
	}
	return out
}

// Queue returns the pull queue for subject, creating it on first use.
// Only messages published after creation are queued.
func (b *Bus) Queue(subject string, opts QueueOptions) *Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[subject]; ok {
		return q
	}
	q := newQueue(subject, opts)
	b.queues[subject] = q
	return q
}

// Subscribe registers a subscriber for subject. The subscription is removed
// when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, subject string) (<-chan Message, string) {
	subID := uuid.New().String()
	ch := make(chan Message, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[subject]; !ok {
		b.subscribers[subject] = make(map[string]chan Message)
	}
	b.subscribers[subject][subID] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subject, subID)
	}()

	return ch, subID
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(subject, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[subject]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, subject)
	}
}

// Close rejects further publishes and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for subject, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, subject)
	}
	for _, q := range b.queues {
		q.close()
	}
}

// Healthy reports whether the bus accepts publishes.
func (b *Bus) Healthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

var _ bus.Publisher = (*Bus)(nil)
