// ABOUTME: Pull queue with ack deadlines, redelivery and a delivery cap.
// ABOUTME: Mirrors explicit-ack durable consumer semantics for in-process use.

package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/bus"
)

// QueueOptions tune redelivery.
type QueueOptions struct {
	// AckWait is how long a delivery may stay unacked before redelivery.
	AckWait time.Duration
	// MaxDeliver caps delivery attempts per message; zero or less is unlimited.
	MaxDeliver int
	// FetchWait bounds how long Fetch blocks when nothing is available.
	FetchWait time.Duration
}

type item struct {
	id       string
	data     []byte
	attempts int
	inFlight bool
	deadline time.Time
}

// Queue is an at-least-once pull queue for one subject.
type Queue struct {
	subject string
	opts    QueueOptions

	mu     sync.Mutex
	items  []*item
	seq    uint64
	acked  int
	closed bool
	notify chan struct{}
}

func newQueue(subject string, opts QueueOptions) *Queue {
	if opts.AckWait <= 0 {
		opts.AckWait = 30 * time.Second
	}
	if opts.FetchWait <= 0 {
		opts.FetchWait = time.Second
	}
	return &Queue{subject: subject, opts: opts, notify: make(chan struct{}, 1)}
}

func (q *Queue) push(data []byte) {
	q.mu.Lock()
	q.seq++
	q.items = append(q.items, &item{id: q.subject + ":" + strconv.FormatUint(q.seq, 10), data: data})
	q.mu.Unlock()
	q.wake()
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// Fetch returns up to max available deliveries.
func (q *Queue) Fetch(ctx context.Context, max int) ([]bus.Delivery, error) {
	wait := time.NewTimer(q.opts.FetchWait)
	defer wait.Stop()

	for {
		ds, next, err := q.take(max)
		if err != nil || len(ds) > 0 {
			return ds, err
		}

		var expiry <-chan time.Time
		if !next.IsZero() {
			expiry = time.After(time.Until(next))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait.C:
			return nil, nil
		case <-q.notify:
		case <-expiry:
		}
	}
}

// take claims ready items and reports the earliest in-flight deadline.
func (q *Queue) take(max int) ([]bus.Delivery, time.Time, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, time.Time{}, bus.ErrClosed
	}

	now := time.Now()
	var (
		out  []bus.Delivery
		next time.Time
		kept = q.items[:0]
	)
	for _, it := range q.items {
		if it.inFlight && !now.Before(it.deadline) {
			it.inFlight = false
		}
		if !it.inFlight && q.opts.MaxDeliver > 0 && it.attempts >= q.opts.MaxDeliver {
			continue
		}
		kept = append(kept, it)

		if !it.inFlight && len(out) < max {
			it.attempts++
			it.inFlight = true
			it.deadline = now.Add(q.opts.AckWait)
			out = append(out, &delivery{q: q, it: it, attempt: it.attempts})
		}
		if it.inFlight && (next.IsZero() || it.deadline.Before(next)) {
			next = it.deadline
		}
	}
	q.items = kept
	return out, next, nil
}

func (q *Queue) ack(it *item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, cur := range q.items {
		if cur == it {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.acked++
			return
		}
	}
}

// Pending counts messages not yet acked, in flight or not.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Acked counts messages acked so far.
func (q *Queue) Acked() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acked
}

type delivery struct {
	q       *Queue
	it      *item
	attempt int
}

func (d *delivery) Data() []byte { return d.it.data }
func (d *delivery) ID() string   { return d.it.id }
func (d *delivery) Attempt() int { return d.attempt }

func (d *delivery) Ack(ctx context.Context) error {
	d.q.ack(d.it)
	return nil
}

var _ bus.Source = (*Queue)(nil)
