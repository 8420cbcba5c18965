// ABOUTME: Queue consumer: bounded worker pool mapping pipeline outcomes onto ack decisions.
// ABOUTME: On shutdown it stops fetching and drains in-flight work up to a deadline.

package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/2389/coven-relay/internal/bus"
	"github.com/2389/coven-relay/internal/failure"
	"github.com/2389/coven-relay/internal/pipeline"
)

// Processor runs one message body through the pipeline.
type Processor interface {
	Process(ctx context.Context, body []byte) *pipeline.Outcome
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, body []byte) *pipeline.Outcome

func (f ProcessorFunc) Process(ctx context.Context, body []byte) *pipeline.Outcome {
	return f(ctx, body)
}

// DeadLetterSink records permanently failed messages.
type DeadLetterSink interface {
	Send(ctx context.Context, payload []byte, attempt int, cause error) error
}

// Options tune the worker pool.
type Options struct {
	Concurrency  int
	FetchBatch   int
	DrainTimeout time.Duration
	// RetryDelay is the pause after a failed fetch.
	RetryDelay time.Duration
	// MaxDeliver is the source's delivery cap. A retryable failure on the
	// last allowed attempt is dead-lettered instead of withheld. Zero or
	// less means the source redelivers forever.
	MaxDeliver int
	Logger     *slog.Logger
}

// Stats counts what the consumer has done with deliveries.
type Stats struct {
	Received     int64 `json:"received"`
	Acked        int64 `json:"acked"`
	DeadLettered int64 `json:"dead_lettered"`
	Withheld     int64 `json:"withheld"`
	InFlight     int64 `json:"in_flight"`
}

// Consumer pulls deliveries and hands each to the Processor.
type Consumer struct {
	src  bus.Source
	proc Processor
	dlq  DeadLetterSink
	opts Options

	logger  *slog.Logger
	running atomic.Bool

	received     atomic.Int64
	acked        atomic.Int64
	deadLettered atomic.Int64
	withheld     atomic.Int64
	inFlight     atomic.Int64
}

// New creates a consumer.
func New(src bus.Source, proc Processor, dlq DeadLetterSink, opts Options) *Consumer {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.FetchBatch < 1 {
		opts.FetchBatch = opts.Concurrency
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		src:    src,
		proc:   proc,
		dlq:    dlq,
		opts:   opts,
		logger: logger.With("component", "consumer"),
	}
}

// Running reports whether Run is pulling work.
func (c *Consumer) Running() bool { return c.running.Load() }

// Stats returns a snapshot of the delivery counters.
func (c *Consumer) Stats() Stats {
	return Stats{
		Received:     c.received.Load(),
		Acked:        c.acked.Load(),
		DeadLettered: c.deadLettered.Load(),
		Withheld:     c.withheld.Load(),
		InFlight:     c.inFlight.Load(),
	}
}

// Run pulls until ctx is cancelled or the source closes, then waits up to
// DrainTimeout for in-flight deliveries. Work still running after the
// deadline is cancelled and left unacked.
func (c *Consumer) Run(ctx context.Context) error {
	c.running.Store(true)
	defer c.running.Store(false)

	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	sem := semaphore.NewWeighted(int64(c.opts.Concurrency))
	var workers errgroup.Group

	c.logger.Info("consumer started", "concurrency", c.opts.Concurrency, "fetch_batch", c.opts.FetchBatch)

	var runErr error
	for ctx.Err() == nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		slots := 1
		for slots < c.opts.FetchBatch && sem.TryAcquire(1) {
			slots++
		}

		ds, err := c.src.Fetch(ctx, slots)
		if len(ds) < slots {
			sem.Release(int64(slots - len(ds)))
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, bus.ErrClosed) {
				runErr = err
				break
			}
			c.logger.Warn("fetch failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(c.opts.RetryDelay):
			}
			continue
		}

		for _, d := range ds {
			c.received.Add(1)
			c.inFlight.Add(1)
			workers.Go(func() error {
				defer sem.Release(1)
				defer c.inFlight.Add(-1)
				c.handle(workCtx, d)
				return nil
			})
		}
	}

	c.logger.Info("consumer stopping, draining in-flight work", "in_flight", c.inFlight.Load())
	c.drain(&workers, cancelWork)
	c.logger.Info("consumer stopped")
	return runErr
}

func (c *Consumer) drain(workers *errgroup.Group, cancelWork context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		_ = workers.Wait()
		close(done)
	}()

	if c.opts.DrainTimeout <= 0 {
		<-done
		return
	}
	select {
	case <-done:
	case <-time.After(c.opts.DrainTimeout):
		c.logger.Warn("drain timeout exceeded, cancelling in-flight work", "in_flight", c.inFlight.Load())
		cancelWork()
		<-done
	}
}

// handle maps one outcome to an ack decision.
func (c *Consumer) handle(ctx context.Context, d bus.Delivery) {
	out := c.proc.Process(ctx, d.Data())
	log := c.logger.With(
		"delivery_id", d.ID(),
		"attempt", d.Attempt(),
		"idempotency_key", out.Key,
		"user_id", out.UserID,
	)

	switch {
	case out.Succeeded():
		if c.ack(ctx, d, log) {
			out.State = pipeline.StateAcked
			log.Debug("state transition", "state", string(out.State), "duplicate", out.Duplicate)
		}

	case out.Permanent():
		log.Warn("permanent failure, dead-lettering",
			"code", failure.Code(out.Err),
			"error", out.Err,
			"payload", string(d.Data()))
		c.deadLetter(ctx, d, out.Err, log)

	case c.opts.MaxDeliver > 0 && d.Attempt() >= c.opts.MaxDeliver:
		cause := fmt.Errorf("giving up after %d delivery attempts: %w", d.Attempt(), out.Err)
		log.Warn("retryable failure on final delivery, dead-lettering",
			"state", string(out.State),
			"code", failure.Code(out.Err),
			"error", out.Err,
			"max_deliver", c.opts.MaxDeliver,
			"payload", string(d.Data()))
		c.deadLetter(ctx, d, cause, log)

	default:
		c.withheld.Add(1)
		log.Warn("retryable failure, withholding ack",
			"state", string(out.State),
			"code", failure.Code(out.Err),
			"error", out.Err)
	}
}

// deadLetter records d with cause and acks it. If the record cannot be
// written the delivery stays unacked.
func (c *Consumer) deadLetter(ctx context.Context, d bus.Delivery, cause error, log *slog.Logger) {
	if err := c.dlq.Send(ctx, d.Data(), d.Attempt(), cause); err != nil {
		c.withheld.Add(1)
		log.Error("dead-letter publish failed, leaving message unacked",
			"error", err,
			"cause", cause,
			"payload", string(d.Data()))
		return
	}
	c.deadLettered.Add(1)
	c.ack(ctx, d, log)
}

func (c *Consumer) ack(ctx context.Context, d bus.Delivery, log *slog.Logger) bool {
	if err := d.Ack(ctx); err != nil {
		c.withheld.Add(1)
		log.Warn("ack failed, message will be redelivered", "error", err)
		return false
	}
	c.acked.Add(1)
	return true
}
