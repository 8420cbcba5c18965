// ABOUTME: NATS JetStream implementation of the bus: durable pull consumer plus publisher.
// ABOUTME: Unacked messages are redelivered by the server after AckWait, up to MaxDeliver.

// Package jetstream implements the bus interfaces on NATS JetStream.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/2389/coven-relay/internal/bus"
)

// Options describe the stream and consumer the relay uses.
type Options struct {
	URL        string
	Name       string // client connection name
	Stream     string
	Subjects   []string // subjects captured by the stream
	Inbound    string
	Consumer   string
	AckWait    time.Duration
	MaxDeliver int
	FetchWait  time.Duration
}

// Bus is a JetStream connection bound to one stream.
type Bus struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	opts   Options
	logger *slog.Logger
}

// Connect dials NATS and creates or updates the stream.
func Connect(ctx context.Context, opts Options, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "jetstream")

	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}

	b := &Bus{nc: nc, js: js, opts: opts, logger: logger}
	if len(opts.Subjects) > 0 {
		b.stream, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     opts.Stream,
			Subjects: opts.Subjects,
		})
	} else {
		b.stream, err = js.Stream(ctx, opts.Stream)
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get stream %s: %w", opts.Stream, err)
	}

	logger.Info("connected to jetstream", "url", nc.ConnectedUrl(), "stream", opts.Stream)
	return b, nil
}

// Publish stores data on subject and waits for the stream's ack.
func (b *Bus) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := b.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Source creates or updates the durable consumer for the inbound subject.
func (b *Bus) Source(ctx context.Context) (*Source, error) {
	cons, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       b.opts.Consumer,
		FilterSubject: b.opts.Inbound,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.opts.AckWait,
		MaxDeliver:    b.opts.MaxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", b.opts.Consumer, err)
	}
	wait := b.opts.FetchWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &Source{cons: cons, wait: wait, logger: b.logger}, nil
}

// Healthy reports whether the NATS connection is up.
func (b *Bus) Healthy() bool {
	return b.nc.Status() == nats.CONNECTED
}

// Close drains the connection, flushing pending publishes.
func (b *Bus) Close() error {
	return b.nc.Drain()
}

// Source pulls inbound messages from a durable consumer.
type Source struct {
	cons   jetstream.Consumer
	wait   time.Duration
	logger *slog.Logger
}

// Fetch pulls up to max messages, waiting at most the configured fetch wait.
func (s *Source) Fetch(ctx context.Context, max int) ([]bus.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	wait := s.wait
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < wait {
		wait = time.Until(dl)
	}
	if wait <= 0 {
		return nil, context.DeadlineExceeded
	}

	batch, err := s.cons.Fetch(max, jetstream.FetchMaxWait(wait))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("fetch: %w", err)
	}

	var out []bus.Delivery
	for msg := range batch.Messages() {
		out = append(out, newDelivery(msg))
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
		s.logger.Warn("message fetch error", "error", err)
		if len(out) == 0 {
			return nil, fmt.Errorf("fetch: %w", err)
		}
	}
	return out, nil
}

type delivery struct {
	msg     jetstream.Msg
	id      string
	attempt int
}

func newDelivery(msg jetstream.Msg) *delivery {
	d := &delivery{msg: msg, id: msg.Subject(), attempt: 1}
	if md, err := msg.Metadata(); err == nil {
		d.id = md.Stream + ":" + strconv.FormatUint(md.Sequence.Stream, 10)
		d.attempt = int(md.NumDelivered)
	}
	return d
}

func (d *delivery) Data() []byte { return d.msg.Data() }
func (d *delivery) ID() string   { return d.id }
func (d *delivery) Attempt() int { return d.attempt }

// Ack waits for the server to confirm so a lost ack is surfaced.
func (d *delivery) Ack(ctx context.Context) error {
	return d.msg.DoubleAck(ctx)
}

var (
	_ bus.Publisher = (*Bus)(nil)
	_ bus.Source    = (*Source)(nil)
)
