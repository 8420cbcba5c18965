// ABOUTME: Orchestrator runs the per-envelope state machine from RECEIVED to PUBLISHED.
// ABOUTME: It never reclassifies component errors; unclassified errors count as retryable.

package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/coven-relay/internal/completion"
	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/envelope"
	"github.com/2389/coven-relay/internal/failure"
	"github.com/2389/coven-relay/internal/store"
)

// HistoryFetcher returns the bounded prior context for a user.
type HistoryFetcher interface {
	Fetch(ctx context.Context, userID string) ([]*store.Turn, error)
}

// Completer selects a provider and produces a completion.
type Completer interface {
	Select(hint string) (string, error)
	Dispatch(ctx context.Context, req *completion.Request) (*envelope.Completion, error)
}

// ResultWriter persists exchanges idempotently.
type ResultWriter interface {
	Lookup(ctx context.Context, key string) (*conversation.Result, error)
	Write(ctx context.Context, in *envelope.Inbound, c *envelope.Completion, processing time.Duration, completedAt time.Time) (*conversation.Result, error)
}

// ResponsePublisher emits a serialized outbound envelope.
type ResponsePublisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Validator *envelope.Validator
	History   HistoryFetcher
	Completer Completer
	Writer    ResultWriter
	Publisher ResponsePublisher
	Guard     *dedupe.Guard // optional
	Timeout   time.Duration // per-envelope; zero means none
	Logger    *slog.Logger
}

// Orchestrator processes envelopes one at a time per call; it holds no
// locks across calls and is safe for concurrent use.
type Orchestrator struct {
	validator *envelope.Validator
	history   HistoryFetcher
	completer Completer
	writer    ResultWriter
	publisher ResponsePublisher
	guard     *dedupe.Guard
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	v := opts.Validator
	if v == nil {
		v = envelope.NewValidator()
	}
	return &Orchestrator{
		validator: v,
		history:   opts.History,
		completer: opts.Completer,
		writer:    opts.Writer,
		publisher: opts.Publisher,
		guard:     opts.Guard,
		timeout:   opts.Timeout,
		logger:    logger.With("component", "orchestrator"),
		now:       time.Now,
	}
}

// Process decodes body and runs it through the pipeline.
func (o *Orchestrator) Process(ctx context.Context, body []byte) *Outcome {
	in, err := envelope.Decode(body)
	if err != nil {
		return o.fail(&Outcome{State: StateReceived}, err)
	}
	return o.ProcessEnvelope(ctx, in)
}

// ProcessEnvelope runs an already decoded envelope through the pipeline.
func (o *Orchestrator) ProcessEnvelope(ctx context.Context, in *envelope.Inbound) *Outcome {
	start := o.now()
	out := &Outcome{State: StateReceived}
	if in != nil {
		out.UserID = in.UserID
	}

	if err := o.validator.Validate(in); err != nil {
		return o.fail(out, err)
	}
	out.Key = in.IdempotencyKey()
	if in.Timestamp.IsZero() {
		o.logger.Warn("envelope has no timestamp, repeated text from this user maps to the same idempotency key",
			"idempotency_key", out.Key,
			"user_id", in.UserID)
	}
	o.transition(out)

	if _, err := o.completer.Select(in.ProviderHint()); err != nil {
		return o.fail(out, err)
	}

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	if o.guard != nil {
		if err := o.guard.Hold(out.Key); err != nil {
			msg := "envelope is already being processed"
			if errors.Is(err, dedupe.ErrFull) {
				msg = "in-flight guard is at capacity"
			}
			return o.fail(out, failure.Transient(msg, err))
		}
		defer o.guard.Release(out.Key)
	}

	prior, err := o.writer.Lookup(ctx, out.Key)
	if err != nil {
		return o.fail(out, err)
	}
	if prior != nil {
		out.State = StatePersisted
		return o.publish(ctx, out, prior)
	}

	turns, err := o.history.Fetch(ctx, in.UserID)
	if err != nil {
		return o.fail(out, err)
	}
	out.State = StateContextFetched
	o.transition(out, "history_turns", len(turns))

	c, err := o.completer.Dispatch(ctx, &completion.Request{
		History:  completion.FromTurns(turns),
		Message:  in.Message,
		Provider: in.ProviderHint(),
	})
	if err != nil {
		return o.fail(out, err)
	}
	out.State = StateCompleted
	o.transition(out, "model", c.Model)

	completedAt := o.now()
	res, err := o.writer.Write(ctx, in, c, completedAt.Sub(start), completedAt)
	if err != nil {
		return o.fail(out, err)
	}
	out.State = StatePersisted
	o.transition(out)

	return o.publish(ctx, out, res)
}

func (o *Orchestrator) publish(ctx context.Context, out *Outcome, res *conversation.Result) *Outcome {
	out.Outbound = res.Outbound
	out.Payload = res.Payload
	out.Duplicate = res.Duplicate

	if err := o.publisher.Publish(ctx, res.Payload); err != nil {
		return o.fail(out, err)
	}
	out.State = StatePublished
	o.transition(out, "duplicate", out.Duplicate)
	return out
}

func (o *Orchestrator) transition(out *Outcome, attrs ...any) {
	o.logger.Debug("state transition",
		append([]any{"idempotency_key", out.Key, "user_id", out.UserID, "state", string(out.State)}, attrs...)...)
}

func (o *Orchestrator) fail(out *Outcome, err error) *Outcome {
	from := out.State
	out.Err = err
	out.State = failedState(err)
	o.logger.Warn("processing failed",
		"idempotency_key", out.Key,
		"user_id", out.UserID,
		"from_state", string(from),
		"state", string(out.State),
		"code", failure.Code(err),
		"error", err)
	return out
}
