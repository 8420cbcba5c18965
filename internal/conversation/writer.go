// ABOUTME: Result writer: persists an answered message and its response as one idempotent unit.
// ABOUTME: A redelivered envelope gets back the outbound envelope stored the first time.

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/envelope"
	"github.com/2389/coven-relay/internal/failure"
	"github.com/2389/coven-relay/internal/store"
)

// WriterStore defines what the writer needs from storage
type WriterStore interface {
	CommitExchange(ctx context.Context, ex *store.Exchange) (*store.ExchangeRecord, bool, error)
	LookupExchange(ctx context.Context, key string) (*store.ExchangeRecord, error)
}

// TurnKind distinguishes the two turns of an exchange when generating IDs.
type TurnKind int

const (
	TurnInbound TurnKind = iota
	TurnResponse
)

// IDFunc assigns identifiers to new turns.
type IDFunc func(kind TurnKind) string

// Writer persists exchanges and seals their outbound envelopes.
type Writer struct {
	store  WriterStore
	newID  IDFunc
	logger *slog.Logger
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithIDFunc overrides UUID turn identifiers.
func WithIDFunc(fn IDFunc) WriterOption {
	return func(w *Writer) { w.newID = fn }
}

// NewWriter creates a Writer.
func NewWriter(st WriterStore, logger *slog.Logger, opts ...WriterOption) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		store:  st,
		newID:  func(TurnKind) string { return uuid.New().String() },
		logger: logger.With("component", "writer"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Result is a persisted exchange.
type Result struct {
	Outbound  *envelope.Outbound
	Payload   []byte // serialized Outbound, byte-identical across redeliveries
	Duplicate bool   // the exchange had already been persisted
}

// Lookup returns the previously persisted result for key, or nil if there is none.
func (w *Writer) Lookup(ctx context.Context, key string) (*Result, error) {
	rec, err := w.store.LookupExchange(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, failure.Transient("looking up idempotency key", err)
	}
	return decodeRecord(rec)
}

// Write persists the inbound turn and the response turn for in, then seals and
// stores the outbound envelope under the envelope's idempotency key. If the key
// was already recorded nothing is appended and the stored result is returned.
func (w *Writer) Write(ctx context.Context, in *envelope.Inbound, c *envelope.Completion, processing time.Duration, completedAt time.Time) (*Result, error) {
	key := in.IdempotencyKey()
	ids := envelope.StoredIDs{
		MessageID:  w.newID(TurnInbound),
		ResponseID: w.newID(TurnResponse),
	}

	out := envelope.NewOutbound(in, ids, *c, processing, completedAt)
	payload, err := json.Marshal(out)
	if err != nil {
		return nil, failure.Validation("encoding outbound envelope", err)
	}

	inboundMeta := in.Metadata.Clone()
	if !in.Timestamp.IsZero() {
		inboundMeta.Set("origin_timestamp", envelope.String(in.Timestamp.UTC().Format(time.RFC3339Nano)))
	}

	ex := &store.Exchange{
		Key:    key,
		UserID: in.UserID,
		Inbound: store.Turn{
			ID:       ids.MessageID,
			Source:   in.Source,
			Message:  in.Message,
			Metadata: *inboundMeta,
		},
		Response: store.Turn{
			ID:               ids.ResponseID,
			Source:           envelope.SourceAI,
			Message:          c.Response,
			Model:            c.Model,
			Usage:            c.Usage,
			ProcessingTimeMS: out.ProcessingTimeMS,
			Metadata:         *c.Metadata.Clone(),
		},
		Outbound: payload,
	}

	rec, existed, err := w.store.CommitExchange(ctx, ex)
	if err != nil {
		return nil, failure.Transient("persisting exchange", err)
	}
	if existed {
		w.logger.Info("exchange already persisted, reusing stored result",
			"idempotency_key", key,
			"user_id", in.UserID,
			"message_id", rec.MessageID)
		return decodeRecord(rec)
	}

	w.logger.Debug("exchange persisted",
		"idempotency_key", key,
		"user_id", in.UserID,
		"message_id", rec.MessageID,
		"response_id", rec.ResponseID)
	return &Result{Outbound: out, Payload: payload}, nil
}

func decodeRecord(rec *store.ExchangeRecord) (*Result, error) {
	var out envelope.Outbound
	if err := json.Unmarshal(rec.Outbound, &out); err != nil {
		return nil, failure.Validation("stored outbound envelope is unreadable", err)
	}
	return &Result{Outbound: &out, Payload: rec.Outbound, Duplicate: true}, nil
}
