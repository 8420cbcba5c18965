// ABOUTME: Store interface and data types for coven-relay conversation persistence
// ABOUTME: Defines Turn, Conversation and idempotency records plus the Store interface

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/coven-relay/internal/envelope"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrCorruptHistory is returned when stored turns cannot be decoded
var ErrCorruptHistory = errors.New("corrupt conversation history")

// Turn is one persisted message or response within a conversation
type Turn struct {
	ID               string
	UserID           string
	Seq              int64
	Source           envelope.Source
	Message          string
	Timestamp        time.Time
	Model            string // provider turns only
	Usage            envelope.Usage
	ProcessingTimeMS int64
	Metadata         envelope.Metadata
}

// FromProvider reports whether the turn was produced by a completion provider
func (t *Turn) FromProvider() bool {
	return t.Source == envelope.SourceAI
}

// Conversation is the per-user summary record
type Conversation struct {
	UserID       string
	LastActivity time.Time
	MessageCount int64
	LastMessage  string
	LastResponse string
	CreatedAt    time.Time
}

// Exchange is an inbound turn and its response, committed together under
// an idempotency key
type Exchange struct {
	Key      string
	UserID   string
	Inbound  Turn
	Response Turn
	Outbound []byte // serialized outbound envelope, republished on redelivery
}

// ExchangeRecord is what a committed exchange leaves behind for deduplication
type ExchangeRecord struct {
	Key        string
	UserID     string
	MessageID  string
	ResponseID string
	Outbound   []byte
	CreatedAt  time.Time
}

// Store defines the persistence operations of the context store
type Store interface {
	// History returns the newest limit turns for userID in chronological order.
	// An unknown user yields an empty slice.
	History(ctx context.Context, userID string, limit int) ([]*Turn, error)

	// AppendTurn appends a single turn and updates the conversation summary.
	// The store assigns Seq and Timestamp; turn.ID is generated when empty.
	AppendTurn(ctx context.Context, turn *Turn) (string, error)

	// CommitExchange atomically appends both turns of ex, updates the summary,
	// and records ex.Key. If the key is already recorded nothing is written and
	// the existing record is returned with existed=true.
	CommitExchange(ctx context.Context, ex *Exchange) (rec *ExchangeRecord, existed bool, err error)

	// LookupExchange returns the record for key or ErrNotFound.
	LookupExchange(ctx context.Context, key string) (*ExchangeRecord, error)

	// Conversation returns the summary for userID or ErrNotFound.
	Conversation(ctx context.Context, userID string) (*Conversation, error)

	// Turns returns every stored turn for userID in order.
	Turns(ctx context.Context, userID string) ([]*Turn, error)

	// PruneExchanges deletes idempotency records created before cutoff.
	PruneExchanges(ctx context.Context, cutoff time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
