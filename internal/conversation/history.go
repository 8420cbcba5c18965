// ABOUTME: Context store client: fetches bounded per-user history and appends single turns.
// ABOUTME: Corrupt stored history degrades to an empty context instead of failing the message.

package conversation

import (
	"context"
	"errors"
	"log/slog"

	"github.com/2389/coven-relay/internal/failure"
	"github.com/2389/coven-relay/internal/store"
)

// HistoryStore defines what the history client needs from storage
type HistoryStore interface {
	History(ctx context.Context, userID string, limit int) ([]*store.Turn, error)
	AppendTurn(ctx context.Context, turn *store.Turn) (string, error)
}

// History reads and appends conversation turns for one user at a time.
type History struct {
	store  HistoryStore
	window int
	logger *slog.Logger
}

// NewHistory creates a history client that fetches at most window turns.
func NewHistory(st HistoryStore, window int, logger *slog.Logger) *History {
	if logger == nil {
		logger = slog.Default()
	}
	return &History{
		store:  st,
		window: window,
		logger: logger.With("component", "history"),
	}
}

// Fetch returns the newest turns for userID, oldest first. Unknown users get an
// empty slice. Unavailable storage is a TransientDependencyError; undecodable
// history is logged and replaced by an empty slice.
func (h *History) Fetch(ctx context.Context, userID string) ([]*store.Turn, error) {
	turns, err := h.store.History(ctx, userID, h.window)
	if err == nil {
		return turns, nil
	}
	if errors.Is(err, store.ErrCorruptHistory) {
		h.logger.Warn("stored history unreadable, continuing without context",
			"user_id", userID,
			"error", err)
		return []*store.Turn{}, nil
	}
	return nil, failure.Transient("fetching conversation history", err)
}

// Append stores a single turn and returns its identifier.
func (h *History) Append(ctx context.Context, turn *store.Turn) (string, error) {
	id, err := h.store.AppendTurn(ctx, turn)
	if err != nil {
		return "", failure.Transient("appending turn", err)
	}
	h.logger.Debug("turn appended", "user_id", turn.UserID, "turn_id", id)
	return id, nil
}
