// ABOUTME: Tests for history fetching and the result writer
// ABOUTME: Checks windowing, corrupt history handling and idempotent writes

package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/envelope"
	"github.com/2389/coven-relay/internal/failure"
	"github.com/2389/coven-relay/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sequentialIDs() IDFunc {
	var n int
	return func(kind TurnKind) string {
		if kind == TurnInbound {
			n++
			return fmt.Sprintf("m-%d", n)
		}
		return fmt.Sprintf("r-%d", n)
	}
}

func testCompletion() *envelope.Completion {
	return &envelope.Completion{
		Response: "Hi there",
		Model:    "m1",
		Usage:    envelope.Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
		Metadata: *envelope.NewMetadata("provider", "echo"),
	}
}

func TestHistory_UnknownUserIsEmpty(t *testing.T) {
	h := NewHistory(store.NewMockStore(), 20, testLogger())

	turns, err := h.Fetch(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestHistory_WindowAndAppend(t *testing.T) {
	ms := store.NewMockStore()
	h := NewHistory(ms, 2, testLogger())
	ctx := context.Background()

	for _, msg := range []string{"one", "two", "three"} {
		_, err := h.Append(ctx, &store.Turn{UserID: "u1", Source: envelope.SourceAPI, Message: msg})
		require.NoError(t, err)
	}

	turns, err := h.Fetch(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "two", turns[0].Message)
	assert.Equal(t, "three", turns[1].Message)
}

func TestHistory_CorruptHistoryDegrades(t *testing.T) {
	ms := store.NewMockStore()
	ms.HistoryErr = fmt.Errorf("%w: bad row", store.ErrCorruptHistory)
	h := NewHistory(ms, 20, testLogger())

	turns, err := h.Fetch(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestHistory_UnavailableStoreIsTransient(t *testing.T) {
	ms := store.NewMockStore()
	ms.Err = errors.New("database is locked")
	h := NewHistory(ms, 20, testLogger())

	_, err := h.Fetch(context.Background(), "u1")
	require.Error(t, err)
	assert.True(t, failure.IsRetryable(err))

	_, err = h.Append(context.Background(), &store.Turn{UserID: "u1", Message: "x"})
	assert.True(t, failure.IsRetryable(err))
}

func TestWriter_WriteAssignsIDs(t *testing.T) {
	ms := store.NewMockStore()
	w := NewWriter(ms, testLogger(), WithIDFunc(sequentialIDs()))
	in := &envelope.Inbound{Source: envelope.SourceAPI, UserID: "u1", Message: "Hello"}

	res, err := w.Write(context.Background(), in, testCompletion(), 120*time.Millisecond, time.Now())
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, "m-1", res.Outbound.MessageID)
	assert.Equal(t, envelope.StoredIDs{MessageID: "m-1", ResponseID: "r-1"}, res.Outbound.Metadata.StoredIDs)
	assert.Equal(t, int64(8), res.Outbound.AIResponse.Usage.TotalTokens)
	assert.Equal(t, int64(120), res.Outbound.ProcessingTimeMS)

	turns, err := ms.Turns(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "m-1", turns[0].ID)
	assert.Equal(t, "r-1", turns[1].ID)
	assert.Equal(t, envelope.SourceAI, turns[1].Source)
	assert.Equal(t, "m1", turns[1].Model)
	assert.Equal(t, int64(120), turns[1].ProcessingTimeMS)
}

func TestWriter_WriteIsIdempotent(t *testing.T) {
	ms := store.NewMockStore()
	w := NewWriter(ms, testLogger(), WithIDFunc(sequentialIDs()))
	in := &envelope.Inbound{
		Source:    envelope.SourceWhatsApp,
		UserID:    "u1",
		Message:   "Hello",
		Timestamp: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
	}
	ctx := context.Background()

	first, err := w.Write(ctx, in, testCompletion(), time.Second, time.Now())
	require.NoError(t, err)

	second, err := w.Write(ctx, in, testCompletion(), 3*time.Second, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Payload, second.Payload)
	assert.Equal(t, "m-1", second.Outbound.MessageID)

	turns, err := ms.Turns(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, turns, 2)
	assert.Equal(t, "2025-01-01T09:00:00Z", turns[0].Metadata.GetString("origin_timestamp"))

	conv, err := ms.Conversation(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), conv.MessageCount)

	looked, err := w.Lookup(ctx, in.IdempotencyKey())
	require.NoError(t, err)
	require.NotNil(t, looked)
	assert.Equal(t, first.Payload, looked.Payload)
}

func TestWriter_LookupMissing(t *testing.T) {
	w := NewWriter(store.NewMockStore(), testLogger())
	res, err := w.Lookup(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestWriter_StoreFailureIsTransient(t *testing.T) {
	ms := store.NewMockStore()
	ms.CommitHook = func(*store.Exchange) error { return errors.New("disk I/O error") }
	w := NewWriter(ms, testLogger())

	_, err := w.Write(context.Background(),
		&envelope.Inbound{Source: envelope.SourceAPI, UserID: "u1", Message: "Hello"},
		testCompletion(), time.Second, time.Now())
	require.Error(t, err)
	assert.True(t, failure.IsRetryable(err))

	turns, err := ms.Turns(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, turns)
}
