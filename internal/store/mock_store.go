// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject failures

package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	turns         map[string][]*Turn         // keyed by user ID
	conversations map[string]*Conversation   // keyed by user ID
	exchanges     map[string]*ExchangeRecord // keyed by idempotency key

	// Err, when set, is returned by every operation.
	Err error
	// HistoryErr, when set, is returned by History only.
	HistoryErr error
	// CommitHook runs before CommitExchange writes anything; an error aborts the commit.
	CommitHook func(ex *Exchange) error

	now func() time.Time
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		turns:         make(map[string][]*Turn),
		conversations: make(map[string]*Conversation),
		exchanges:     make(map[string]*ExchangeRecord),
		now:           time.Now,
	}
}

func copyTurn(t *Turn) *Turn {
	c := *t
	c.Metadata = *t.Metadata.Clone()
	return &c
}

func (m *MockStore) History(ctx context.Context, userID string, limit int) ([]*Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.Err != nil {
		return nil, m.Err
	}
	if m.HistoryErr != nil {
		return nil, m.HistoryErr
	}

	all := m.turns[userID]
	start := 0
	if limit < len(all) {
		start = len(all) - limit
	}
	if limit <= 0 {
		start = len(all)
	}
	out := make([]*Turn, 0, len(all)-start)
	for _, t := range all[start:] {
		out = append(out, copyTurn(t))
	}
	return out, nil
}

func (m *MockStore) Turns(ctx context.Context, userID string) ([]*Turn, error) {
	return m.History(ctx, userID, len(m.turnsFor(userID)))
}

func (m *MockStore) turnsFor(userID string) []*Turn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.turns[userID]
}

// appendLocked stores turn with the next seq and a non-decreasing timestamp.
func (m *MockStore) appendLocked(turn *Turn, at time.Time) {
	existing := m.turns[turn.UserID]
	turn.Seq = int64(len(existing)) + 1
	turn.Timestamp = at
	m.turns[turn.UserID] = append(existing, copyTurn(turn))
}

func (m *MockStore) slotLocked(userID string) time.Time {
	at := m.now().UTC()
	if conv, ok := m.conversations[userID]; ok && conv.LastActivity.After(at) {
		at = conv.LastActivity
	}
	return at
}

func (m *MockStore) touchLocked(userID string, at time.Time, added int64, lastMessage, lastResponse string) {
	conv, ok := m.conversations[userID]
	if !ok {
		conv = &Conversation{UserID: userID, CreatedAt: at}
		m.conversations[userID] = conv
	}
	conv.LastActivity = at
	conv.MessageCount += added
	if lastMessage != "" {
		conv.LastMessage = lastMessage
	}
	if lastResponse != "" {
		conv.LastResponse = lastResponse
	}
}

func (m *MockStore) AppendTurn(ctx context.Context, turn *Turn) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return "", m.Err
	}
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	at := m.slotLocked(turn.UserID)
	m.appendLocked(turn, at)
	if turn.FromProvider() {
		m.touchLocked(turn.UserID, at, 1, "", turn.Message)
	} else {
		m.touchLocked(turn.UserID, at, 1, turn.Message, "")
	}
	return turn.ID, nil
}

func (m *MockStore) CommitExchange(ctx context.Context, ex *Exchange) (*ExchangeRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return nil, false, m.Err
	}
	if rec, ok := m.exchanges[ex.Key]; ok {
		c := *rec
		return &c, true, nil
	}
	if m.CommitHook != nil {
		if err := m.CommitHook(ex); err != nil {
			return nil, false, err
		}
	}

	at := m.slotLocked(ex.UserID)
	in, resp := ex.Inbound, ex.Response
	in.UserID, resp.UserID = ex.UserID, ex.UserID
	m.appendLocked(&in, at)
	m.appendLocked(&resp, at)
	m.touchLocked(ex.UserID, at, 2, in.Message, resp.Message)

	rec := &ExchangeRecord{
		Key:        ex.Key,
		UserID:     ex.UserID,
		MessageID:  in.ID,
		ResponseID: resp.ID,
		Outbound:   append([]byte(nil), ex.Outbound...),
		CreatedAt:  at,
	}
	m.exchanges[ex.Key] = rec
	c := *rec
	return &c, false, nil
}

func (m *MockStore) LookupExchange(ctx context.Context, key string) (*ExchangeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.Err != nil {
		return nil, m.Err
	}
	rec, ok := m.exchanges[key]
	if !ok {
		return nil, ErrNotFound
	}
	c := *rec
	return &c, nil
}

func (m *MockStore) Conversation(ctx context.Context, userID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.Err != nil {
		return nil, m.Err
	}
	conv, ok := m.conversations[userID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *conv
	return &c, nil
}

func (m *MockStore) PruneExchanges(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return 0, m.Err
	}
	var n int64
	for key, rec := range m.exchanges {
		if rec.CreatedAt.Before(cutoff) {
			delete(m.exchanges, key)
			n++
		}
	}
	return n, nil
}

func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Err
}

func (m *MockStore) Close() error {
	return nil
}

// Compile-time interface checks
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
