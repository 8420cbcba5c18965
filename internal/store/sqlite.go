// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite and sqlx
// ABOUTME: Schema is managed by embedded golang-migrate migrations; writes run in one transaction

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/2389/coven-relay/internal/envelope"
	"github.com/2389/coven-relay/internal/store/migrations"
)

// timeLayout is fixed width so stored instants sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path and applies migrations.
// Parent directories are created if needed.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection serializes writers, which gives per-user append atomicity.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	if err := applyMigrations(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return &SQLiteStore{db: db, logger: logger, now: time.Now}, nil
}

func applyMigrations(db *sql.DB) error {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("opening embedded migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database answers
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Optimize runs SQLite's query planner maintenance
func (s *SQLiteStore) Optimize(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA optimize")
	return err
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}

type turnRow struct {
	ID               string `db:"id"`
	UserID           string `db:"user_id"`
	Seq              int64  `db:"seq"`
	Source           string `db:"source"`
	Message          string `db:"message"`
	Timestamp        string `db:"timestamp"`
	Model            string `db:"model"`
	PromptTokens     int64  `db:"prompt_tokens"`
	CompletionTokens int64  `db:"completion_tokens"`
	TotalTokens      int64  `db:"total_tokens"`
	ProcessingTimeMS int64  `db:"processing_time_ms"`
	MetadataJSON     string `db:"metadata_json"`
}

func (r *turnRow) toTurn() (*Turn, error) {
	ts, err := parseTime(r.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: turn %s timestamp: %v", ErrCorruptHistory, r.ID, err)
	}
	var md envelope.Metadata
	if err := md.UnmarshalJSON([]byte(r.MetadataJSON)); err != nil {
		return nil, fmt.Errorf("%w: turn %s metadata: %v", ErrCorruptHistory, r.ID, err)
	}
	return &Turn{
		ID:        r.ID,
		UserID:    r.UserID,
		Seq:       r.Seq,
		Source:    envelope.Source(r.Source),
		Message:   r.Message,
		Timestamp: ts,
		Model:     r.Model,
		Usage: envelope.Usage{
			PromptTokens:     r.PromptTokens,
			CompletionTokens: r.CompletionTokens,
			TotalTokens:      r.TotalTokens,
		},
		ProcessingTimeMS: r.ProcessingTimeMS,
		Metadata:         md,
	}, nil
}

const turnColumns = `id, user_id, seq, source, message, timestamp, model,
	prompt_tokens, completion_tokens, total_tokens, processing_time_ms, metadata_json`

// History returns the newest limit turns for a user, oldest first
func (s *SQLiteStore) History(ctx context.Context, userID string, limit int) ([]*Turn, error) {
	if limit <= 0 {
		return []*Turn{}, nil
	}
	// Subquery takes the newest N, outer query restores chronological order
	query := `SELECT ` + turnColumns + ` FROM (
			SELECT ` + turnColumns + ` FROM turns
			WHERE user_id = ?
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC`
	return s.queryTurns(ctx, query, userID, limit)
}

// Turns returns every turn for a user in order
func (s *SQLiteStore) Turns(ctx context.Context, userID string) ([]*Turn, error) {
	query := `SELECT ` + turnColumns + ` FROM turns WHERE user_id = ? ORDER BY seq ASC`
	return s.queryTurns(ctx, query, userID)
}

func (s *SQLiteStore) queryTurns(ctx context.Context, query string, args ...any) ([]*Turn, error) {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	turns := []*Turn{}
	for rows.Next() {
		var row turnRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("%w: scanning turn: %v", ErrCorruptHistory, err)
		}
		turn, err := row.toTurn()
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turns: %w", err)
	}
	return turns, nil
}

// slot returns the next sequence number and a timestamp that is not earlier
// than the conversation's last activity.
func (s *SQLiteStore) slot(ctx context.Context, tx *sqlx.Tx, userID string) (int64, time.Time, error) {
	var maxSeq int64
	if err := tx.GetContext(ctx, &maxSeq, `SELECT COALESCE(MAX(seq), 0) FROM turns WHERE user_id = ?`, userID); err != nil {
		return 0, time.Time{}, fmt.Errorf("reading sequence: %w", err)
	}

	ts := s.now().UTC()
	var last string
	err := tx.GetContext(ctx, &last, `SELECT last_activity FROM conversations WHERE user_id = ?`, userID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, time.Time{}, fmt.Errorf("reading conversation: %w", err)
	default:
		if lastTS, perr := parseTime(last); perr == nil && lastTS.After(ts) {
			ts = lastTS
		}
	}
	return maxSeq + 1, ts, nil
}

func upsertConversation(ctx context.Context, tx *sqlx.Tx, userID string, at time.Time, added int64, lastMessage, lastResponse string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (user_id, last_activity, message_count, last_message, last_response, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			last_activity = excluded.last_activity,
			message_count = conversations.message_count + excluded.message_count,
			last_message = CASE WHEN excluded.last_message != '' THEN excluded.last_message ELSE conversations.last_message END,
			last_response = CASE WHEN excluded.last_response != '' THEN excluded.last_response ELSE conversations.last_response END
	`, userID, formatTime(at), added, lastMessage, lastResponse, formatTime(at))
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	return nil
}

func insertTurn(ctx context.Context, tx *sqlx.Tx, t *Turn) error {
	md, err := t.Metadata.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding turn metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO turns (`+turnColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.UserID, t.Seq, string(t.Source), t.Message, formatTime(t.Timestamp), t.Model,
		t.Usage.PromptTokens, t.Usage.CompletionTokens, t.Usage.TotalTokens, t.ProcessingTimeMS, string(md))
	if err != nil {
		return fmt.Errorf("inserting turn: %w", err)
	}
	return nil
}

// AppendTurn appends one turn and updates the conversation summary
func (s *SQLiteStore) AppendTurn(ctx context.Context, turn *Turn) (string, error) {
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	seq, ts, err := s.slot(ctx, tx, turn.UserID)
	if err != nil {
		return "", err
	}
	turn.Seq, turn.Timestamp = seq, ts

	lastMessage, lastResponse := turn.Message, ""
	if turn.FromProvider() {
		lastMessage, lastResponse = "", turn.Message
	}
	if err := upsertConversation(ctx, tx, turn.UserID, ts, 1, lastMessage, lastResponse); err != nil {
		return "", err
	}
	if err := insertTurn(ctx, tx, turn); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing turn: %w", err)
	}

	s.logger.Debug("appended turn", "user_id", turn.UserID, "turn_id", turn.ID, "seq", seq)
	return turn.ID, nil
}

type exchangeRow struct {
	Key        string `db:"key"`
	UserID     string `db:"user_id"`
	MessageID  string `db:"message_id"`
	ResponseID string `db:"response_id"`
	Outbound   []byte `db:"outbound"`
	CreatedAt  string `db:"created_at"`
}

func (r *exchangeRow) toRecord() *ExchangeRecord {
	created, _ := parseTime(r.CreatedAt)
	return &ExchangeRecord{
		Key:        r.Key,
		UserID:     r.UserID,
		MessageID:  r.MessageID,
		ResponseID: r.ResponseID,
		Outbound:   r.Outbound,
		CreatedAt:  created,
	}
}

const exchangeQuery = `SELECT key, user_id, message_id, response_id, outbound, created_at
	FROM idempotency_records WHERE key = ?`

// LookupExchange returns the record stored under key
func (s *SQLiteStore) LookupExchange(ctx context.Context, key string) (*ExchangeRecord, error) {
	var row exchangeRow
	err := s.db.GetContext(ctx, &row, exchangeQuery, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up exchange: %w", err)
	}
	return row.toRecord(), nil
}

// CommitExchange writes both turns, the summary and the idempotency record in one transaction
func (s *SQLiteStore) CommitExchange(ctx context.Context, ex *Exchange) (*ExchangeRecord, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing exchangeRow
	err = tx.GetContext(ctx, &existing, exchangeQuery, ex.Key)
	switch {
	case err == nil:
		s.logger.Debug("exchange already recorded", "key", ex.Key, "user_id", ex.UserID)
		return existing.toRecord(), true, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, false, fmt.Errorf("checking idempotency key: %w", err)
	}

	seq, ts, err := s.slot(ctx, tx, ex.UserID)
	if err != nil {
		return nil, false, err
	}

	in, resp := ex.Inbound, ex.Response
	in.UserID, resp.UserID = ex.UserID, ex.UserID
	in.Seq, resp.Seq = seq, seq+1
	in.Timestamp, resp.Timestamp = ts, ts

	if err := upsertConversation(ctx, tx, ex.UserID, ts, 2, in.Message, resp.Message); err != nil {
		return nil, false, err
	}
	if err := insertTurn(ctx, tx, &in); err != nil {
		return nil, false, err
	}
	if err := insertTurn(ctx, tx, &resp); err != nil {
		return nil, false, err
	}

	rec := &ExchangeRecord{
		Key:        ex.Key,
		UserID:     ex.UserID,
		MessageID:  in.ID,
		ResponseID: resp.ID,
		Outbound:   ex.Outbound,
		CreatedAt:  ts,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO idempotency_records (key, user_id, message_id, response_id, outbound, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.Key, rec.UserID, rec.MessageID, rec.ResponseID, rec.Outbound, formatTime(rec.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			_ = tx.Rollback()
			existingRec, lookupErr := s.LookupExchange(ctx, ex.Key)
			if lookupErr != nil {
				return nil, false, fmt.Errorf("recording idempotency key: %w", err)
			}
			return existingRec, true, nil
		}
		return nil, false, fmt.Errorf("recording idempotency key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("committing exchange: %w", err)
	}

	s.logger.Debug("committed exchange",
		"key", ex.Key,
		"user_id", ex.UserID,
		"message_id", rec.MessageID,
		"response_id", rec.ResponseID,
		"seq", seq,
	)
	return rec, false, nil
}

type conversationRow struct {
	UserID       string `db:"user_id"`
	LastActivity string `db:"last_activity"`
	MessageCount int64  `db:"message_count"`
	LastMessage  string `db:"last_message"`
	LastResponse string `db:"last_response"`
	CreatedAt    string `db:"created_at"`
}

// Conversation returns the summary record for a user
func (s *SQLiteStore) Conversation(ctx context.Context, userID string) (*Conversation, error) {
	var row conversationRow
	err := s.db.GetContext(ctx, &row, `
		SELECT user_id, last_activity, message_count, last_message, last_response, created_at
		FROM conversations WHERE user_id = ?
	`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting conversation: %w", err)
	}

	lastActivity, err := parseTime(row.LastActivity)
	if err != nil {
		return nil, fmt.Errorf("%w: last_activity: %v", ErrCorruptHistory, err)
	}
	created, _ := parseTime(row.CreatedAt)
	return &Conversation{
		UserID:       row.UserID,
		LastActivity: lastActivity,
		MessageCount: row.MessageCount,
		LastMessage:  row.LastMessage,
		LastResponse: row.LastResponse,
		CreatedAt:    created,
	}, nil
}

// PruneExchanges removes idempotency records older than cutoff
func (s *SQLiteStore) PruneExchanges(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pruning idempotency records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned records: %w", err)
	}
	return n, nil
}
