// Package ledger keeps a SQLite record of every finished conversation:
// task, outcome, token usage, cost and the full message list. It
// implements agentloop.TranscriptSink so it can sit next to the JSON
// transcript files.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/martinemde/shellpilot/agentloop"
	_ "modernc.org/sqlite"
)

// tsLayout is fixed-width so text comparison orders timestamps.
const tsLayout = "2006-01-02T15:04:05.000000Z"

// Entry is one stored conversation without its messages.
type Entry struct {
	ID               string
	SessionID        string
	Timestamp        time.Time
	Task             string
	Outcome          agentloop.Outcome
	Model            string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	Estimated        bool
	MessageCount     int
	Summary          string
}

// Summary holds aggregated totals.
type Summary struct {
	Conversations    int
	PromptTokens     int64
	CompletionTokens int64
	CostUSD          float64
}

// Store is a SQLite-backed ledger. Methods are safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open creates or opens the ledger at path. ":memory:" opens a private
// in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	// A single connection keeps :memory: databases shared and serializes
	// writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS conversations (
		id                TEXT PRIMARY KEY,
		session_id        TEXT NOT NULL,
		timestamp         TEXT NOT NULL,
		task              TEXT NOT NULL,
		outcome           TEXT NOT NULL,
		model             TEXT NOT NULL,
		prompt_tokens     INTEGER NOT NULL,
		completion_tokens INTEGER NOT NULL,
		cost_usd          REAL NOT NULL,
		estimated         INTEGER NOT NULL DEFAULT 0,
		message_count     INTEGER NOT NULL,
		summary           TEXT,
		messages          TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_timestamp ON conversations(timestamp);
	CREATE INDEX IF NOT EXISTS idx_conversations_outcome ON conversations(outcome);
	`)
	return err
}

// Persist stores a finished conversation and returns its ledger reference.
func (s *Store) Persist(ctx context.Context, rec agentloop.TranscriptRecord) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate ledger id: %w", err)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	messages, err := json.Marshal(rec.Messages)
	if err != nil {
		return "", fmt.Errorf("encode messages: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations
			(id, session_id, timestamp, task, outcome, model, prompt_tokens,
			 completion_tokens, cost_usd, estimated, message_count, summary, messages)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(),
		rec.SessionID,
		rec.Timestamp.UTC().Format(tsLayout),
		rec.Task,
		string(rec.Outcome),
		rec.Model,
		rec.Usage.PromptTokens,
		rec.Usage.CompletionTokens,
		rec.Usage.TotalCost,
		rec.Usage.Estimated,
		len(rec.Messages),
		rec.Summary,
		string(messages),
	)
	if err != nil {
		return "", fmt.Errorf("insert conversation: %w", err)
	}
	return "ledger:" + id.String(), nil
}

// Summary returns totals for conversations within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM conversations
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(tsLayout),
		end.UTC().Format(tsLayout),
	)
	var sum Summary
	if err := row.Scan(&sum.Conversations, &sum.PromptTokens, &sum.CompletionTokens, &sum.CostUSD); err != nil {
		return nil, fmt.Errorf("query ledger summary: %w", err)
	}
	return &sum, nil
}

// SummaryByOutcome returns per-outcome totals within [start, end).
func (s *Store) SummaryByOutcome(ctx context.Context, start, end time.Time) (map[agentloop.Outcome]*Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT outcome, COUNT(*), SUM(prompt_tokens), SUM(completion_tokens), SUM(cost_usd)
		 FROM conversations
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY outcome`,
		start.UTC().Format(tsLayout),
		end.UTC().Format(tsLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query ledger by outcome: %w", err)
	}
	defer rows.Close()

	result := make(map[agentloop.Outcome]*Summary)
	for rows.Next() {
		var outcome string
		var sum Summary
		if err := rows.Scan(&outcome, &sum.Conversations, &sum.PromptTokens, &sum.CompletionTokens, &sum.CostUSD); err != nil {
			return nil, fmt.Errorf("scan ledger by outcome: %w", err)
		}
		result[agentloop.Outcome(outcome)] = &sum
	}
	return result, rows.Err()
}

// Recent returns up to n conversations, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, timestamp, task, outcome, model, prompt_tokens,
		        completion_tokens, cost_usd, estimated, message_count, COALESCE(summary, '')
		 FROM conversations
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query recent conversations: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts, outcome string
		if err := rows.Scan(&e.ID, &e.SessionID, &ts, &e.Task, &outcome, &e.Model,
			&e.PromptTokens, &e.CompletionTokens, &e.CostUSD, &e.Estimated,
			&e.MessageCount, &e.Summary); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		e.Outcome = agentloop.Outcome(outcome)
		if e.Timestamp, err = time.Parse(tsLayout, ts); err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ErrNotFound is returned when a conversation id is unknown.
var ErrNotFound = errors.New("conversation not found")

// Messages returns the stored message list of one conversation.
func (s *Store) Messages(ctx context.Context, id string) ([]agentloop.Message, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT messages FROM conversations WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	var msgs []agentloop.Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return msgs, nil
}
