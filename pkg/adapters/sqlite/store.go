// Package sqlite provides SQLite-backed persistence.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/ports"
	_ "modernc.org/sqlite"
)

// Store is a ports.Persistence backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver; Open registers and uses
// "modernc.org/sqlite".
type Store struct {
	db *sql.DB
}

var _ ports.Persistence = (*Store)(nil)

// Open opens (or creates) the database at dsn and initializes the schema.
// Use ":memory:" for a private in-memory database.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: an in-memory database is per connection, and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)
	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New initializes the required schema in db and returns a Store.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS slots (
			scope TEXT NOT NULL,
			owner TEXT NOT NULL,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (scope, owner, name)
		);
		CREATE TABLE IF NOT EXISTS memory (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS memory_conversation ON memory (conversation_id, seq);
		CREATE TABLE IF NOT EXISTS states (
			conversation_id TEXT PRIMARY KEY,
			current_step_id TEXT NOT NULL,
			status TEXT NOT NULL,
			pending_response TEXT,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS usage (
			user_id TEXT PRIMARY KEY,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0
		);`,
	)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetSlot returns a slot value.
func (s *Store) GetSlot(ctx context.Context, key domain.ScopeKey, name string) (domain.Value, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM slots WHERE scope = ? AND owner = ? AND name = ?`,
		string(key.Scope), key.Owner, name,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Null(), false, nil
	}
	if err != nil {
		return domain.Null(), false, err
	}
	var v domain.Value
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return domain.Null(), false, fmt.Errorf("decode slot %q: %w", name, err)
	}
	return v, true, nil
}

// SetSlot stores a slot value.
func (s *Store) SetSlot(ctx context.Context, key domain.ScopeKey, name string, value domain.Value) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode slot %q: %w", name, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO slots (scope, owner, name, value) VALUES (?, ?, ?, ?)
		ON CONFLICT (scope, owner, name) DO UPDATE SET value = excluded.value`,
		string(key.Scope), key.Owner, name, string(data),
	)
	return err
}

// AppendMemory adds a history entry.
func (s *Store) AppendMemory(ctx context.Context, e domain.MemoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory (id, conversation_id, step_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.ConversationID, e.StepID, string(e.Role), e.Content, e.CreatedAt.UTC(),
	)
	return err
}

// UpdateMemory replaces the content of an entry. Unknown entries are ignored.
func (s *Store) UpdateMemory(ctx context.Context, conversationID, entryID, content string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE memory SET content = ? WHERE conversation_id = ? AND id = ?`,
		content, conversationID, entryID,
	)
	return err
}

// QueryMemory returns matching entries, oldest first.
func (s *Store) QueryMemory(ctx context.Context, conversationID string, q domain.MemoryQuery) ([]domain.MemoryEntry, error) {
	var (
		where = []string{"conversation_id = ?"}
		args  = []any{conversationID}
	)
	if q.StepIDs != nil {
		if len(q.StepIDs) == 0 {
			return []domain.MemoryEntry{}, nil
		}
		where = append(where, "step_id IN (?"+strings.Repeat(", ?", len(q.StepIDs)-1)+")")
		for _, id := range q.StepIDs {
			args = append(args, id)
		}
	}
	query := `SELECT seq, id, conversation_id, step_id, role, content, created_at FROM memory WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY seq DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	// Newest first so LIMIT keeps the most recent, reversed below.
	query = `SELECT id, conversation_id, step_id, role, content, created_at FROM (` + query + `) ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []domain.MemoryEntry{}
	for rows.Next() {
		var (
			e    domain.MemoryEntry
			role string
		)
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.StepID, &role, &e.Content, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Role = domain.Role(role)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SaveState persists the conversation state.
func (s *Store) SaveState(ctx context.Context, conversationID string, state *domain.ConversationState) error {
	var pending sql.NullString
	if state.PendingResponse != nil {
		pending = sql.NullString{String: *state.PendingResponse, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO states (conversation_id, current_step_id, status, pending_response, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id) DO UPDATE SET
			current_step_id = excluded.current_step_id,
			status = excluded.status,
			pending_response = excluded.pending_response,
			updated_at = excluded.updated_at`,
		conversationID, state.CurrentStepID, string(state.Status), pending, state.UpdatedAt.UTC(),
	)
	return err
}

// LoadState retrieves the conversation state.
func (s *Store) LoadState(ctx context.Context, conversationID string) (*domain.ConversationState, error) {
	var (
		state   domain.ConversationState
		status  string
		pending sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT current_step_id, status, pending_response, updated_at
		FROM states WHERE conversation_id = ?`, conversationID,
	).Scan(&state.CurrentStepID, &status, &pending, &state.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	state.Status = domain.StepStatus(status)
	if pending.Valid {
		state.PendingResponse = &pending.String
	}
	return &state, nil
}

// DeleteState removes the conversation state.
func (s *Store) DeleteState(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM states WHERE conversation_id = ?`, conversationID)
	return err
}

// IncrementUsage adds token usage to the user's total.
func (s *Store) IncrementUsage(ctx context.Context, id domain.Identity, u domain.Usage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage (user_id, prompt_tokens, completion_tokens, total_tokens)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			prompt_tokens = prompt_tokens + excluded.prompt_tokens,
			completion_tokens = completion_tokens + excluded.completion_tokens,
			total_tokens = total_tokens + excluded.total_tokens`,
		id.UserID, u.PromptTokens, u.CompletionTokens, u.TotalTokens,
	)
	return err
}

// Usage returns the user's accumulated token usage.
func (s *Store) Usage(ctx context.Context, userID string) (domain.Usage, error) {
	var u domain.Usage
	err := s.db.QueryRowContext(ctx,
		`SELECT prompt_tokens, completion_tokens, total_tokens FROM usage WHERE user_id = ?`, userID,
	).Scan(&u.PromptTokens, &u.CompletionTokens, &u.TotalTokens)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Usage{}, nil
	}
	return u, err
}
