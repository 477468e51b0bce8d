package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// Revocations remembers logged-out token ids until the token would have
// expired anyway.
type Revocations interface {
	Revoke(ctx context.Context, id string, until time.Time) error
	Revoked(ctx context.Context, id string) (bool, error)
}

// SQLRevocations keeps revoked ids in Postgres so they are shared by every
// instance.
type SQLRevocations struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewSQLRevocations(db *sqlx.DB) *SQLRevocations {
	return &SQLRevocations{db: db, now: time.Now}
}

func (r *SQLRevocations) EnsureTable(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS session_revocations (
  token_id TEXT PRIMARY KEY,
  expires_at TIMESTAMPTZ NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("create session_revocations: %w", err)
	}
	return nil
}

func (r *SQLRevocations) Revoke(ctx context.Context, id string, until time.Time) error {
	query := `INSERT INTO session_revocations (token_id, expires_at) VALUES ($1, $2) ON CONFLICT (token_id) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query, id, until); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *SQLRevocations) Revoked(ctx context.Context, id string) (bool, error) {
	var revoked bool
	query := `SELECT EXISTS (SELECT 1 FROM session_revocations WHERE token_id = $1 AND expires_at > $2)`
	if err := r.db.GetContext(ctx, &revoked, query, id, r.now()); err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return revoked, nil
}

// Purge deletes entries whose token has expired.
func (r *SQLRevocations) Purge(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM session_revocations WHERE expires_at <= $1`, r.now())
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return res.RowsAffected()
}

// MemoryRevocations is the in-process list.
type MemoryRevocations struct {
	mu  sync.Mutex
	ids map[string]time.Time
	now func() time.Time
}

func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{ids: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryRevocations) Revoke(_ context.Context, id string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, exp := range m.ids {
		if !exp.After(now) {
			delete(m.ids, k)
		}
	}
	m.ids[id] = until
	return nil
}

func (m *MemoryRevocations) Revoked(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.ids[id]
	return ok && exp.After(m.now()), nil
}
