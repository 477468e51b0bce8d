package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ovaphlow/pitchfork/service-account-go-stdlib/internal/account/entity"
)

var (
	ErrNotFound       = errors.New("account not found")
	ErrDuplicateEmail = errors.New("email already registered")
	// ErrLocked is returned by login-state updates that lost the race to a lock.
	ErrLocked = errors.New("account locked")
)

// pq SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// AccountRepo provides data access for the accounts table using sqlx.
type AccountRepo struct {
	db *sqlx.DB
}

func NewAccountRepo(db *sqlx.DB) *AccountRepo { return &AccountRepo{db: db} }

// EnsureTable creates the accounts table if not exists (idempotent).
// Email uniqueness is case-sensitive as stored.
func (r *AccountRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS accounts (
  id VARCHAR(32) PRIMARY KEY,
  name TEXT NOT NULL,
  email TEXT NOT NULL UNIQUE,
  employee_number TEXT NOT NULL,
  password_hash TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'PENDING',
  role TEXT NOT NULL DEFAULT 'RESEARCHER',
  login_fail_count INT NOT NULL DEFAULT 0 CHECK (login_fail_count >= 0),
  account_locked BOOLEAN NOT NULL DEFAULT false,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  approved_at TIMESTAMPTZ,
  last_login_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_accounts_status ON accounts(status);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// Insert stores a new account in a single statement and fills in the timestamps.
func (r *AccountRepo) Insert(ctx context.Context, a *entity.Account) (*entity.Account, error) {
	const q = `INSERT INTO accounts (id, name, email, employee_number, password_hash, status, role, login_fail_count, account_locked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING created_at, updated_at`
	row := r.db.QueryRowxContext(ctx, q,
		a.ID, a.Name, a.Email, a.EmployeeNumber, a.PasswordHash,
		string(a.Status), string(a.Role), a.LoginFailCount, a.AccountLocked)
	if err := row.Scan(&a.CreatedAt, &a.UpdatedAt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return a, nil
}

// FindByEmail returns the account with exactly this email or ErrNotFound.
func (r *AccountRepo) FindByEmail(ctx context.Context, email string) (*entity.Account, error) {
	const q = `SELECT id, name, email, employee_number, password_hash, status, role,
		login_fail_count, account_locked, created_at, updated_at, approved_at, last_login_at
	  FROM accounts WHERE email=$1`
	var a entity.Account
	if err := r.db.GetContext(ctx, &a, q, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &a, nil
}

// ListPending returns accounts waiting for approval, oldest first.
func (r *AccountRepo) ListPending(ctx context.Context) ([]entity.PendingView, error) {
	const q = `SELECT id, name, email, employee_number, created_at
	  FROM accounts WHERE status=$1 ORDER BY created_at`
	out := []entity.PendingView{}
	if err := r.db.SelectContext(ctx, &out, q, string(entity.StatusPending)); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

// UpdateStatus moves an account from one status to another. It reports false
// when no account with that email is currently in the `from` status.
func (r *AccountRepo) UpdateStatus(ctx context.Context, email string, from, to entity.Status) (bool, error) {
	const q = `UPDATE accounts SET status=$3,
		approved_at = CASE WHEN $3 = 'APPROVED' THEN NOW() ELSE approved_at END,
		updated_at=NOW()
	  WHERE email=$1 AND status=$2 RETURNING id`
	var id string
	err := r.db.GetContext(ctx, &id, q, email, string(from), string(to))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("db error: %w", err)
	}
	return true, nil
}

// RecordLoginFailure increments the failure counter and sets the lock flag in
// one statement, so concurrent failures are never under-counted. Postgres
// evaluates SET expressions against the old row, so both columns see the same
// pre-increment value. A locked account is left untouched and yields ErrLocked.
func (r *AccountRepo) RecordLoginFailure(ctx context.Context, email string, threshold int) (int, bool, error) {
	const q = `UPDATE accounts SET login_fail_count = login_fail_count + 1,
		account_locked = (login_fail_count + 1 >= $2), updated_at=NOW()
	  WHERE email=$1 AND account_locked = false
	  RETURNING login_fail_count, account_locked`
	var out struct {
		Count  int  `db:"login_fail_count"`
		Locked bool `db:"account_locked"`
	}
	if err := r.db.GetContext(ctx, &out, q, email, threshold); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, r.missingOrLocked(ctx, email)
		}
		return 0, false, fmt.Errorf("db error: %w", err)
	}
	return out.Count, out.Locked, nil
}

// ResetLoginState clears the failure metrics after a successful login. A lock
// set by a concurrent attempt wins and yields ErrLocked.
func (r *AccountRepo) ResetLoginState(ctx context.Context, email string) error {
	const q = `UPDATE accounts SET login_fail_count=0, account_locked=false, last_login_at=NOW(), updated_at=NOW()
	  WHERE email=$1 AND account_locked = false`
	res, err := r.db.ExecContext(ctx, q, email)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return r.missingOrLocked(ctx, email)
	}
	return nil
}

// UpdateLoginState sets the counter and lock flag unconditionally.
func (r *AccountRepo) UpdateLoginState(ctx context.Context, email string, failCount int, locked bool) error {
	const q = `UPDATE accounts SET login_fail_count=$2, account_locked=$3, updated_at=NOW() WHERE email=$1`
	res, err := r.db.ExecContext(ctx, q, email, failCount, locked)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *AccountRepo) missingOrLocked(ctx context.Context, email string) error {
	var locked bool
	err := r.db.GetContext(ctx, &locked, `SELECT account_locked FROM accounts WHERE email=$1`, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("db error: %w", err)
	}
	if !locked {
		return errors.New("db error: login state update matched no row")
	}
	return ErrLocked
}
