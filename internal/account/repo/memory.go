package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ovaphlow/pitchfork/service-account-go-stdlib/internal/account/entity"
)

// MemoryRepo is an in-process account store with the same update semantics as
// AccountRepo. Every call holds the mutex, so each one is atomic.
type MemoryRepo struct {
	mu       sync.Mutex
	accounts map[string]*entity.Account
	now      func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{accounts: make(map[string]*entity.Account), now: time.Now}
}

func (m *MemoryRepo) Insert(_ context.Context, a *entity.Account) (*entity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[a.Email]; ok {
		return nil, ErrDuplicateEmail
	}
	now := m.now()
	a.CreatedAt, a.UpdatedAt = now, now
	cp := *a
	m.accounts[a.Email] = &cp
	return a, nil
}

func (m *MemoryRepo) FindByEmail(_ context.Context, email string) (*entity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[email]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryRepo) ListPending(_ context.Context) ([]entity.PendingView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []entity.PendingView{}
	for _, a := range m.accounts {
		if a.Status != entity.StatusPending {
			continue
		}
		out = append(out, entity.PendingView{
			ID:             a.ID,
			Name:           a.Name,
			Email:          a.Email,
			EmployeeNumber: a.EmployeeNumber,
			CreatedAt:      a.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryRepo) UpdateStatus(_ context.Context, email string, from, to entity.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[email]
	if !ok || a.Status != from {
		return false, nil
	}
	now := m.now()
	a.Status = to
	a.UpdatedAt = now
	if to == entity.StatusApproved {
		a.ApprovedAt = &now
	}
	return true, nil
}

func (m *MemoryRepo) RecordLoginFailure(_ context.Context, email string, threshold int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[email]
	if !ok {
		return 0, false, ErrNotFound
	}
	if a.AccountLocked {
		return 0, false, ErrLocked
	}
	a.LoginFailCount++
	a.AccountLocked = a.LoginFailCount >= threshold
	a.UpdatedAt = m.now()
	return a.LoginFailCount, a.AccountLocked, nil
}

func (m *MemoryRepo) ResetLoginState(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[email]
	if !ok {
		return ErrNotFound
	}
	if a.AccountLocked {
		return ErrLocked
	}
	now := m.now()
	a.LoginFailCount = 0
	a.AccountLocked = false
	a.LastLoginAt = &now
	a.UpdatedAt = now
	return nil
}

func (m *MemoryRepo) UpdateLoginState(_ context.Context, email string, failCount int, locked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[email]
	if !ok {
		return ErrNotFound
	}
	a.LoginFailCount = failCount
	a.AccountLocked = locked
	a.UpdatedAt = m.now()
	return nil
}
