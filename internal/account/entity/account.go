package entity

import "time"

// Status is the approval state of an account. It only moves forward.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
)

// Role mirrors the role column of the accounts table. It is informational only.
type Role string

const (
	RoleResearcher Role = "RESEARCHER"
	RoleAdmin      Role = "ADMIN"
)

// LockThreshold is the number of consecutive wrong passwords that locks an account.
const LockThreshold = 5

// Account represents a row in the `accounts` table.
type Account struct {
	ID             string     `db:"id" json:"id"`
	Name           string     `db:"name" json:"name"`
	Email          string     `db:"email" json:"email"`
	EmployeeNumber string     `db:"employee_number" json:"employee_number"`
	PasswordHash   string     `db:"password_hash" json:"-"`
	Status         Status     `db:"status" json:"status"`
	Role           Role       `db:"role" json:"role"`
	LoginFailCount int        `db:"login_fail_count" json:"login_fail_count"`
	AccountLocked  bool       `db:"account_locked" json:"account_locked"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
	ApprovedAt     *time.Time `db:"approved_at" json:"approved_at,omitempty"`
	LastLoginAt    *time.Time `db:"last_login_at" json:"last_login_at,omitempty"`
}

// Approved reports whether the account passed administrator approval.
func (a *Account) Approved() bool { return a.Status == StatusApproved }

// PendingView is the projection shown in the approval queue.
type PendingView struct {
	ID             string    `db:"id" json:"id"`
	Name           string    `db:"name" json:"name"`
	Email          string    `db:"email" json:"email"`
	EmployeeNumber string    `db:"employee_number" json:"employee_number"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}
