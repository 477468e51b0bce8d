package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account-go-stdlib/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-account-go-stdlib/internal/account/repo"
	"github.com/ovaphlow/pitchfork/service-account-go-stdlib/internal/challenge"
	"github.com/ovaphlow/pitchfork/service-account-go-stdlib/internal/notify"
	"github.com/ovaphlow/pitchfork/service-account-go-stdlib/pkg/utilities"
)

const lockThreshold = entity.LockThreshold

// Store is the credential store. Every method must be atomic on its own.
type Store interface {
	Insert(ctx context.Context, a *entity.Account) (*entity.Account, error)
	FindByEmail(ctx context.Context, email string) (*entity.Account, error)
	ListPending(ctx context.Context) ([]entity.PendingView, error)
	UpdateStatus(ctx context.Context, email string, from, to entity.Status) (bool, error)
	RecordLoginFailure(ctx context.Context, email string, threshold int) (count int, locked bool, err error)
	ResetLoginState(ctx context.Context, email string) error
	UpdateLoginState(ctx context.Context, email string, failCount int, locked bool) error
}

// SessionIssuer signs the session identifier handed out after a successful login.
type SessionIssuer interface {
	Issue(email string) (token string, expiresAt time.Time, err error)
}

// AccountService drives registration, approval and the login / lockout state machine.
type AccountService struct {
	store    Store
	hasher   PasswordHasher
	verifier challenge.Verifier
	notifier notify.Dispatcher
	sessions SessionIssuer
	logger   *zap.SugaredLogger

	// StoreTimeout bounds every store call.
	StoreTimeout time.Duration
	// NotifyTimeout bounds the approval mail.
	NotifyTimeout time.Duration

	dummyHash string
	newID     func() string
}

func NewAccountService(store Store, hasher PasswordHasher, verifier challenge.Verifier, notifier notify.Dispatcher, sessions SessionIssuer, logger *zap.SugaredLogger) *AccountService {
	if hasher == nil {
		hasher = BcryptHasher{Cost: 10}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &AccountService{
		store:         store,
		hasher:        hasher,
		verifier:      verifier,
		notifier:      notifier,
		sessions:      sessions,
		logger:        logger,
		StoreTimeout:  5 * time.Second,
		NotifyTimeout: 15 * time.Second,
		newID:         utilities.NewSnowflakeID,
	}
	// hashed with the same cost so unknown emails take as long as wrong passwords
	if h, err := hasher.Hash(utilities.NewKSUID()); err == nil {
		s.dummyHash = h
	}
	return s
}

func (s *AccountService) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.StoreTimeout)
}

func (s *AccountService) notifyCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.NotifyTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.NotifyTimeout)
}

// RegisterInput is the self-registration payload.
type RegisterInput struct {
	Name           string `json:"name"`
	Email          string `json:"email"`
	Password       string `json:"password"`
	EmployeeNumber string `json:"employeeNumber"`
}

// Validate will validate the payload
func (in RegisterInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Name, validation.Required, validation.Length(1, 200)),
		validation.Field(&in.Email, validation.Required, validation.Length(3, 254), is.Email),
		validation.Field(&in.Password, validation.Required, validation.By(maxBytes(72))),
		validation.Field(&in.EmployeeNumber, validation.Required, validation.Length(1, 64)),
	)
}

// bcrypt only looks at the first 72 bytes.
func maxBytes(n int) validation.RuleFunc {
	return func(value interface{}) error {
		s, _ := value.(string)
		if len(s) > n {
			return fmt.Errorf("must be at most %d bytes long", n)
		}
		return nil
	}
}

// Register creates a PENDING account. No session is issued.
func (s *AccountService) Register(ctx context.Context, in RegisterInput) (*entity.Account, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.TrimSpace(in.Email)
	in.EmployeeNumber = strings.TrimSpace(in.EmployeeNumber)
	if err := in.Validate(); err != nil {
		return nil, &Error{Kind: KindValidation, Message: err.Error()}
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, storageError(fmt.Errorf("hash password: %w", err))
	}
	a := &entity.Account{
		ID:             s.newID(),
		Name:           in.Name,
		Email:          in.Email,
		EmployeeNumber: in.EmployeeNumber,
		PasswordHash:   hash,
		Status:         entity.StatusPending,
		Role:           entity.RoleResearcher,
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	created, err := s.store.Insert(sctx, a)
	if err != nil {
		if errors.Is(err, repo.ErrDuplicateEmail) {
			return nil, &Error{Kind: KindValidation, Message: "email: is already registered."}
		}
		return nil, storageError(err)
	}
	s.logger.Infow("account registered", "id", created.ID, "email", created.Email)
	return created, nil
}

// ListPending returns the approval queue.
func (s *AccountService) ListPending(ctx context.Context) ([]entity.PendingView, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	out, err := s.store.ListPending(sctx)
	if err != nil {
		return nil, storageError(err)
	}
	return out, nil
}

// ApproveResult describes what Approve did.
type ApproveResult struct {
	Email           string
	AlreadyApproved bool
}

// Approve moves a PENDING account to APPROVED and sends exactly one
// notification for that transition. Approving an APPROVED account changes
// nothing and sends nothing.
func (s *AccountService) Approve(ctx context.Context, email string) (*ApproveResult, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, &Error{Kind: KindValidation, Message: "email: cannot be blank."}
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	changed, err := s.store.UpdateStatus(sctx, email, entity.StatusPending, entity.StatusApproved)
	if err != nil {
		return nil, storageError(err)
	}
	if !changed {
		a, err := s.store.FindByEmail(sctx, email)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, &Error{Kind: KindAccountNotFound, Message: "no account is registered with this email"}
			}
			return nil, storageError(err)
		}
		if a.Approved() {
			return &ApproveResult{Email: email, AlreadyApproved: true}, nil
		}
		return nil, storageError(fmt.Errorf("account %s in unexpected status %q", email, a.Status))
	}
	s.logger.Infow("account approved", "email", email)

	subject, body := notify.ApprovalMessage()
	nctx, ncancel := s.notifyCtx(ctx)
	defer ncancel()
	if err := s.notifier.Send(nctx, email, subject, body); err != nil {
		return nil, dependencyError("the account was approved, but the notification e-mail could not be sent", err)
	}
	return &ApproveResult{Email: email}, nil
}

// Unlock clears the failure counter and lock flag. It is meant to be called
// once a user has re-verified their identity.
func (s *AccountService) Unlock(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return &Error{Kind: KindValidation, Message: "email: cannot be blank."}
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.store.UpdateLoginState(sctx, email, 0, false); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return &Error{Kind: KindAccountNotFound, Message: "no account is registered with this email"}
		}
		return storageError(err)
	}
	s.logger.Infow("account unlocked", "email", email)
	return nil
}
