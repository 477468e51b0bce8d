package account

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ovaphlow/pitchfork/service-account-go-stdlib/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-account-go-stdlib/internal/account/repo"
)

// Outcome is the terminal state of a login attempt.
type Outcome int

const (
	OutcomeAuthenticated Outcome = iota
	OutcomeBotSuspected
	OutcomeInvalidCredentials
	OutcomeNotApproved
	OutcomeLocked
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAuthenticated:
		return "authenticated"
	case OutcomeBotSuspected:
		return "bot_suspected"
	case OutcomeInvalidCredentials:
		return "invalid_credentials"
	case OutcomeNotApproved:
		return "not_approved"
	case OutcomeLocked:
		return "locked"
	default:
		return "unknown"
	}
}

// LoginInput is the login payload.
type LoginInput struct {
	Email          string `json:"email"`
	Password       string `json:"password"`
	ChallengeToken string `json:"g-recaptcha-response"`
	RemoteIP       string `json:"-"`
}

// LoginResult is what the guard chain decided. FailCount is the stored
// counter after this attempt, when the attempt touched it.
type LoginResult struct {
	Outcome   Outcome
	Account   *entity.Account
	FailCount int
}

// attempt carries state between guards.
type attempt struct {
	in      LoginInput
	account *entity.Account
}

// loginGuard either lets the attempt continue (nil, nil), ends it with a
// result, or fails with an infrastructure error.
type loginGuard struct {
	name  string
	check func(ctx context.Context, at *attempt) (*LoginResult, error)
}

// guards run in this order and stop at the first result. The challenge runs
// first so automated traffic never reaches account state.
func (s *AccountService) guards() []loginGuard {
	return []loginGuard{
		{"challenge", s.checkChallenge},
		{"lookup", s.lookupAccount},
		{"approval", checkApproval},
		{"lock", checkLock},
		{"password", s.checkPassword},
	}
}

// Evaluate runs the login state machine without issuing a session.
func (s *AccountService) Evaluate(ctx context.Context, in LoginInput) (*LoginResult, error) {
	in.Email = strings.TrimSpace(in.Email)
	at := &attempt{in: in}
	for _, g := range s.guards() {
		res, err := g.check(ctx, at)
		if err != nil {
			return nil, err
		}
		if res != nil {
			s.logger.Debugw("login stopped", "guard", g.name, "outcome", res.Outcome.String(), "email", in.Email)
			return res, nil
		}
	}
	return &LoginResult{Outcome: OutcomeAuthenticated, Account: at.account}, nil
}

func (s *AccountService) checkChallenge(ctx context.Context, at *attempt) (*LoginResult, error) {
	ok, err := s.verifier.Verify(ctx, at.in.ChallengeToken, at.in.RemoteIP)
	if err != nil {
		return nil, dependencyError("", err)
	}
	if !ok {
		return &LoginResult{Outcome: OutcomeBotSuspected}, nil
	}
	return nil, nil
}

func (s *AccountService) lookupAccount(ctx context.Context, at *attempt) (*LoginResult, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	a, err := s.store.FindByEmail(sctx, at.in.Email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if s.dummyHash != "" {
				_ = s.hasher.Verify(s.dummyHash, at.in.Password)
			}
			return &LoginResult{Outcome: OutcomeInvalidCredentials}, nil
		}
		return nil, storageError(err)
	}
	at.account = a
	return nil, nil
}

func checkApproval(_ context.Context, at *attempt) (*LoginResult, error) {
	if !at.account.Approved() {
		return &LoginResult{Outcome: OutcomeNotApproved, Account: at.account}, nil
	}
	return nil, nil
}

func checkLock(_ context.Context, at *attempt) (*LoginResult, error) {
	if at.account.AccountLocked {
		return &LoginResult{Outcome: OutcomeLocked, Account: at.account, FailCount: at.account.LoginFailCount}, nil
	}
	return nil, nil
}

// checkPassword compares the password and records the attempt in one atomic
// store call: an increment on mismatch, a reset on match. The store deadline
// starts after the hash compare.
func (s *AccountService) checkPassword(ctx context.Context, at *attempt) (*LoginResult, error) {
	a := at.account
	match := s.hasher.Verify(a.PasswordHash, at.in.Password)

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if !match {
		count, locked, err := s.store.RecordLoginFailure(sctx, a.Email, lockThreshold)
		switch {
		case errors.Is(err, repo.ErrLocked):
			return &LoginResult{Outcome: OutcomeLocked, Account: a}, nil
		case errors.Is(err, repo.ErrNotFound):
			return &LoginResult{Outcome: OutcomeInvalidCredentials}, nil
		case err != nil:
			return nil, storageError(err)
		}
		a.LoginFailCount, a.AccountLocked = count, locked
		if locked {
			s.logger.Infow("account locked after failed logins", "email", a.Email, "fail_count", count)
			return &LoginResult{Outcome: OutcomeLocked, Account: a, FailCount: count}, nil
		}
		return &LoginResult{Outcome: OutcomeInvalidCredentials, Account: a, FailCount: count}, nil
	}

	if err := s.store.ResetLoginState(sctx, a.Email); err != nil {
		if errors.Is(err, repo.ErrLocked) {
			return &LoginResult{Outcome: OutcomeLocked, Account: a}, nil
		}
		return nil, storageError(err)
	}
	a.LoginFailCount, a.AccountLocked = 0, false
	return nil, nil
}

// Session is the result of a successful login.
type Session struct {
	Email     string
	Token     string
	ExpiresAt time.Time
}

// Login runs the state machine and, on success, issues a session bound to the
// account email. Every rejection is an *Error carrying the user-facing reason.
func (s *AccountService) Login(ctx context.Context, in LoginInput) (*Session, error) {
	res, err := s.Evaluate(ctx, in)
	if err != nil {
		return nil, err
	}
	switch res.Outcome {
	case OutcomeBotSuspected:
		return nil, &Error{Kind: KindBotSuspected, Message: msgBotSuspected}
	case OutcomeInvalidCredentials:
		return nil, invalidCredentials(res.FailCount)
	case OutcomeNotApproved:
		return nil, &Error{Kind: KindNotApproved, Message: msgNotApproved}
	case OutcomeLocked:
		return nil, accountLocked(res.FailCount)
	}

	email := res.Account.Email
	tok, exp, err := s.sessions.Issue(email)
	if err != nil {
		return nil, storageError(err)
	}
	s.logger.Infow("login succeeded", "email", email)
	return &Session{Email: email, Token: tok, ExpiresAt: exp}, nil
}
