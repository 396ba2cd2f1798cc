package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"certledger.org/internal/audit"
	"certledger.org/internal/ids"
)

const (
	defaultIssuer     = "certledger"
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 14 * 24 * time.Hour
)

// dummyHash is compared against when the username is unknown so that login
// latency does not reveal account existence.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("certledger-timing-pad"), bcrypt.DefaultCost)

// Service issues and verifies credentials for the admin API.
type Service struct {
	store      Store
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	audit      audit.Recorder
	now        func() time.Time
}

type Option func(*Service)

func WithIssuer(issuer string) Option {
	return func(s *Service) { s.issuer = issuer }
}

func WithAccessTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.accessTTL = d
		}
	}
}

func WithRefreshTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.refreshTTL = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires an auth service over the given store. secret signs both
// token kinds; rec receives login and password audit entries and may be nil.
func NewService(store Store, secret []byte, rec audit.Recorder, opts ...Option) *Service {
	s := &Service{
		store:      store,
		secret:     secret,
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		audit:      rec,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Login verifies the credentials and issues a token pair. Unknown usernames,
// wrong passwords, and inactive accounts all collapse into
// ErrInvalidCredentials; a locked account returns ErrLocked without the
// password being checked, so locked attempts neither extend the window nor
// leak whether the password was right.
func (s *Service) Login(ctx context.Context, username, password, ip string) (Account, TokenPair, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	now := s.now().UTC()

	account, err := s.store.FindByUsername(ctx, username)
	if err != nil {
		// Burn a bcrypt comparison anyway.
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		s.recordAuth(ctx, audit.ActionAuthLogin, audit.OutcomeFailed, Account{Username: username}, ip, "unknown account")
		return Account{}, TokenPair{}, ErrInvalidCredentials
	}

	if account.Locked(now) {
		s.recordAuth(ctx, audit.ActionAuthLogin, audit.OutcomeFailed, account, ip, "account locked")
		return Account{}, TokenPair{}, ErrLocked
	}

	if err := VerifyPassword(account.PasswordHash, password); err != nil {
		if serr := s.store.RecordLoginFailure(ctx, account.ID, now); serr != nil {
			return Account{}, TokenPair{}, fmt.Errorf("record login failure: %w", serr)
		}
		s.recordAuth(ctx, audit.ActionAuthLogin, audit.OutcomeFailed, account, ip, "wrong password")
		return Account{}, TokenPair{}, ErrInvalidCredentials
	}

	if !account.Active {
		s.recordAuth(ctx, audit.ActionAuthLogin, audit.OutcomeFailed, account, ip, "account disabled")
		return Account{}, TokenPair{}, ErrInvalidCredentials
	}

	if err := s.store.RecordLoginSuccess(ctx, account.ID, ip, now); err != nil {
		return Account{}, TokenPair{}, fmt.Errorf("record login success: %w", err)
	}
	account.FailedLogins = 0
	account.LastLoginAt = now
	account.LastLoginIP = ip

	pair, err := s.issuePair(ctx, account)
	if err != nil {
		return Account{}, TokenPair{}, err
	}
	s.recordAuth(ctx, audit.ActionAuthLogin, audit.OutcomeSuccess, account, ip, "")
	return account, pair, nil
}

// Refresh exchanges a valid refresh token for a fresh pair. The presented
// token is revoked even when the rotation ultimately fails, so a captured
// token can be replayed at most once.
func (s *Service) Refresh(ctx context.Context, refreshToken, ip string) (Account, TokenPair, error) {
	claims, err := s.parseToken(refreshToken, TokenTypeRefresh)
	if err != nil {
		return Account{}, TokenPair{}, err
	}

	stored, err := s.store.FindRefreshToken(ctx, hashToken(refreshToken))
	if err != nil {
		return Account{}, TokenPair{}, ErrInvalidToken
	}
	now := s.now().UTC()
	if stored.Revoked || now.After(stored.ExpiresAt) {
		return Account{}, TokenPair{}, ErrInvalidToken
	}

	if err := s.store.RevokeRefreshToken(ctx, stored.ID); err != nil {
		return Account{}, TokenPair{}, fmt.Errorf("revoke refresh token: %w", err)
	}

	account, err := s.store.FindByID(ctx, claims.Subject)
	if err != nil {
		return Account{}, TokenPair{}, ErrInvalidToken
	}
	if !account.Active || account.Locked(now) {
		return Account{}, TokenPair{}, ErrInvalidToken
	}

	pair, err := s.issuePair(ctx, account)
	if err != nil {
		return Account{}, TokenPair{}, err
	}
	s.recordAuth(ctx, audit.ActionAuthRefresh, audit.OutcomeSuccess, account, ip, "")
	return account, pair, nil
}

// Logout revokes the presented refresh token. An already-invalid token is
// not an error; logout is idempotent.
func (s *Service) Logout(ctx context.Context, refreshToken, ip string) error {
	claims, err := s.parseToken(refreshToken, TokenTypeRefresh)
	if err != nil {
		return nil
	}
	stored, err := s.store.FindRefreshToken(ctx, hashToken(refreshToken))
	if err != nil {
		return nil
	}
	if err := s.store.RevokeRefreshToken(ctx, stored.ID); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	if account, err := s.store.FindByID(ctx, claims.Subject); err == nil {
		s.recordAuth(ctx, audit.ActionAuthLogout, audit.OutcomeSuccess, account, ip, "")
	}
	return nil
}

// ChangePassword verifies the current password, enforces the password
// policy, and revokes every outstanding refresh token for the account so
// stolen sessions die with the old password.
func (s *Service) ChangePassword(ctx context.Context, accountID, current, next, ip string) error {
	account, err := s.store.FindByID(ctx, accountID)
	if err != nil {
		return ErrNotFound
	}
	if err := VerifyPassword(account.PasswordHash, current); err != nil {
		s.recordAuth(ctx, audit.ActionPasswordChange, audit.OutcomeFailed, account, ip, "wrong current password")
		return ErrInvalidCredentials
	}
	if err := ValidatePasswordPolicy(next); err != nil {
		return err
	}
	if VerifyPassword(account.PasswordHash, next) == nil {
		return fmt.Errorf("%w: new password must differ from the current one", ErrInvalidInput)
	}

	hash, err := HashPassword(next)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.UpdatePassword(ctx, account.ID, hash, s.now().UTC()); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if err := s.store.RevokeAccountTokens(ctx, account.ID); err != nil {
		return fmt.Errorf("revoke account tokens: %w", err)
	}
	s.recordAuth(ctx, audit.ActionPasswordChange, audit.OutcomeSuccess, account, ip, "")
	return nil
}

// CreateAccount registers a new admin account. Used by the bootstrap CLI;
// the HTTP API does not expose account creation.
func (s *Service) CreateAccount(ctx context.Context, username, password string, role Role, permissions []string) (Account, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return Account{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if !ValidRole(role) {
		return Account{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	if err := ValidatePasswordPolicy(password); err != nil {
		return Account{}, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return Account{}, fmt.Errorf("hash password: %w", err)
	}
	if len(permissions) == 0 {
		permissions = DefaultPermissions(role)
	}
	now := s.now().UTC()
	account := Account{
		ID:           ids.New(),
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		Permissions:  permissions,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		return Account{}, err
	}
	return account, nil
}

// Accounts lists every admin account, password hashes excluded from the
// JSON projection by the Account struct itself.
func (s *Service) Accounts(ctx context.Context) ([]Account, error) {
	return s.store.ListAccounts(ctx)
}

func (s *Service) issuePair(ctx context.Context, account Account) (TokenPair, error) {
	access, accessExp, err := s.signToken(account, TokenTypeAccess, s.accessTTL)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign access token: %w", err)
	}
	refresh, refreshExp, err := s.signToken(account, TokenTypeRefresh, s.refreshTTL)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign refresh token: %w", err)
	}
	row := RefreshToken{
		ID:        ids.New(),
		AccountID: account.ID,
		TokenHash: hashToken(refresh),
		ExpiresAt: refreshExp,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.SaveRefreshToken(ctx, row); err != nil {
		return TokenPair{}, fmt.Errorf("save refresh token: %w", err)
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (s *Service) recordAuth(ctx context.Context, action audit.Action, outcome audit.Outcome, account Account, ip, reason string) {
	if s.audit == nil {
		return
	}
	e := audit.Entry{
		Action:     action,
		EntityType: "account",
		EntityID:   account.ID,
		IP:         ip,
		Outcome:    outcome,
		Details:    audit.Marshal(audit.AuthDetails{Username: account.Username, Reason: reason}),
	}
	if outcome == audit.OutcomeSuccess {
		e.ActorID = account.ID
		e.ActorUsername = account.Username
	}
	s.audit.Record(ctx, e)
}
