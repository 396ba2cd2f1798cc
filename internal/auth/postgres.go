package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var _ Store = (*PGStore)(nil)

// PGStore persists accounts and refresh tokens in the admin_accounts and
// refresh_tokens tables. Permission flags are stored as a jsonb array.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const accountColumns = `
	id, username, password_hash, role, permissions, active,
	failed_logins, last_failed_at, last_login_at, coalesce(last_login_ip,''),
	created_at, updated_at`

func (s *PGStore) CreateAccount(ctx context.Context, a Account) error {
	perms, err := json.Marshal(a.Permissions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into admin_accounts(id, username, password_hash, role, permissions, active, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, a.ID, strings.ToLower(a.Username), a.PasswordHash, string(a.Role), perms, a.Active, a.CreatedAt, a.UpdatedAt)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return ErrConflict
	}
	return err
}

func (s *PGStore) FindByUsername(ctx context.Context, username string) (Account, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from admin_accounts where username = $1`,
		strings.ToLower(username))
	return scanAccount(row)
}

func (s *PGStore) FindByID(ctx context.Context, id string) (Account, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from admin_accounts where id = $1`, id)
	return scanAccount(row)
}

func (s *PGStore) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+accountColumns+` from admin_accounts order by username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (s *PGStore) RecordLoginFailure(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, `
		update admin_accounts
		set failed_logins = failed_logins + 1, last_failed_at = $2, updated_at = $2
		where id = $1
	`, id, at)
}

func (s *PGStore) RecordLoginSuccess(ctx context.Context, id, ip string, at time.Time) error {
	return s.execOne(ctx, `
		update admin_accounts
		set failed_logins = 0, last_failed_at = null,
		    last_login_at = $2, last_login_ip = nullif($3,''), updated_at = $2
		where id = $1
	`, id, at, ip)
}

func (s *PGStore) UpdatePassword(ctx context.Context, id, hash string, at time.Time) error {
	return s.execOne(ctx, `
		update admin_accounts set password_hash = $2, updated_at = $3 where id = $1
	`, id, hash, at)
}

func (s *PGStore) SaveRefreshToken(ctx context.Context, t RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens(id, account_id, token_hash, expires_at, revoked, created_at)
		values ($1,$2,$3,$4,$5,$6)
	`, t.ID, t.AccountID, t.TokenHash, t.ExpiresAt, t.Revoked, t.CreatedAt)
	return err
}

func (s *PGStore) FindRefreshToken(ctx context.Context, tokenHash string) (RefreshToken, error) {
	var t RefreshToken
	err := s.db.QueryRowContext(ctx, `
		select id, account_id, token_hash, expires_at, revoked, created_at
		from refresh_tokens where token_hash = $1
	`, tokenHash).Scan(&t.ID, &t.AccountID, &t.TokenHash, &t.ExpiresAt, &t.Revoked, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RefreshToken{}, ErrNotFound
	}
	if err != nil {
		return RefreshToken{}, err
	}
	return t, nil
}

func (s *PGStore) RevokeRefreshToken(ctx context.Context, id string) error {
	return s.execOne(ctx, `update refresh_tokens set revoked = true where id = $1`, id)
}

func (s *PGStore) RevokeAccountTokens(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked = true where account_id = $1 and not revoked`,
		accountID)
	return err
}

func (s *PGStore) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var (
		a            Account
		role         string
		perms        []byte
		lastFailedAt sql.NullTime
		lastLoginAt  sql.NullTime
	)
	err := row.Scan(&a.ID, &a.Username, &a.PasswordHash, &role, &perms, &a.Active,
		&a.FailedLogins, &lastFailedAt, &lastLoginAt, &a.LastLoginIP,
		&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, err
	}
	a.Role = Role(role)
	if len(perms) > 0 {
		if err := json.Unmarshal(perms, &a.Permissions); err != nil {
			return Account{}, err
		}
	}
	if lastFailedAt.Valid {
		a.LastFailedAt = lastFailedAt.Time
	}
	if lastLoginAt.Valid {
		a.LastLoginAt = lastLoginAt.Time
	}
	return a, nil
}
