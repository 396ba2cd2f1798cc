package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"certledger.org/internal/certificate"
)

// Store persists certificate records in Postgres. The IP history rides in a
// jsonb column so the FIFO stays a single-row concern.
type Store struct {
	db *sql.DB
}

var _ certificate.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing handle, mainly for tests.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const recordColumns = `
	id, recipient_name, recipient_email, program, category_code, award_date,
	coalesce(notes,''), verification_count, last_verified_at,
	revoked, coalesce(revoked_reason,''), revoked_at,
	coalesce(verifier_ips,'[]'::jsonb), coalesce(created_by,''), created_at, updated_at`

func (s *Store) Insert(ctx context.Context, rec certificate.Record) error {
	ips, err := marshalIPs(rec.VerifierIPs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into certificates(id, recipient_name, recipient_email, program, category_code,
			award_date, notes, verification_count, verifier_ips, created_by, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,nullif($7,''),$8,$9,nullif($10,''),$11,$12)
	`, rec.ID, rec.RecipientName, rec.RecipientEmail, rec.Program, rec.CategoryCode,
		rec.AwardDate, rec.Notes, rec.VerificationCount, ips, rec.CreatedBy, rec.CreatedAt, rec.UpdatedAt)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return certificate.ErrDuplicateID
	}
	return err
}

func (s *Store) Get(ctx context.Context, id string) (certificate.Record, error) {
	row := s.db.QueryRowContext(ctx, `select `+recordColumns+` from certificates where id = $1`, id)
	return scanRecord(row)
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`select exists(select 1 from certificates where id = $1)`, id).Scan(&exists)
	return exists, err
}

func (s *Store) List(ctx context.Context, page, limit int) ([]certificate.Record, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from certificates`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+recordColumns+` from certificates
		order by created_at desc, id desc
		limit $1 offset $2
	`, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

func (s *Store) Update(ctx context.Context, id string, upd certificate.Update) (certificate.Record, error) {
	sets := []string{}
	args := []any{id}
	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, col+" = $"+strconv.Itoa(len(args)))
	}
	if upd.RecipientName != nil {
		add("recipient_name", *upd.RecipientName)
	}
	if upd.RecipientEmail != nil {
		add("recipient_email", *upd.RecipientEmail)
	}
	if upd.AwardDate != nil {
		add("award_date", *upd.AwardDate)
	}
	if upd.Notes != nil {
		add("notes", sql.NullString{String: *upd.Notes, Valid: *upd.Notes != ""})
	}
	add("updated_at", time.Now().UTC())

	row := s.db.QueryRowContext(ctx, `
		update certificates set `+strings.Join(sets, ", ")+`
		where id = $1
		returning `+recordColumns, args...)
	return scanRecord(row)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from certificates where id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return certificate.ErrNotFound
	}
	return nil
}

func (s *Store) Revoke(ctx context.Context, id, reason string, at time.Time) (certificate.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		update certificates
		set revoked = true, revoked_reason = nullif($2,''), revoked_at = $3, updated_at = $3
		where id = $1 and not revoked
		returning `+recordColumns, id, reason, at)
	rec, err := scanRecord(row)
	if errors.Is(err, certificate.ErrNotFound) {
		// Distinguish a missing record from one already revoked.
		var revoked bool
		serr := s.db.QueryRowContext(ctx, `select revoked from certificates where id = $1`, id).Scan(&revoked)
		if errors.Is(serr, sql.ErrNoRows) {
			return certificate.Record{}, certificate.ErrNotFound
		}
		if serr != nil {
			return certificate.Record{}, serr
		}
		return certificate.Record{}, certificate.ErrAlreadyRevoked
	}
	return rec, err
}

// RecordVerification locks the row, applies the counter increment and the
// distinct FIFO IP update, and commits, so concurrent verifications of the
// same id never lose an increment.
func (s *Store) RecordVerification(ctx context.Context, id, ip string, at time.Time) (certificate.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return certificate.Record{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`select `+recordColumns+` from certificates where id = $1 for update`, id)
	rec, err := scanRecord(row)
	if err != nil {
		return certificate.Record{}, err
	}
	if rec.Revoked {
		return certificate.Record{}, certificate.ErrRevoked
	}

	rec.ApplyVerification(ip, at)
	ips, err := marshalIPs(rec.VerifierIPs)
	if err != nil {
		return certificate.Record{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update certificates
		set verification_count = $2, last_verified_at = $3, verifier_ips = $4, updated_at = $3
		where id = $1
	`, id, rec.VerificationCount, rec.LastVerifiedAt, ips); err != nil {
		return certificate.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return certificate.Record{}, err
	}
	return rec, nil
}

func (s *Store) Search(ctx context.Context, recipient, program string, limit int) ([]certificate.Record, error) {
	var (
		conds []string
		args  []any
	)
	if recipient = strings.TrimSpace(recipient); recipient != "" {
		args = append(args, "%"+recipient+"%")
		conds = append(conds, "recipient_name ilike $"+strconv.Itoa(len(args)))
	}
	if program = strings.TrimSpace(program); program != "" {
		args = append(args, program)
		conds = append(conds, "program = $"+strconv.Itoa(len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " where " + strings.Join(conds, " and ")
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		select `+recordColumns+` from certificates`+where+`
		order by created_at desc, id desc
		limit $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *Store) Stats(ctx context.Context) (certificate.Stats, error) {
	st := certificate.Stats{ByProgram: map[string]int{}}
	err := s.db.QueryRowContext(ctx, `
		select count(*),
		       count(*) filter (where not revoked),
		       count(*) filter (where verification_count > 0),
		       count(*) filter (where revoked)
		from certificates
	`).Scan(&st.Total, &st.Active, &st.Verified, &st.Revoked)
	if err != nil {
		return certificate.Stats{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		select program, count(*) from certificates where not revoked group by program
	`)
	if err != nil {
		return certificate.Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			program string
			n       int
		)
		if err := rows.Scan(&program, &n); err != nil {
			return certificate.Stats{}, err
		}
		st.ByProgram[program] = n
	}
	return st, rows.Err()
}

func marshalIPs(hits []certificate.IPHit) ([]byte, error) {
	if len(hits) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(hits)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (certificate.Record, error) {
	var (
		rec            certificate.Record
		lastVerifiedAt sql.NullTime
		revokedAt      sql.NullTime
		ips            []byte
	)
	err := row.Scan(&rec.ID, &rec.RecipientName, &rec.RecipientEmail, &rec.Program,
		&rec.CategoryCode, &rec.AwardDate, &rec.Notes, &rec.VerificationCount, &lastVerifiedAt,
		&rec.Revoked, &rec.RevokedReason, &revokedAt, &ips, &rec.CreatedBy,
		&rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return certificate.Record{}, certificate.ErrNotFound
	}
	if err != nil {
		return certificate.Record{}, err
	}
	if lastVerifiedAt.Valid {
		rec.LastVerifiedAt = lastVerifiedAt.Time
	}
	if revokedAt.Valid {
		rec.RevokedAt = revokedAt.Time
	}
	if len(ips) > 0 {
		if err := json.Unmarshal(ips, &rec.VerifierIPs); err != nil {
			return certificate.Record{}, err
		}
	}
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]certificate.Record, error) {
	var res []certificate.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
