package audit

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
)

var _ Store = (*PGStore)(nil)

// PGStore persists entries in the audit_log table. Inserts only; the table
// carries no update path.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Insert(ctx context.Context, e Entry) error {
	details := []byte(e.Details)
	if len(details) == 0 {
		details = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log(id, created_at, action, entity_type, entity_id, actor_id, actor_username, ip, outcome, details)
		values ($1,$2,$3,$4,$5,nullif($6,''),nullif($7,''),nullif($8,''),$9,$10)
	`, e.ID, e.CreatedAt, string(e.Action), e.EntityType, e.EntityID, e.ActorID, e.ActorUsername, e.IP, string(e.Outcome), details)
	return err
}

func (s *PGStore) List(ctx context.Context, f Filter) ([]Entry, int, error) {
	var (
		conds []string
		args  []any
	)
	if f.Action != "" {
		args = append(args, string(f.Action))
		conds = append(conds, "action = $"+strconv.Itoa(len(args)))
	}
	if f.Outcome != "" {
		args = append(args, string(f.Outcome))
		conds = append(conds, "outcome = $"+strconv.Itoa(len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " where " + strings.Join(conds, " and ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from audit_log`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, f.Limit, (f.Page-1)*f.Limit)
	query := `
		select id, created_at, action, entity_type, entity_id,
		       coalesce(actor_id,''), coalesce(actor_username,''), coalesce(ip,''), outcome, details
		from audit_log` + where + `
		order by created_at desc, id desc
		limit $` + strconv.Itoa(len(args)-1) + ` offset $` + strconv.Itoa(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (s *PGStore) RecentVerifications(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, created_at, action, entity_type, entity_id,
		       coalesce(actor_id,''), coalesce(actor_username,''), coalesce(ip,''), outcome, details
		from audit_log
		where action = $1 and outcome = $2
		order by created_at desc, id desc
		limit $3
	`, string(ActionCertificateVerify), string(OutcomeSuccess), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var res []Entry
	for rows.Next() {
		var (
			e       Entry
			action  string
			outcome string
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.CreatedAt, &action, &e.EntityType, &e.EntityID,
			&e.ActorID, &e.ActorUsername, &e.IP, &outcome, &details); err != nil {
			return nil, err
		}
		e.Action = Action(action)
		e.Outcome = Outcome(outcome)
		if len(details) > 0 {
			e.Details = details
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
