package certificate

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"certledger.org/internal/audit"
	"certledger.org/internal/certid"
)

// Actor identifies the admin performing an operation, for audit stamping.
type Actor struct {
	ID       string
	Username string
	IP       string
}

// CreateInput carries the fields an admin supplies when issuing a certificate.
type CreateInput struct {
	ID             string
	RecipientName  string
	RecipientEmail string
	Program        string
	CategoryCode   string
	AwardDate      string // ISO yyyy-mm-dd
	Notes          string
}

// UpdateInput is a partial edit; nil fields are untouched. The id and
// program are immutable after creation.
type UpdateInput struct {
	RecipientName  *string
	RecipientEmail *string
	AwardDate      *string // ISO yyyy-mm-dd
	Notes          *string
}

// Analytics is the admin dashboard aggregate.
type Analytics struct {
	Stats               Stats         `json:"stats"`
	RecentVerifications []audit.Entry `json:"recent_verifications"`
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

const (
	minNameLen = 2
	maxNameLen = 120
)

// AdminService implements the authenticated certificate operations. Every
// mutating call writes exactly one audit entry mirroring its outcome.
type AdminService struct {
	store Store
	audit *audit.Service
	now   func() time.Time
}

func NewAdminService(store Store, auditSvc *audit.Service) *AdminService {
	return &AdminService{store: store, audit: auditSvc, now: time.Now}
}

// Create validates and persists a new certificate record.
func (s *AdminService) Create(ctx context.Context, actor Actor, in CreateInput) (Record, error) {
	rec, err := s.create(ctx, actor, in)
	entry := audit.Entry{
		Action:        audit.ActionCertificateCreate,
		EntityType:    "certificate",
		EntityID:      certid.Normalize(in.ID),
		ActorID:       actor.ID,
		ActorUsername: actor.Username,
		IP:            actor.IP,
	}
	if err != nil {
		entry.Outcome = audit.OutcomeFailed
		entry.Details = audit.Marshal(audit.CreateDetails{Error: err.Error()})
	} else {
		entry.Outcome = audit.OutcomeSuccess
		entry.Details = audit.Marshal(audit.CreateDetails{
			RecipientName: rec.RecipientName,
			Program:       rec.Program,
		})
	}
	s.audit.Record(ctx, entry)
	return rec, err
}

func (s *AdminService) create(ctx context.Context, actor Actor, in CreateInput) (Record, error) {
	id := certid.Normalize(in.ID)
	if err := certid.Validate(id); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	name := strings.TrimSpace(in.RecipientName)
	if err := validateName(name); err != nil {
		return Record{}, err
	}

	email := strings.ToLower(strings.TrimSpace(in.RecipientEmail))
	if !emailPattern.MatchString(email) {
		return Record{}, fmt.Errorf("%w: recipient email is malformed", ErrInvalidInput)
	}

	program := strings.TrimSpace(in.Program)
	if !ValidProgram(program) {
		return Record{}, fmt.Errorf("%w: unknown program %q", ErrInvalidInput, program)
	}

	category := strings.TrimSpace(in.CategoryCode)
	if !ValidCategory(category) {
		return Record{}, fmt.Errorf("%w: unknown category %q", ErrInvalidInput, category)
	}

	awarded, err := parseAwardDate(in.AwardDate, s.now().UTC())
	if err != nil {
		return Record{}, err
	}

	now := s.now().UTC()
	rec := Record{
		ID:             id,
		RecipientName:  name,
		RecipientEmail: email,
		Program:        program,
		CategoryCode:   category,
		AwardDate:      awarded,
		Notes:          strings.TrimSpace(in.Notes),
		CreatedBy:      actor.Username,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Get returns the full admin view of one record, IP history included.
func (s *AdminService) Get(ctx context.Context, rawID string) (Record, error) {
	id := certid.Normalize(rawID)
	if err := certid.Validate(id); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return s.store.Get(ctx, id)
}

// List returns a page of records, newest first, without IP histories.
func (s *AdminService) List(ctx context.Context, page, limit int) ([]Record, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	recs, total, err := s.store.List(ctx, page, limit)
	if err != nil {
		return nil, 0, err
	}
	for i := range recs {
		recs[i] = recs[i].Admin()
	}
	return recs, total, nil
}

// Update applies a partial edit and audits a before/after snapshot.
func (s *AdminService) Update(ctx context.Context, actor Actor, rawID string, in UpdateInput) (Record, error) {
	id := certid.Normalize(rawID)
	if err := certid.Validate(id); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	before, err := s.store.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}

	upd, err := s.buildUpdate(in)
	if err != nil {
		return Record{}, err
	}

	after, err := s.store.Update(ctx, id, upd)
	if err != nil {
		return Record{}, err
	}

	s.audit.Record(ctx, audit.Entry{
		Action:        audit.ActionCertificateUpdate,
		EntityType:    "certificate",
		EntityID:      id,
		ActorID:       actor.ID,
		ActorUsername: actor.Username,
		IP:            actor.IP,
		Outcome:       audit.OutcomeSuccess,
		Details:       audit.Marshal(changeSet(before, after)),
	})
	return after, nil
}

func (s *AdminService) buildUpdate(in UpdateInput) (Update, error) {
	var upd Update
	if in.RecipientName != nil {
		name := strings.TrimSpace(*in.RecipientName)
		if err := validateName(name); err != nil {
			return Update{}, err
		}
		upd.RecipientName = &name
	}
	if in.RecipientEmail != nil {
		email := strings.ToLower(strings.TrimSpace(*in.RecipientEmail))
		if !emailPattern.MatchString(email) {
			return Update{}, fmt.Errorf("%w: recipient email is malformed", ErrInvalidInput)
		}
		upd.RecipientEmail = &email
	}
	if in.AwardDate != nil {
		awarded, err := parseAwardDate(*in.AwardDate, s.now().UTC())
		if err != nil {
			return Update{}, err
		}
		upd.AwardDate = &awarded
	}
	if in.Notes != nil {
		notes := strings.TrimSpace(*in.Notes)
		upd.Notes = &notes
	}
	return upd, nil
}

// Delete removes a record permanently, logging what was removed first.
func (s *AdminService) Delete(ctx context.Context, actor Actor, rawID string) error {
	id := certid.Normalize(rawID)
	if err := certid.Validate(id); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}

	s.audit.Record(ctx, audit.Entry{
		Action:        audit.ActionCertificateDelete,
		EntityType:    "certificate",
		EntityID:      id,
		ActorID:       actor.ID,
		ActorUsername: actor.Username,
		IP:            actor.IP,
		Outcome:       audit.OutcomeSuccess,
		Details: audit.Marshal(audit.DeleteDetails{
			RecipientName: rec.RecipientName,
			Program:       rec.Program,
		}),
	})
	return nil
}

// Revoke marks a record permanently invalid. Revoking twice is a conflict
// and is not audited as a success a second time.
func (s *AdminService) Revoke(ctx context.Context, actor Actor, rawID, reason string) (Record, error) {
	id := certid.Normalize(rawID)
	if err := certid.Validate(id); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	reason = strings.TrimSpace(reason)
	rec, err := s.store.Revoke(ctx, id, reason, s.now().UTC())
	if err != nil {
		if err == ErrAlreadyRevoked {
			return Record{}, err
		}
		s.audit.Record(ctx, audit.Entry{
			Action:        audit.ActionCertificateRevoke,
			EntityType:    "certificate",
			EntityID:      id,
			ActorID:       actor.ID,
			ActorUsername: actor.Username,
			IP:            actor.IP,
			Outcome:       audit.OutcomeFailed,
			Details:       audit.Marshal(audit.RevokeDetails{Reason: reason, Error: err.Error()}),
		})
		return Record{}, err
	}

	s.audit.Record(ctx, audit.Entry{
		Action:        audit.ActionCertificateRevoke,
		EntityType:    "certificate",
		EntityID:      id,
		ActorID:       actor.ID,
		ActorUsername: actor.Username,
		IP:            actor.IP,
		Outcome:       audit.OutcomeSuccess,
		Details:       audit.Marshal(audit.RevokeDetails{Reason: reason}),
	})
	return rec, nil
}

// Analytics aggregates record counts and the latest successful
// verification audit entries.
func (s *AdminService) Analytics(ctx context.Context) (Analytics, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return Analytics{}, err
	}
	recent, err := s.audit.RecentVerifications(ctx, 10)
	if err != nil {
		return Analytics{}, err
	}
	if recent == nil {
		recent = []audit.Entry{}
	}
	return Analytics{Stats: stats, RecentVerifications: recent}, nil
}

func validateName(name string) error {
	if len(name) < minNameLen || len(name) > maxNameLen {
		return fmt.Errorf("%w: recipient name must be %d-%d characters", ErrInvalidInput, minNameLen, maxNameLen)
	}
	for _, r := range name {
		if unicode.IsLetter(r) || r == ' ' || r == '\'' || r == '-' || r == '.' {
			continue
		}
		return fmt.Errorf("%w: recipient name contains unsupported character %q", ErrInvalidInput, r)
	}
	return nil
}

func parseAwardDate(raw string, now time.Time) (time.Time, error) {
	awarded, err := time.Parse("2006-01-02", strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: award date must be yyyy-mm-dd", ErrInvalidInput)
	}
	if awarded.After(now) {
		return time.Time{}, fmt.Errorf("%w: award date is in the future", ErrInvalidInput)
	}
	return awarded, nil
}

func changeSet(before, after Record) audit.ChangeSet {
	diffBefore := map[string]any{}
	diffAfter := map[string]any{}
	if before.RecipientName != after.RecipientName {
		diffBefore["recipient_name"] = before.RecipientName
		diffAfter["recipient_name"] = after.RecipientName
	}
	if before.RecipientEmail != after.RecipientEmail {
		diffBefore["recipient_email"] = before.RecipientEmail
		diffAfter["recipient_email"] = after.RecipientEmail
	}
	if !before.AwardDate.Equal(after.AwardDate) {
		diffBefore["award_date"] = before.AwardDate.Format("2006-01-02")
		diffAfter["award_date"] = after.AwardDate.Format("2006-01-02")
	}
	if before.Notes != after.Notes {
		diffBefore["notes"] = before.Notes
		diffAfter["notes"] = after.Notes
	}
	return audit.ChangeSet{Before: diffBefore, After: diffAfter}
}
