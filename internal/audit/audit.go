// Package audit keeps an append-only trail of security-relevant actions.
// Entries are write-once: nothing in the application updates or deletes
// them after Record returns.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"certledger.org/internal/ids"
	"certledger.org/internal/obs"
)

// Action identifies what kind of operation produced the entry.
type Action string

const (
	ActionCertificateVerify Action = "certificate.verify"
	ActionCertificateCreate Action = "certificate.create"
	ActionCertificateUpdate Action = "certificate.update"
	ActionCertificateDelete Action = "certificate.delete"
	ActionCertificateRevoke Action = "certificate.revoke"
	ActionAuthLogin         Action = "auth.login"
	ActionAuthRefresh       Action = "auth.refresh"
	ActionAuthLogout        Action = "auth.logout"
	ActionPasswordChange    Action = "auth.password_change"
)

// Outcome is the result the entry records.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

var (
	ErrInvalidEntry = errors.New("audit: invalid entry")
	ErrNotFound     = errors.New("audit: not found")
)

// Entry is a single immutable audit record. ActorID and ActorUsername are
// empty for unauthenticated (public) actions.
type Entry struct {
	ID            string          `json:"id"`
	CreatedAt     time.Time       `json:"created_at"`
	Action        Action          `json:"action"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	ActorID       string          `json:"actor_id,omitempty"`
	ActorUsername string          `json:"actor_username,omitempty"`
	IP            string          `json:"ip,omitempty"`
	Outcome       Outcome         `json:"outcome"`
	Details       json.RawMessage `json:"details,omitempty"`
}

// Detail payloads, one shape per action kind. Stores serialize them as-is;
// readers decode by Action.

// VerifyDetails accompanies certificate.verify entries.
type VerifyDetails struct {
	Reason            string `json:"reason,omitempty"`
	VerificationCount int    `json:"verification_count,omitempty"`
}

// ChangeSet captures a before/after snapshot for certificate.update entries.
type ChangeSet struct {
	Before map[string]any `json:"before"`
	After  map[string]any `json:"after"`
}

// CreateDetails accompanies certificate.create entries.
type CreateDetails struct {
	RecipientName string `json:"recipient_name,omitempty"`
	Program       string `json:"program,omitempty"`
	Error         string `json:"error,omitempty"`
}

// DeleteDetails records what was removed before a hard delete.
type DeleteDetails struct {
	RecipientName string `json:"recipient_name"`
	Program       string `json:"program,omitempty"`
}

// RevokeDetails accompanies certificate.revoke entries.
type RevokeDetails struct {
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// AuthDetails accompanies the auth.* actions.
type AuthDetails struct {
	Username string `json:"username,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Filter narrows List results.
type Filter struct {
	Action  Action
	Outcome Outcome
	Page    int
	Limit   int
}

// Store persists entries. Implementations must treat entries as append-only.
type Store interface {
	Insert(ctx context.Context, e Entry) error
	List(ctx context.Context, f Filter) ([]Entry, int, error)
	RecentVerifications(ctx context.Context, limit int) ([]Entry, error)
}

// Recorder is the write-side dependency handed to domain services.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// Service validates, stamps, and persists entries. Writes are best-effort:
// a failed audit write is logged and counted but never propagated, so the
// primary operation's outcome is unaffected.
type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Record stamps id/time and persists the entry.
func (s *Service) Record(ctx context.Context, e Entry) {
	if err := s.record(ctx, e); err != nil {
		obs.AuditWriteFailed()
		obs.LogRequest(map[string]any{
			"level":  "error",
			"msg":    "audit write failed",
			"action": string(e.Action),
			"entity": e.EntityID,
			"err":    err.Error(),
		})
	}
}

func (s *Service) record(ctx context.Context, e Entry) error {
	if strings.TrimSpace(string(e.Action)) == "" {
		return ErrInvalidEntry
	}
	if e.Outcome != OutcomeSuccess && e.Outcome != OutcomeFailed {
		return ErrInvalidEntry
	}
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	return s.store.Insert(ctx, e)
}

// List returns a page of entries, newest first, plus the total match count.
func (s *Service) List(ctx context.Context, f Filter) ([]Entry, int, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 || f.Limit > 100 {
		f.Limit = 50
	}
	return s.store.List(ctx, f)
}

// RecentVerifications returns the latest successful verification entries.
func (s *Service) RecentVerifications(ctx context.Context, limit int) ([]Entry, error) {
	if limit < 1 || limit > 100 {
		limit = 10
	}
	return s.store.RecentVerifications(ctx, limit)
}

// Marshal serializes a typed details payload; nil input stays nil.
func Marshal(details any) json.RawMessage {
	if details == nil {
		return nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil
	}
	return raw
}
