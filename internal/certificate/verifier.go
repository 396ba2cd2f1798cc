package certificate

import (
	"context"
	"time"

	"certledger.org/internal/audit"
	"certledger.org/internal/certid"
	"certledger.org/internal/obs"
	"certledger.org/internal/stream"
)

// Status classifies a public verification outcome.
type Status string

const (
	StatusVerified Status = "verified"
	StatusInvalid  Status = "invalid"
	StatusNotFound Status = "not_found"
	StatusRevoked  Status = "revoked"
)

// Outcome is the full result of a public verification attempt.
type Outcome struct {
	Status        Status      `json:"status"`
	Verified      bool        `json:"verified"`
	Message       string      `json:"message,omitempty"`
	Certificate   *PublicView `json:"certificate,omitempty"`
	RevokedAt     time.Time   `json:"revoked_at,omitzero"`
	RevokedReason string      `json:"revoked_reason,omitempty"`
}

// Verifier orchestrates the public verification path: id validation,
// record lookup, the atomic counter/IP mutation, and the audit write.
type Verifier struct {
	store  Store
	audit  audit.Recorder
	events *stream.Stream
	now    func() time.Time
}

func NewVerifier(store Store, recorder audit.Recorder, events *stream.Stream) *Verifier {
	return &Verifier{
		store:  store,
		audit:  recorder,
		events: events,
		now:    time.Now,
	}
}

// Verify runs the full verification flow for a raw id and caller IP.
// Format failures are rejected before any store access and are not
// audited; every outcome past validation writes exactly one audit entry.
func (v *Verifier) Verify(ctx context.Context, rawID, callerIP string) (Outcome, error) {
	id := certid.Normalize(rawID)
	if err := certid.Validate(id); err != nil {
		obs.VerificationOutcome(string(StatusInvalid))
		return Outcome{
			Status:   StatusInvalid,
			Verified: false,
			Message:  err.Error(),
		}, nil
	}

	at := v.now().UTC()
	rec, err := v.store.RecordVerification(ctx, id, callerIP, at)
	switch err {
	case nil:
	case ErrNotFound:
		obs.VerificationOutcome(string(StatusNotFound))
		v.recordAttempt(ctx, id, callerIP, audit.OutcomeFailed, audit.VerifyDetails{Reason: "not found"})
		v.publish(id, StatusNotFound, at)
		return Outcome{
			Status:   StatusNotFound,
			Verified: false,
			Message:  "certificate not found",
		}, nil
	case ErrRevoked:
		revoked, getErr := v.store.Get(ctx, id)
		if getErr != nil {
			return Outcome{}, getErr
		}
		obs.VerificationOutcome(string(StatusRevoked))
		v.recordAttempt(ctx, id, callerIP, audit.OutcomeFailed, audit.VerifyDetails{Reason: "revoked"})
		v.publish(id, StatusRevoked, at)
		return Outcome{
			Status:        StatusRevoked,
			Verified:      false,
			Message:       "certificate has been revoked",
			RevokedAt:     revoked.RevokedAt,
			RevokedReason: revoked.RevokedReason,
		}, nil
	default:
		return Outcome{}, err
	}

	obs.VerificationOutcome(string(StatusVerified))
	v.recordAttempt(ctx, id, callerIP, audit.OutcomeSuccess, audit.VerifyDetails{
		VerificationCount: rec.VerificationCount,
	})
	v.publish(id, StatusVerified, at)

	view := rec.Public()
	return Outcome{
		Status:      StatusVerified,
		Verified:    true,
		Certificate: &view,
	}, nil
}

// Check reports bare existence. No counter, no IP history, no audit entry.
func (v *Verifier) Check(ctx context.Context, rawID string) (bool, error) {
	id := certid.Normalize(rawID)
	if err := certid.Validate(id); err != nil {
		return false, err
	}
	return v.store.Exists(ctx, id)
}

// SearchLimit caps public search results.
const SearchLimit = 20

// Search filters records by recipient substring and/or program label.
// Callers enforce that the recipient filter is only available to
// authenticated requests.
func (v *Verifier) Search(ctx context.Context, recipient, program string, limit int) ([]PublicView, error) {
	if limit < 1 || limit > SearchLimit {
		limit = SearchLimit
	}
	recs, err := v.store.Search(ctx, recipient, program, limit)
	if err != nil {
		return nil, err
	}
	views := make([]PublicView, 0, len(recs))
	for _, rec := range recs {
		if rec.Revoked {
			continue
		}
		views = append(views, rec.Public())
	}
	return views, nil
}

func (v *Verifier) recordAttempt(ctx context.Context, id, ip string, outcome audit.Outcome, details audit.VerifyDetails) {
	v.audit.Record(ctx, audit.Entry{
		Action:     audit.ActionCertificateVerify,
		EntityType: "certificate",
		EntityID:   id,
		IP:         ip,
		Outcome:    outcome,
		Details:    audit.Marshal(details),
	})
}

func (v *Verifier) publish(id string, status Status, at time.Time) {
	if v.events == nil {
		return
	}
	v.events.Publish(stream.VerificationEvent{
		CertificateID: id,
		Status:        string(status),
		Timestamp:     at,
	})
}
