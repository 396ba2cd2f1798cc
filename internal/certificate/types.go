package certificate

import (
	"errors"
	"time"

	"certledger.org/internal/certid"
)

// Programs are a fixed set; the wire category code maps onto them via the
// certid table.
var Programs = []string{"Main Club", "Online Chapter", "Bootcamp", "Advanced Track"}

// Categories are the issuable 2-digit category codes.
var Categories = []string{"00", "01", "02", "03"}

// MaxVerifierIPs bounds the per-record IP history (FIFO, oldest out).
const MaxVerifierIPs = 10

var (
	ErrNotFound       = errors.New("certificate not found")
	ErrDuplicateID    = errors.New("certificate id already exists")
	ErrAlreadyRevoked = errors.New("certificate is already revoked")
	ErrRevoked        = errors.New("certificate is revoked")
	ErrInvalidInput   = errors.New("invalid input")
)

// IPHit is one verification source address with its most recent timestamp.
type IPHit struct {
	IP string    `json:"ip"`
	At time.Time `json:"at"`
}

// Record is the persisted certificate entity, keyed by the 7-digit id.
type Record struct {
	ID                string    `json:"id"`
	RecipientName     string    `json:"recipient_name"`
	RecipientEmail    string    `json:"recipient_email"`
	Program           string    `json:"program"`
	CategoryCode      string    `json:"category_code"`
	AwardDate         time.Time `json:"award_date"`
	Notes             string    `json:"notes,omitempty"`
	VerificationCount int       `json:"verification_count"`
	LastVerifiedAt    time.Time `json:"last_verified_at,omitzero"`
	Revoked           bool      `json:"revoked"`
	RevokedReason     string    `json:"revoked_reason,omitempty"`
	RevokedAt         time.Time `json:"revoked_at,omitzero"`
	VerifierIPs       []IPHit   `json:"verifier_ips,omitempty"`
	CreatedBy         string    `json:"created_by,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ApplyVerification applies one successful verification in place:
// counter, last-verified stamp, and the distinct FIFO IP history.
// Stores call it inside whatever locking they need.
func (r *Record) ApplyVerification(ip string, at time.Time) {
	r.VerificationCount++
	r.LastVerifiedAt = at
	r.UpdatedAt = at
	if ip == "" {
		return
	}
	hits := r.VerifierIPs[:0]
	for _, h := range r.VerifierIPs {
		if h.IP != ip {
			hits = append(hits, h)
		}
	}
	hits = append(hits, IPHit{IP: ip, At: at})
	if len(hits) > MaxVerifierIPs {
		hits = hits[len(hits)-MaxVerifierIPs:]
	}
	r.VerifierIPs = hits
}

// PublicView is the projection returned to unauthenticated verifiers.
// It never carries the IP history, email, or bookkeeping fields.
type PublicView struct {
	ID                string    `json:"id"`
	RecipientName     string    `json:"recipient_name"`
	Program           string    `json:"program"`
	CategoryCode      string    `json:"category_code"`
	Year              int       `json:"year"`
	SerialNumber      string    `json:"serial_number"`
	SerialDisplay     string    `json:"serial_display"`
	AwardDate         string    `json:"award_date"`
	VerificationCount int       `json:"verification_count"`
	LastVerifiedAt    time.Time `json:"last_verified_at,omitzero"`
}

// Public builds the public-safe projection of the record.
func (r Record) Public() PublicView {
	d := certid.Decode(r.ID)
	return PublicView{
		ID:                r.ID,
		RecipientName:     r.RecipientName,
		Program:           r.Program,
		CategoryCode:      r.CategoryCode,
		Year:              d.Year,
		SerialNumber:      d.Serial,
		SerialDisplay:     d.SerialDisplay,
		AwardDate:         r.AwardDate.Format("2006-01-02"),
		VerificationCount: r.VerificationCount,
		LastVerifiedAt:    r.LastVerifiedAt,
	}
}

// Admin strips the IP history for list responses; the single-record
// endpoint returns the full record.
func (r Record) Admin() Record {
	r.VerifierIPs = nil
	return r
}

// Stats is the aggregate analytics payload.
type Stats struct {
	Total     int            `json:"total"`
	Active    int            `json:"active"`
	Verified  int            `json:"verified"`
	Revoked   int            `json:"revoked"`
	ByProgram map[string]int `json:"by_program"`
}

// ValidProgram reports whether label is one of the fixed programs.
func ValidProgram(label string) bool {
	for _, p := range Programs {
		if p == label {
			return true
		}
	}
	return false
}

// ValidCategory reports whether code is an issuable category.
func ValidCategory(code string) bool {
	for _, c := range Categories {
		if c == code {
			return true
		}
	}
	return false
}
