package auth

import "time"

// Role is the coarse account class. Authorization also checks individual
// permission flags; the two gates are independent.
type Role string

const (
	RoleSuperadmin Role = "superadmin"
	RoleManager    Role = "manager"
	RoleViewer     Role = "viewer"
)

// Permission flags. Delete is deliberately separate from the other
// certificate permissions so it can be granted more narrowly.
const (
	PermCertificatesCreate = "certificates.create"
	PermCertificatesEdit   = "certificates.edit"
	PermCertificatesDelete = "certificates.delete"
	PermCertificatesRevoke = "certificates.revoke"
	PermAuditView          = "audit.view"
	PermAnalyticsView      = "analytics.view"
)

// AllPermissions lists every known flag.
var AllPermissions = []string{
	PermCertificatesCreate,
	PermCertificatesEdit,
	PermCertificatesDelete,
	PermCertificatesRevoke,
	PermAuditView,
	PermAnalyticsView,
}

// DefaultPermissions returns the flag set granted when an account is
// created without an explicit list.
func DefaultPermissions(role Role) []string {
	switch role {
	case RoleSuperadmin:
		return append([]string(nil), AllPermissions...)
	case RoleManager:
		return []string{
			PermCertificatesCreate,
			PermCertificatesEdit,
			PermCertificatesRevoke,
			PermAnalyticsView,
		}
	case RoleViewer:
		return []string{PermAnalyticsView}
	default:
		return nil
	}
}

// ValidRole reports whether r is one of the fixed roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleSuperadmin, RoleManager, RoleViewer:
		return true
	}
	return false
}

// Lockout policy: this many failures lock the account for the window,
// measured from the last failed attempt.
const (
	MaxLoginFailures = 5
	LockoutWindow    = 30 * time.Minute
)

// Account is an administrative credential holder. The plaintext password
// never appears here; only the bcrypt hash is stored.
type Account struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"` // stored lowercase
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	Permissions  []string  `json:"permissions"`
	Active       bool      `json:"active"`
	FailedLogins int       `json:"-"`
	LastFailedAt time.Time `json:"-"`
	LastLoginAt  time.Time `json:"last_login_at,omitzero"`
	LastLoginIP  string    `json:"last_login_ip,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// LockedUntil returns when the current lockout ends, or the zero time when
// the account is not locked.
func (a Account) LockedUntil() time.Time {
	if a.FailedLogins < MaxLoginFailures {
		return time.Time{}
	}
	return a.LastFailedAt.Add(LockoutWindow)
}

// Locked reports whether the account is locked out at the given instant.
func (a Account) Locked(now time.Time) bool {
	until := a.LockedUntil()
	return !until.IsZero() && now.Before(until)
}

// HasPermission reports whether the account holds the named flag.
func (a Account) HasPermission(flag string) bool {
	for _, p := range a.Permissions {
		if p == flag {
			return true
		}
	}
	return false
}

// RefreshToken is the persisted half of an issued refresh token. Only the
// SHA-256 of the signed token is stored.
type RefreshToken struct {
	ID        string
	AccountID string
	TokenHash string
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}
