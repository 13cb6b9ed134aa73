package consent

import (
	"time"

	"github.com/google/uuid"
)

// Scope names what a grant allows.
type Scope string

const (
	ScopeRead  Scope = "read"
	ScopeWrite Scope = "write"
	ScopeBTG   Scope = "btg"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeRead, ScopeWrite, ScopeBTG:
		return true
	}
	return false
}

// Grant maps to the consent_grant table. A grant is mutated only by setting
// RevokedAt and is never deleted.
type Grant struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	PatientID uuid.UUID  `db:"patient_id" json:"patient_id"`
	GranteeID string     `db:"grantee_id" json:"grantee_id"`
	Scope     Scope      `db:"scope" json:"scope"`
	GrantedBy string     `db:"granted_by" json:"granted_by"`
	Reason    string     `db:"reason" json:"reason"`
	GrantedAt time.Time  `db:"granted_at" json:"granted_at"`
	ExpiresAt *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	RevokedAt *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
}

// ActiveAt reports whether the grant is un-revoked and unexpired at now.
func (g *Grant) ActiveAt(now time.Time) bool {
	if g == nil || g.RevokedAt != nil {
		return false
	}
	return g.ExpiresAt == nil || g.ExpiresAt.After(now)
}

// BTGStatus is the answer to a break-the-glass status query.
type BTGStatus struct {
	Active    bool       `json:"active"`
	GrantID   *uuid.UUID `json:"grant_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}
