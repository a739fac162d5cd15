package domain

import "time"

// Status is the credential lifecycle state. It is a closed set: values are
// only ever constructed from the constants below and transitions are
// validated with CanTransitionTo, so an invalid state cannot be built.
type Status string

const (
	// StatusActive credentials are the only ones that verify.
	StatusActive Status = "active"
	// StatusRotated credentials were replaced by a successor. Terminal.
	StatusRotated Status = "rotated"
	// StatusRevoked credentials were permanently invalidated. Terminal.
	StatusRevoked Status = "revoked"
)

// Valid reports whether s is a member of the closed set.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusRotated, StatusRevoked:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusRotated || s == StatusRevoked
}

// CanTransitionTo reports whether the s -> next transition is legal.
// Only active -> rotated and active -> revoked exist; nothing leaves a
// terminal state.
func (s Status) CanTransitionTo(next Status) bool {
	return s == StatusActive && next.Terminal()
}

// RotationPolicy is the recommended re-rotation cadence for a credential.
// Advisory only: nothing in the lifecycle enforces it automatically.
type RotationPolicy string

const (
	Rotate30d   RotationPolicy = "30d"
	Rotate90d   RotationPolicy = "90d"
	RotateNever RotationPolicy = "never"
)

// Valid reports whether p is a member of the closed set.
func (p RotationPolicy) Valid() bool {
	switch p {
	case Rotate30d, Rotate90d, RotateNever:
		return true
	}
	return false
}

// Credential is a single long-lived API key record. The plaintext secret
// is never stored; only its derived hash and a short display prefix are.
// Rows are never deleted: rotated and revoked credentials stay behind for
// audit and forensics, they just stop verifying.
type Credential struct {
	ID          string
	OwnerID     string
	DisplayName string

	// SecretHash is the keyed one-way derivation of the secret. Unique
	// across all credentials, immutable once set; rotation creates a new
	// row rather than mutating this.
	SecretHash string

	// SecretPrefix is the leading slice of the plaintext, safe to store
	// and display in clear for human identification.
	SecretPrefix string

	Status         Status
	RotationPolicy RotationPolicy

	// ExpiresAt, when set, invalidates verification past this instant
	// even while Status is still active.
	ExpiresAt *time.Time

	// UsageCount increments exactly once per successful verification.
	UsageCount int64
	LastUsedAt *time.Time

	// SupersedesID / SupersededByID link a rotation pair in both
	// directions. Lookup-only back-references.
	SupersedesID   string
	SupersededByID string

	RevokedAt        *time.Time
	RevocationReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether the credential's absolute expiry has passed.
func (c Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// Verifiable reports whether the credential should authenticate at now.
func (c Credential) Verifiable(now time.Time) bool {
	return c.Status == StatusActive && !c.Expired(now)
}
