package domain

import "time"

// EventKind classifies a security-relevant action in the audit trail.
type EventKind string

const (
	EventCredentialCreated      EventKind = "CREDENTIAL_CREATED"
	EventCredentialRotated      EventKind = "CREDENTIAL_ROTATED"
	EventCredentialRevoked      EventKind = "CREDENTIAL_REVOKED"
	EventCredentialRenamed      EventKind = "CREDENTIAL_RENAMED"
	EventCredentialAccessDenied EventKind = "CREDENTIAL_ACCESS_DENIED"
)

// AuditEvent is one immutable record in the append-only audit trail. An
// event describes that an action happened, independent of whether the
// surrounding business operation ultimately committed.
//
// Metadata must never contain plaintext secrets, derived hashes, or the
// derivation key; display prefixes are fine.
type AuditEvent struct {
	ID          string
	Kind        EventKind
	ActorID     string // principal that performed the action, if known
	SubjectID   string // credential the action targeted, if any
	Description string
	Metadata    map[string]string
	CreatedAt   time.Time
}
