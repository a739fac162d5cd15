package store

import (
	"context"
	"errors"
	"time"

	"github.com/tanglewood/keywarden/internal/keys/domain"
)

var (
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateHash reports a secret_hash collision on insert. The
	// uniqueness index is enforced by the storage engine itself, never by
	// application-level check-then-insert, so a collision can only ever
	// surface here. Callers regenerate and retry.
	ErrDuplicateHash = errors.New("store: duplicate secret hash")

	// ErrInvalidTransition reports a status transition attempted on a row
	// that is no longer active. Conditional updates make losing a
	// transition race indistinguishable from any other illegal transition,
	// which is exactly what the lifecycle wants.
	ErrInvalidTransition = errors.New("store: invalid state transition")
)

// Store is the root data access interface. Concrete drivers (sqlite,
// postgres) implement this. It exposes sub-repositories to keep concerns
// tidy and testable.
type Store interface {
	Credentials() Credentials
	AuditEvents() AuditEvents

	ApplyMigrations() error

	// Tx starts a read/write transaction and returns a Tx-scoped Store.
	// The caller MUST call Commit() or Rollback() on the returned Tx.
	Tx(ctx context.Context) (Tx, error)

	// WithTx executes fn within a transaction: rolled back if fn errors,
	// committed otherwise. Use it for multi-row operations that must be
	// atomic as a unit, e.g. rotation's insert-new + flip-old pair.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases any underlying resources (optional for sqlite).
	Close() error

	// Ping verifies the database connection is still alive.
	Ping(ctx context.Context) error
}

// Tx is a transactional store. It embeds the same repos but adds
// Commit/Rollback.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

type Credentials interface {
	// CreateCredential inserts a new credential (id is provided by the
	// app via ULID). Returns ErrDuplicateHash when secret_hash collides.
	CreateCredential(ctx context.Context, c domain.Credential) error

	// GetCredentialByID returns a credential by id.
	GetCredentialByID(ctx context.Context, id string) (domain.Credential, error)

	// GetCredentialByHash is the indexed exact-match lookup on the
	// verification hot path.
	GetCredentialByHash(ctx context.Context, hash string) (domain.Credential, error)

	// ListCredentialsByOwner returns all of one owner's credentials in
	// creation order, regardless of status.
	ListCredentialsByOwner(ctx context.Context, ownerID string) ([]domain.Credential, error)

	// UpdateDisplayName mutates the display_name and bumps updated_at.
	UpdateDisplayName(ctx context.Context, id, displayName string) error

	// MarkRotated flips an active credential to rotated and records its
	// replacement. The update is conditional on status still being
	// active; a row that already left active returns ErrInvalidTransition,
	// a missing row returns ErrNotFound.
	MarkRotated(ctx context.Context, id, supersededByID string, at time.Time) error

	// MarkRevoked flips an active credential to revoked with a reason,
	// under the same conditional-update contract as MarkRotated.
	MarkRevoked(ctx context.Context, id, reason string, at time.Time) error

	// IncrementUsage bumps usage_count by one and stamps last_used_at as
	// a single atomic statement. It runs outside any row-state locking so
	// high-frequency verification traffic never contends with rotation or
	// revocation. A missing id is silently ignored: usage recording must
	// never fail an already-authenticated request.
	IncrementUsage(ctx context.Context, id string, at time.Time) error
}

// AuditFilter narrows an audit query. Zero-valued fields are ignored.
type AuditFilter struct {
	Kind    domain.EventKind
	ActorID string
	From    time.Time
	Until   time.Time
	Limit   int
}

type AuditEvents interface {
	// AppendAuditEvent writes one immutable event. There is no update or
	// delete; the table only grows.
	AppendAuditEvent(ctx context.Context, e domain.AuditEvent) error

	// ListAuditEvents returns events matching filter, newest first.
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]domain.AuditEvent, error)
}
