package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tanglewood/keywarden/internal/keys/domain"
	"github.com/tanglewood/keywarden/internal/keys/health"
	"github.com/tanglewood/keywarden/internal/keys/store"
	"github.com/tanglewood/keywarden/pkg/idx"
	"github.com/tanglewood/keywarden/pkg/slogx"
)

// Operation kinds passed to the rate gate.
const (
	OpCreate = "credential.create"
	OpRotate = "credential.rotate"
)

const (
	// maxKeygenAttempts bounds regeneration after a secret_hash collision.
	// With 256-bit secrets a single collision is already an operational
	// alarm; three in a row means something is deeply wrong.
	maxKeygenAttempts = 3

	// hashLookupAttempts and hashLookupBackoff bound the retry of the
	// verification read on transient storage errors. Reads are idempotent;
	// mutations are never blindly retried.
	hashLookupAttempts = 3
	hashLookupBackoff  = 25 * time.Millisecond
)

var (
	// ErrNotFound covers both "no such credential" and "not your
	// credential" so callers cannot probe which ids exist. The precise
	// cause is logged and audited internally.
	ErrNotFound = errors.New("credential_not_found")

	ErrInvalidState     = errors.New("credential_not_active")
	ErrExpired          = errors.New("credential_expired")
	ErrRevoked          = errors.New("credential_revoked")
	ErrRateLimited      = errors.New("rate_limited")
	ErrInvalidPolicy    = errors.New("invalid_rotation_policy")
	ErrReasonRequired   = errors.New("revocation_reason_required")
	ErrExhaustedRetries = errors.New("secret_generation_retries_exhausted")
)

// SecretSource produces opaque secrets and their stored representation.
// cryptox.Codec is the production implementation; tests substitute fixed
// outputs to force hash collisions.
type SecretSource interface {
	Generate() (secret, prefix string, err error)
	Derive(secret string) string
}

// RateGate throttles lifecycle operations per principal. Consumed, not
// owned: the lifecycle only ever asks a yes/no question.
type RateGate interface {
	Allow(principalID, operation string) bool
}

// AuditSink records security events. Implementations must be best-effort:
// Record never returns an error and never aborts the triggering operation.
type AuditSink interface {
	Record(ctx context.Context, kind domain.EventKind, actorID, subjectID, description string, metadata map[string]string)
}

// CredentialService orchestrates the credential lifecycle: create, rotate,
// revoke, verify. It owns every invariant the store cannot express on its
// own and emits an audit event for each security-relevant action.
type CredentialService struct {
	Store   store.Store
	Secrets SecretSource
	Audit   AuditSink
	Gate    RateGate
	Usage   *UsageRecorder

	// Now returns the current time. Tests override it to drive expiry;
	// nil means time.Now.
	Now func() time.Time
}

func (s *CredentialService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Create mints a new credential for ownerID and returns it together with
// the plaintext secret. The plaintext is returned exactly once, here; only
// the derived hash and display prefix are ever recoverable afterwards.
// expiresInDays of 0 means the credential never expires.
func (s *CredentialService) Create(
	ctx context.Context,
	ownerID, displayName string,
	policy domain.RotationPolicy,
	expiresInDays int,
) (domain.Credential, string, error) {
	l := slogx.FromContext(ctx)

	if s.Gate != nil && !s.Gate.Allow(ownerID, OpCreate) {
		health.RecordLifecycleOp(OpCreate, "rate_limited")
		return domain.Credential{}, "", ErrRateLimited
	}

	if !policy.Valid() {
		return domain.Credential{}, "", ErrInvalidPolicy
	}

	now := s.now()
	var expiresAt *time.Time
	if expiresInDays > 0 {
		t := now.Add(time.Duration(expiresInDays) * 24 * time.Hour)
		expiresAt = &t
	}

	for attempt := 1; attempt <= maxKeygenAttempts; attempt++ {
		secret, prefix, err := s.Secrets.Generate()
		if err != nil {
			// Entropy failure is fatal; never fall back to a weaker source.
			return domain.Credential{}, "", err
		}

		cred := domain.Credential{
			ID:             idx.New().String(),
			OwnerID:        ownerID,
			DisplayName:    displayName,
			SecretHash:     s.Secrets.Derive(secret),
			SecretPrefix:   prefix,
			Status:         domain.StatusActive,
			RotationPolicy: policy,
			ExpiresAt:      expiresAt,
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		err = s.Store.Credentials().CreateCredential(ctx, cred)
		if errors.Is(err, store.ErrDuplicateHash) {
			// Astronomically unlikely with 256-bit secrets, but handled,
			// not assumed impossible.
			l.Warn("secret hash collision on insert, regenerating",
				slog.Int("attempt", attempt))
			continue
		}
		if err != nil {
			health.RecordLifecycleOp(OpCreate, "error")
			return domain.Credential{}, "", err
		}

		s.audit(ctx, domain.EventCredentialCreated, ownerID, cred.ID,
			"credential created", map[string]string{
				"prefix": cred.SecretPrefix,
				"policy": string(cred.RotationPolicy),
			})
		health.RecordLifecycleOp(OpCreate, "ok")
		return cred, secret, nil
	}

	l.Error("exhausted secret generation retries",
		slog.Int("attempts", maxKeygenAttempts),
		slog.String("owner_id", ownerID))
	health.RecordLifecycleOp(OpCreate, "exhausted_retries")
	return domain.Credential{}, "", ErrExhaustedRetries
}

// Rotate replaces an active credential with a freshly minted one, linking
// the two rows in both directions. The replacement insert and the old
// row's flip to rotated commit as one transaction: a crash or a concurrent
// rotation can never leave two working secrets or none. The concurrent
// loser observes ErrInvalidState.
func (s *CredentialService) Rotate(
	ctx context.Context,
	credentialID, requestingOwnerID string,
) (domain.Credential, string, error) {
	if s.Gate != nil && !s.Gate.Allow(requestingOwnerID, OpRotate) {
		health.RecordLifecycleOp(OpRotate, "rate_limited")
		return domain.Credential{}, "", ErrRateLimited
	}

	old, err := s.ownedCredential(ctx, credentialID, requestingOwnerID)
	if err != nil {
		return domain.Credential{}, "", err
	}
	if old.Status != domain.StatusActive {
		health.RecordLifecycleOp(OpRotate, "invalid_state")
		return domain.Credential{}, "", ErrInvalidState
	}

	now := s.now()

	var (
		replacement domain.Credential
		plaintext   string
	)
	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		inserted := false
		for attempt := 1; attempt <= maxKeygenAttempts; attempt++ {
			secret, prefix, err := s.Secrets.Generate()
			if err != nil {
				return err
			}

			cred := domain.Credential{
				ID:             idx.New().String(),
				OwnerID:        old.OwnerID,
				DisplayName:    old.DisplayName,
				SecretHash:     s.Secrets.Derive(secret),
				SecretPrefix:   prefix,
				Status:         domain.StatusActive,
				RotationPolicy: old.RotationPolicy,
				ExpiresAt:      rotatedExpiry(old, now),
				SupersedesID:   old.ID,
				CreatedAt:      now,
				UpdatedAt:      now,
			}

			err = tx.Credentials().CreateCredential(ctx, cred)
			if errors.Is(err, store.ErrDuplicateHash) {
				slogx.FromContext(ctx).Warn("secret hash collision on rotate, regenerating",
					slog.Int("attempt", attempt))
				continue
			}
			if err != nil {
				return err
			}

			replacement = cred
			plaintext = secret
			inserted = true
			break
		}
		if !inserted {
			return ErrExhaustedRetries
		}

		// Conditional flip: succeeds only while the old row is still
		// active. Losing this race rolls the whole transaction back,
		// replacement insert included.
		if err := tx.Credentials().MarkRotated(ctx, old.ID, replacement.ID, now); err != nil {
			if errors.Is(err, store.ErrInvalidTransition) {
				return ErrInvalidState
			}
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			health.RecordLifecycleOp(OpRotate, "invalid_state")
		} else {
			health.RecordLifecycleOp(OpRotate, "error")
		}
		return domain.Credential{}, "", err
	}

	replacement.SupersedesID = old.ID
	s.audit(ctx, domain.EventCredentialRotated, requestingOwnerID, replacement.ID,
		"credential rotated", map[string]string{
			"supersedes": old.ID,
			"prefix":     replacement.SecretPrefix,
		})
	health.RecordLifecycleOp(OpRotate, "ok")
	return replacement, plaintext, nil
}

// rotatedExpiry re-derives the expiry window for a replacement credential:
// the old credential's original lifetime, measured from rotation time.
func rotatedExpiry(old domain.Credential, now time.Time) *time.Time {
	if old.ExpiresAt == nil {
		return nil
	}
	t := now.Add(old.ExpiresAt.Sub(old.CreatedAt))
	return &t
}

// Revoke permanently invalidates an active credential. Terminal and never
// idempotent: revoking an already-revoked (or rotated) credential fails
// with ErrInvalidState, because a repeated revocation attempt is itself a
// signal worth surfacing.
func (s *CredentialService) Revoke(
	ctx context.Context,
	credentialID, requestingOwnerID, reason string,
) error {
	if reason == "" {
		return ErrReasonRequired
	}

	cred, err := s.ownedCredential(ctx, credentialID, requestingOwnerID)
	if err != nil {
		return err
	}

	if err := s.Store.Credentials().MarkRevoked(ctx, cred.ID, reason, s.now()); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			health.RecordLifecycleOp("credential.revoke", "invalid_state")
			return ErrInvalidState
		}
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		health.RecordLifecycleOp("credential.revoke", "error")
		return err
	}

	s.audit(ctx, domain.EventCredentialRevoked, requestingOwnerID, cred.ID,
		"credential revoked", map[string]string{
			"prefix": cred.SecretPrefix,
			"reason": reason,
		})
	health.RecordLifecycleOp("credential.revoke", "ok")
	return nil
}

// Verify authenticates a presented plaintext secret. On success it returns
// the credential for downstream authorization and schedules the usage
// increment off the hot path; the caller's latency budget is one indexed
// lookup. Rejected presentations never touch the usage counter.
func (s *CredentialService) Verify(ctx context.Context, plaintext string) (domain.Credential, error) {
	started := time.Now()

	cred, err := s.findByHash(ctx, s.Secrets.Derive(plaintext))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			health.RecordVerify("not_found", time.Since(started).Seconds())
			return domain.Credential{}, ErrNotFound
		}
		health.RecordVerify("error", time.Since(started).Seconds())
		return domain.Credential{}, err
	}

	switch cred.Status {
	case domain.StatusRevoked:
		health.RecordVerify("revoked", time.Since(started).Seconds())
		return domain.Credential{}, ErrRevoked
	case domain.StatusRotated:
		// A rotated-out secret is as dead as a revoked one; callers see
		// the same rejection.
		health.RecordVerify("rotated", time.Since(started).Seconds())
		return domain.Credential{}, ErrRevoked
	}

	if cred.Expired(s.now()) {
		health.RecordVerify("expired", time.Since(started).Seconds())
		return domain.Credential{}, ErrExpired
	}

	s.recordUsage(ctx, cred.ID)
	health.RecordVerify("ok", time.Since(started).Seconds())
	return cred, nil
}

// findByHash retries the indexed lookup on transient storage errors with
// bounded backoff. ErrNotFound is a definitive answer, not a fault, and is
// returned immediately.
func (s *CredentialService) findByHash(ctx context.Context, hash string) (domain.Credential, error) {
	var lastErr error
	for attempt := 1; attempt <= hashLookupAttempts; attempt++ {
		cred, err := s.Store.Credentials().GetCredentialByHash(ctx, hash)
		if err == nil || errors.Is(err, store.ErrNotFound) {
			return cred, err
		}
		lastErr = err

		slogx.FromContext(ctx).Warn("credential lookup failed, retrying",
			slog.Int("attempt", attempt), slog.Any("error", err))

		select {
		case <-ctx.Done():
			return domain.Credential{}, ctx.Err()
		case <-time.After(time.Duration(attempt) * hashLookupBackoff):
		}
	}
	return domain.Credential{}, lastErr
}

func (s *CredentialService) recordUsage(ctx context.Context, id string) {
	if s.Usage != nil {
		s.Usage.Record(id, s.now())
		return
	}

	// No recorder wired (tests, one-shot tools): apply inline but still
	// swallow failures, usage recording never fails an authenticated
	// request.
	if err := s.Store.Credentials().IncrementUsage(ctx, id, s.now()); err != nil {
		slogx.FromContext(ctx).Error("usage increment failed",
			slog.String("credential_id", id), slog.Any("error", err))
	}
}

// ListByOwner returns all of an owner's credentials, every status, in
// creation order.
func (s *CredentialService) ListByOwner(ctx context.Context, ownerID string) ([]domain.Credential, error) {
	return s.Store.Credentials().ListCredentialsByOwner(ctx, ownerID)
}

// Rename updates the human-assigned label. The display name is the only
// owner-mutable field on a credential.
func (s *CredentialService) Rename(ctx context.Context, credentialID, requestingOwnerID, displayName string) error {
	cred, err := s.ownedCredential(ctx, credentialID, requestingOwnerID)
	if err != nil {
		return err
	}

	if err := s.Store.Credentials().UpdateDisplayName(ctx, cred.ID, displayName); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	s.audit(ctx, domain.EventCredentialRenamed, requestingOwnerID, cred.ID,
		"credential renamed", map[string]string{"display_name": displayName})
	return nil
}

// ownedCredential loads a credential and enforces ownership before any
// mutation. A mismatch is logged precisely, audited as an access-denied
// event, and reported to the caller as the same ErrNotFound a nonexistent
// id produces, so unauthorized callers learn nothing about which ids exist.
func (s *CredentialService) ownedCredential(ctx context.Context, id, requestingOwnerID string) (domain.Credential, error) {
	cred, err := s.Store.Credentials().GetCredentialByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Credential{}, ErrNotFound
		}
		return domain.Credential{}, err
	}

	if cred.OwnerID != requestingOwnerID {
		slogx.FromContext(ctx).Warn("credential ownership mismatch",
			slog.String("credential_id", cred.ID),
			slog.String("owner_id", cred.OwnerID),
			slog.String("requesting_owner_id", requestingOwnerID))
		s.audit(ctx, domain.EventCredentialAccessDenied, requestingOwnerID, cred.ID,
			"operation on credential owned by another principal", nil)
		return domain.Credential{}, ErrNotFound
	}
	return cred, nil
}

func (s *CredentialService) audit(
	ctx context.Context,
	kind domain.EventKind,
	actorID, subjectID, description string,
	metadata map[string]string,
) {
	if s.Audit == nil {
		return
	}
	s.Audit.Record(ctx, kind, actorID, subjectID, description, metadata)
}
