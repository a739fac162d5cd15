package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tanglewood/keywarden/internal/keys/domain"
	"github.com/tanglewood/keywarden/internal/keys/store"
	"github.com/tanglewood/keywarden/internal/keys/store/drivers/sqlite"
	"github.com/tanglewood/keywarden/pkg/cryptox"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()

	st, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.ApplyMigrations())
	return st
}

func newTestService(t *testing.T) (*CredentialService, *sqlite.Store) {
	t.Helper()

	st := newTestStore(t)
	codec, err := cryptox.NewCodec([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	svc := &CredentialService{
		Store:   st,
		Secrets: codec,
		Audit:   &AuditLog{Store: st},
	}
	return svc, st
}

func auditEvents(t *testing.T, st *sqlite.Store, kind domain.EventKind) []domain.AuditEvent {
	t.Helper()
	events, err := st.AuditEvents().ListAuditEvents(context.Background(), store.AuditFilter{Kind: kind})
	require.NoError(t, err)
	return events
}

// scriptedSecrets replays a fixed sequence of secrets, repeating the last
// one forever. Lets tests force hash collisions the real codec cannot
// produce.
type scriptedSecrets struct {
	mu      sync.Mutex
	secrets []string
	next    int
}

func (s *scriptedSecrets) Generate() (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.next
	if i >= len(s.secrets) {
		i = len(s.secrets) - 1
	}
	s.next++
	secret := s.secrets[i]
	return secret, secret[:cryptox.PrefixLen], nil
}

func (s *scriptedSecrets) Derive(secret string) string {
	return "fp_" + secret
}

type failingSecrets struct{}

func (failingSecrets) Generate() (string, string, error) {
	return "", "", cryptox.ErrEntropyUnavailable
}

func (failingSecrets) Derive(secret string) string { return "fp_" + secret }

// denyGate refuses every operation.
type denyGate struct{}

func (denyGate) Allow(string, string) bool { return false }

func TestCreate(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	cred, plaintext, err := svc.Create(ctx, "owner-1", "ci deploy key", domain.Rotate90d, 365)
	require.NoError(t, err)

	require.NotEmpty(t, cred.ID)
	require.Equal(t, "owner-1", cred.OwnerID)
	require.Equal(t, domain.StatusActive, cred.Status)
	require.Equal(t, domain.Rotate90d, cred.RotationPolicy)
	require.NotNil(t, cred.ExpiresAt)

	// The plaintext is handed out exactly once; only its hash and prefix
	// are persisted.
	require.Len(t, plaintext, 43)
	require.Equal(t, plaintext[:cryptox.PrefixLen], cred.SecretPrefix)
	require.NotEqual(t, plaintext, cred.SecretHash)

	stored, err := st.Credentials().GetCredentialByID(ctx, cred.ID)
	require.NoError(t, err)
	require.NotContains(t, stored.SecretHash, plaintext)

	t.Run("audit event", func(t *testing.T) {
		events := auditEvents(t, st, domain.EventCredentialCreated)
		require.Len(t, events, 1)
		require.Equal(t, cred.ID, events[0].SubjectID)
		require.Equal(t, "owner-1", events[0].ActorID)
		require.Equal(t, cred.SecretPrefix, events[0].Metadata["prefix"])
		// Never the plaintext or the hash.
		for _, v := range events[0].Metadata {
			require.NotEqual(t, plaintext, v)
			require.NotEqual(t, cred.SecretHash, v)
		}
	})

	t.Run("no expiry when zero days", func(t *testing.T) {
		c, _, err := svc.Create(ctx, "owner-1", "forever key", domain.RotateNever, 0)
		require.NoError(t, err)
		require.Nil(t, c.ExpiresAt)
	})

	t.Run("invalid policy rejected", func(t *testing.T) {
		_, _, err := svc.Create(ctx, "owner-1", "bad", domain.RotationPolicy("7y"), 0)
		require.ErrorIs(t, err, ErrInvalidPolicy)
	})
}

func TestCreateRateLimited(t *testing.T) {
	svc, _ := newTestService(t)
	svc.Gate = denyGate{}

	_, _, err := svc.Create(context.Background(), "owner-1", "key", domain.RotateNever, 0)
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestCreateEntropyFailureIsFatal(t *testing.T) {
	svc, _ := newTestService(t)
	svc.Secrets = failingSecrets{}

	_, _, err := svc.Create(context.Background(), "owner-1", "key", domain.RotateNever, 0)
	require.ErrorIs(t, err, cryptox.ErrEntropyUnavailable)
}

func TestCreateHashCollision(t *testing.T) {
	ctx := context.Background()

	t.Run("retries onto a fresh secret", func(t *testing.T) {
		svc, st := newTestService(t)
		svc.Secrets = &scriptedSecrets{secrets: []string{
			"collide-secret-1", "collide-secret-1", "distinct-secret-2",
		}}

		first, _, err := svc.Create(ctx, "owner-1", "first", domain.RotateNever, 0)
		require.NoError(t, err)

		// Second create regenerates after the forced collision and lands
		// on the distinct secret; the first row is never overwritten.
		second, _, err := svc.Create(ctx, "owner-1", "second", domain.RotateNever, 0)
		require.NoError(t, err)
		require.NotEqual(t, first.SecretHash, second.SecretHash)

		got, err := st.Credentials().GetCredentialByHash(ctx, first.SecretHash)
		require.NoError(t, err)
		require.Equal(t, first.ID, got.ID)
	})

	t.Run("exhausts bounded retries", func(t *testing.T) {
		svc, _ := newTestService(t)
		svc.Secrets = &scriptedSecrets{secrets: []string{"collide-secret-1"}}

		_, _, err := svc.Create(ctx, "owner-1", "first", domain.RotateNever, 0)
		require.NoError(t, err)

		_, _, err = svc.Create(ctx, "owner-1", "second", domain.RotateNever, 0)
		require.ErrorIs(t, err, ErrExhaustedRetries)
	})
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	cred, plaintext, err := svc.Create(ctx, "owner-1", "key", domain.Rotate90d, 0)
	require.NoError(t, err)

	t.Run("success increments usage", func(t *testing.T) {
		got, err := svc.Verify(ctx, plaintext)
		require.NoError(t, err)
		require.Equal(t, cred.ID, got.ID)

		stored, err := st.Credentials().GetCredentialByID(ctx, cred.ID)
		require.NoError(t, err)
		require.EqualValues(t, 1, stored.UsageCount)
		require.NotNil(t, stored.LastUsedAt)
	})

	t.Run("unknown secret", func(t *testing.T) {
		_, err := svc.Verify(ctx, "kw_totally_unknown_secret_value_here_12345")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("revoked secret", func(t *testing.T) {
		rcred, rplain, err := svc.Create(ctx, "owner-1", "doomed", domain.RotateNever, 0)
		require.NoError(t, err)
		require.NoError(t, svc.Revoke(ctx, rcred.ID, "owner-1", "compromised"))

		_, err = svc.Verify(ctx, rplain)
		require.ErrorIs(t, err, ErrRevoked)

		// Rejection must not touch the counter.
		stored, err := st.Credentials().GetCredentialByID(ctx, rcred.ID)
		require.NoError(t, err)
		require.Zero(t, stored.UsageCount)
	})

	t.Run("expired secret", func(t *testing.T) {
		current := time.Now()
		svc.Now = func() time.Time { return current }
		t.Cleanup(func() { svc.Now = nil })

		ecred, eplain, err := svc.Create(ctx, "owner-1", "short lived", domain.RotateNever, 30)
		require.NoError(t, err)

		_, err = svc.Verify(ctx, eplain)
		require.NoError(t, err)

		// Simulated clock past expiry: status is still active but
		// verification must reject.
		current = current.Add(31 * 24 * time.Hour)
		_, err = svc.Verify(ctx, eplain)
		require.ErrorIs(t, err, ErrExpired)

		stored, err := st.Credentials().GetCredentialByID(ctx, ecred.ID)
		require.NoError(t, err)
		require.Equal(t, domain.StatusActive, stored.Status)
		require.EqualValues(t, 1, stored.UsageCount)
	})
}

func TestVerifyConcurrentUsageAccounting(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	cred, plaintext, err := svc.Create(ctx, "owner-1", "busy key", domain.RotateNever, 0)
	require.NoError(t, err)

	const n = 100
	var wg sync.WaitGroup
	errs := make(chan error, n)

	for j := 0; j < n; j++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Verify(ctx, plaintext)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	stored, err := st.Credentials().GetCredentialByID(ctx, cred.ID)
	require.NoError(t, err)
	require.EqualValues(t, n, stored.UsageCount, "concurrent increments must not be lost")
}

func TestRotate(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	old, oldPlaintext, err := svc.Create(ctx, "owner-1", "api key", domain.Rotate30d, 90)
	require.NoError(t, err)

	replacement, newPlaintext, err := svc.Rotate(ctx, old.ID, "owner-1")
	require.NoError(t, err)
	require.NotEqual(t, old.ID, replacement.ID)
	require.NotEqual(t, oldPlaintext, newPlaintext)

	t.Run("rows linked both ways", func(t *testing.T) {
		storedOld, err := st.Credentials().GetCredentialByID(ctx, old.ID)
		require.NoError(t, err)
		require.Equal(t, domain.StatusRotated, storedOld.Status)
		require.Equal(t, replacement.ID, storedOld.SupersededByID)

		storedNew, err := st.Credentials().GetCredentialByID(ctx, replacement.ID)
		require.NoError(t, err)
		require.Equal(t, domain.StatusActive, storedNew.Status)
		require.Equal(t, old.ID, storedNew.SupersedesID)
	})

	t.Run("inherits label and policy", func(t *testing.T) {
		require.Equal(t, "api key", replacement.DisplayName)
		require.Equal(t, domain.Rotate30d, replacement.RotationPolicy)
		require.NotNil(t, replacement.ExpiresAt)
	})

	t.Run("old secret stops working, new one works", func(t *testing.T) {
		_, err := svc.Verify(ctx, oldPlaintext)
		require.ErrorIs(t, err, ErrRevoked)

		got, err := svc.Verify(ctx, newPlaintext)
		require.NoError(t, err)
		require.Equal(t, replacement.ID, got.ID)
	})

	t.Run("exactly one rotation audit event", func(t *testing.T) {
		events := auditEvents(t, st, domain.EventCredentialRotated)
		require.Len(t, events, 1)
		require.Equal(t, replacement.ID, events[0].SubjectID)
		require.Equal(t, old.ID, events[0].Metadata["supersedes"])
	})

	t.Run("second rotation of the same source fails", func(t *testing.T) {
		_, _, err := svc.Rotate(ctx, old.ID, "owner-1")
		require.ErrorIs(t, err, ErrInvalidState)
	})
}

func TestRotateConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	cred, _, err := svc.Create(ctx, "owner-1", "contested", domain.RotateNever, 0)
	require.NoError(t, err)

	type result struct {
		cred domain.Credential
		err  error
	}

	results := make(chan result, 2)
	var wg sync.WaitGroup
	for j := 0; j < 2; j++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, _, err := svc.Rotate(ctx, cred.ID, "owner-1")
			results <- result{cred: c, err: err}
		}()
	}
	wg.Wait()
	close(results)

	var wins, losses int
	for r := range results {
		if r.err == nil {
			wins++
		} else {
			require.ErrorIs(t, r.err, ErrInvalidState)
			losses++
		}
	}
	require.Equal(t, 1, wins, "exactly one rotation may win")
	require.Equal(t, 1, losses)

	// The loser's replacement row must not survive: one active credential
	// total.
	creds, err := st.Credentials().ListCredentialsByOwner(ctx, "owner-1")
	require.NoError(t, err)

	var active int
	for _, c := range creds {
		if c.Status == domain.StatusActive {
			active++
		}
	}
	require.Equal(t, 1, active)
	require.Len(t, creds, 2, "only the winner's insert may be committed")
}

func TestRotateRateLimited(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	cred, _, err := svc.Create(ctx, "owner-1", "key", domain.RotateNever, 0)
	require.NoError(t, err)

	svc.Gate = denyGate{}
	_, _, err = svc.Rotate(ctx, cred.ID, "owner-1")
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	cred, plaintext, err := svc.Create(ctx, "owner-1", "key", domain.RotateNever, 0)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, cred.ID, "owner-1", "employee offboarded"))

	stored, err := st.Credentials().GetCredentialByID(ctx, cred.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRevoked, stored.Status)
	require.Equal(t, "employee offboarded", stored.RevocationReason)
	require.NotNil(t, stored.RevokedAt)

	_, err = svc.Verify(ctx, plaintext)
	require.ErrorIs(t, err, ErrRevoked)

	t.Run("never silently idempotent", func(t *testing.T) {
		err := svc.Revoke(ctx, cred.ID, "owner-1", "again")
		require.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("reason required", func(t *testing.T) {
		other, _, err := svc.Create(ctx, "owner-1", "another", domain.RotateNever, 0)
		require.NoError(t, err)
		require.ErrorIs(t, svc.Revoke(ctx, other.ID, "owner-1", ""), ErrReasonRequired)
	})

	t.Run("audit event", func(t *testing.T) {
		events := auditEvents(t, st, domain.EventCredentialRevoked)
		require.Len(t, events, 1)
		require.Equal(t, cred.ID, events[0].SubjectID)
		require.Equal(t, "employee offboarded", events[0].Metadata["reason"])
	})
}

func TestOwnershipIsolation(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	cred, _, err := svc.Create(ctx, "owner-1", "key", domain.RotateNever, 0)
	require.NoError(t, err)

	// An unauthorized caller must see the same error for "exists but not
	// mine" and "does not exist": no existence oracle.
	_, _, rotateErr := svc.Rotate(ctx, cred.ID, "intruder")
	require.ErrorIs(t, rotateErr, ErrNotFound)

	_, _, missingErr := svc.Rotate(ctx, "no-such-id", "intruder")
	require.ErrorIs(t, missingErr, ErrNotFound)
	require.Equal(t, missingErr, rotateErr)

	require.ErrorIs(t, svc.Revoke(ctx, cred.ID, "intruder", "mine now"), ErrNotFound)
	require.ErrorIs(t, svc.Rename(ctx, cred.ID, "intruder", "stolen"), ErrNotFound)

	t.Run("no state was mutated", func(t *testing.T) {
		stored, err := st.Credentials().GetCredentialByID(ctx, cred.ID)
		require.NoError(t, err)
		require.Equal(t, domain.StatusActive, stored.Status)
		require.Equal(t, "key", stored.DisplayName)
	})

	t.Run("denials are audited distinctly", func(t *testing.T) {
		events := auditEvents(t, st, domain.EventCredentialAccessDenied)
		require.Len(t, events, 3)
		for _, e := range events {
			require.Equal(t, "intruder", e.ActorID)
			require.Equal(t, cred.ID, e.SubjectID)
		}
	})
}

func TestRename(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	cred, _, err := svc.Create(ctx, "owner-1", "old name", domain.RotateNever, 0)
	require.NoError(t, err)

	require.NoError(t, svc.Rename(ctx, cred.ID, "owner-1", "new name"))

	stored, err := st.Credentials().GetCredentialByID(ctx, cred.ID)
	require.NoError(t, err)
	require.Equal(t, "new name", stored.DisplayName)

	events := auditEvents(t, st, domain.EventCredentialRenamed)
	require.Len(t, events, 1)
}

func TestListByOwner(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	var want []string
	for i := 0; i < 3; i++ {
		c, _, err := svc.Create(ctx, "owner-1", fmt.Sprintf("key %d", i), domain.RotateNever, 0)
		require.NoError(t, err)
		want = append(want, c.ID)
	}
	_, _, err := svc.Create(ctx, "owner-2", "other", domain.RotateNever, 0)
	require.NoError(t, err)

	got, err := svc.ListByOwner(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, c := range got {
		require.Equal(t, want[i], c.ID)
	}
}

// TestCredentialLifecycleScenario walks a full credential lifetime on a
// simulated clock: mint a yearly key on a quarterly rotation cadence, use
// it, watch it expire, and separately rotate one before its expiry.
func TestCredentialLifecycleScenario(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	current := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	svc.Now = func() time.Time { return current }

	cred, plaintext, err := svc.Create(ctx, "acme-ci", "deploy key", domain.Rotate90d, 365)
	require.NoError(t, err)
	require.NotNil(t, cred.ExpiresAt)
	require.Equal(t, current.Add(365*24*time.Hour), *cred.ExpiresAt)

	// Immediate verification succeeds and is counted once.
	got, err := svc.Verify(ctx, plaintext)
	require.NoError(t, err)
	require.Equal(t, cred.ID, got.ID)

	stored, err := st.Credentials().GetCredentialByID(ctx, cred.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, stored.UsageCount)

	// A year and a day later the key is past its expiry; the row is still
	// active but verification rejects.
	current = current.Add(366 * 24 * time.Hour)
	_, err = svc.Verify(ctx, plaintext)
	require.ErrorIs(t, err, ErrExpired)

	// Second key, rotated well before its expiry.
	current = current.Add(time.Hour)
	second, secondPlaintext, err := svc.Create(ctx, "acme-ci", "deploy key v2", domain.Rotate90d, 365)
	require.NoError(t, err)

	current = current.Add(90 * 24 * time.Hour)
	replacement, replacementPlaintext, err := svc.Rotate(ctx, second.ID, "acme-ci")
	require.NoError(t, err)

	_, err = svc.Verify(ctx, secondPlaintext)
	require.ErrorIs(t, err, ErrRevoked)

	got, err = svc.Verify(ctx, replacementPlaintext)
	require.NoError(t, err)
	require.Equal(t, replacement.ID, got.ID)

	// Exactly one rotation event, referencing both halves of the pair.
	events := auditEvents(t, st, domain.EventCredentialRotated)
	require.Len(t, events, 1)
	require.Equal(t, replacement.ID, events[0].SubjectID)
	require.Equal(t, second.ID, events[0].Metadata["supersedes"])

	// The replacement got a fresh 365-day window from rotation time.
	require.NotNil(t, replacement.ExpiresAt)
	require.Equal(t, current.Add(365*24*time.Hour), *replacement.ExpiresAt)
}

// flakyCredentials fails GetCredentialByHash a fixed number of times
// before delegating, simulating transient connection loss.
type flakyCredentials struct {
	store.Credentials
	mu       sync.Mutex
	failures int
}

func (c *flakyCredentials) GetCredentialByHash(ctx context.Context, hash string) (domain.Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failures > 0 {
		c.failures--
		return domain.Credential{}, errors.New("connection reset")
	}
	return c.Credentials.GetCredentialByHash(ctx, hash)
}

type flakyStore struct {
	store.Store
	creds *flakyCredentials
}

func (s *flakyStore) Credentials() store.Credentials { return s.creds }

func TestVerifyRetriesTransientReads(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	_, plaintext, err := svc.Create(ctx, "owner-1", "key", domain.RotateNever, 0)
	require.NoError(t, err)

	flaky := &flakyCredentials{Credentials: st.Credentials(), failures: 2}
	svc.Store = &flakyStore{Store: st, creds: flaky}

	// Two transient failures fit inside the retry budget.
	_, err = svc.Verify(ctx, plaintext)
	require.NoError(t, err)

	// Three do not; the error surfaces instead of retrying forever.
	flaky.mu.Lock()
	flaky.failures = hashLookupAttempts
	flaky.mu.Unlock()

	_, err = svc.Verify(ctx, plaintext)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
}
