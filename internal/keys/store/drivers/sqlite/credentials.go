package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/tanglewood/keywarden/internal/keys/domain"
	"github.com/tanglewood/keywarden/internal/keys/store"
)

const credentialColumns = `id, owner_id, display_name, secret_hash, secret_prefix,
	status, rotation_policy, expires_at, usage_count, last_used_at,
	supersedes_id, superseded_by_id, revoked_at, revocation_reason,
	created_at, updated_at`

type credentialsRepo struct {
	db dbtx
}

func (r *credentialsRepo) CreateCredential(ctx context.Context, c domain.Credential) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO credentials (
			id, owner_id, display_name, secret_hash, secret_prefix,
			status, rotation_policy, expires_at, usage_count, last_used_at,
			supersedes_id, superseded_by_id, revoked_at, revocation_reason,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OwnerID, c.DisplayName, c.SecretHash, c.SecretPrefix,
		string(c.Status), string(c.RotationPolicy), formatTimePtr(c.ExpiresAt),
		c.UsageCount, formatTimePtr(c.LastUsedAt),
		c.SupersedesID, c.SupersededByID, formatTimePtr(c.RevokedAt),
		c.RevocationReason, formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return store.ErrDuplicateHash
	}
	return err
}

func (r *credentialsRepo) GetCredentialByID(ctx context.Context, id string) (domain.Credential, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)
	return scanCredential(row)
}

func (r *credentialsRepo) GetCredentialByHash(ctx context.Context, hash string) (domain.Credential, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE secret_hash = ?`, hash)
	return scanCredential(row)
}

func (r *credentialsRepo) ListCredentialsByOwner(ctx context.Context, ownerID string) ([]domain.Credential, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials
		 WHERE owner_id = ? ORDER BY created_at ASC, id ASC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []domain.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

func (r *credentialsRepo) UpdateDisplayName(ctx context.Context, id, displayName string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE credentials SET display_name = ?, updated_at = ? WHERE id = ?`,
		displayName, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *credentialsRepo) MarkRotated(ctx context.Context, id, supersededByID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE credentials
		SET status = ?, superseded_by_id = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(domain.StatusRotated), supersededByID, formatTime(at),
		id, string(domain.StatusActive),
	)
	if err != nil {
		return err
	}
	return r.mapConditionalUpdate(ctx, res, id)
}

func (r *credentialsRepo) MarkRevoked(ctx context.Context, id, reason string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE credentials
		SET status = ?, revoked_at = ?, revocation_reason = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(domain.StatusRevoked), formatTime(at), reason, formatTime(at),
		id, string(domain.StatusActive),
	)
	if err != nil {
		return err
	}
	return r.mapConditionalUpdate(ctx, res, id)
}

// mapConditionalUpdate distinguishes "row missing" from "row no longer
// active" after a zero-row conditional update.
func (r *credentialsRepo) mapConditionalUpdate(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var one int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM credentials WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return store.ErrInvalidTransition
}

func (r *credentialsRepo) IncrementUsage(ctx context.Context, id string, at time.Time) error {
	// usage_count = usage_count + 1 executes as one indivisible statement
	// inside the engine, so concurrent increments never read a stale
	// counter. A zero-row result (unknown id) is deliberately ignored.
	_, err := r.db.ExecContext(ctx, `
		UPDATE credentials
		SET usage_count = usage_count + 1, last_used_at = ?, updated_at = ?
		WHERE id = ?`,
		formatTime(at), formatTime(at), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (domain.Credential, error) {
	var (
		c          domain.Credential
		status     string
		policy     string
		expiresAt  sql.NullString
		lastUsedAt sql.NullString
		revokedAt  sql.NullString
		createdAt  string
		updatedAt  string
	)

	err := row.Scan(
		&c.ID, &c.OwnerID, &c.DisplayName, &c.SecretHash, &c.SecretPrefix,
		&status, &policy, &expiresAt, &c.UsageCount, &lastUsedAt,
		&c.SupersedesID, &c.SupersededByID, &revokedAt, &c.RevocationReason,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return domain.Credential{}, mapNotFound(err)
	}

	c.Status = domain.Status(status)
	c.RotationPolicy = domain.RotationPolicy(policy)
	c.ExpiresAt = parseTimePtr(expiresAt)
	c.LastUsedAt = parseTimePtr(lastUsedAt)
	c.RevokedAt = parseTimePtr(revokedAt)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}
