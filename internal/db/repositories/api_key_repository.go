// api_key_repository.go implements APIKeyRepository. The central query is
// GetByDigest: authentication digests the presented token and resolves the
// key plus its owning user in a single indexed join. The repository returns
// matching rows regardless of active/expiry state — the middleware decides
// what to reject, so it can report distinct internal reasons for the same
// 401 response.
package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/sandbox-gateway/sandbox-gateway/internal/db/models"
)

// APIKeyRepository handles API key database operations
type APIKeyRepository struct {
	db *sql.DB
}

// NewAPIKeyRepository creates a new APIKeyRepository
func NewAPIKeyRepository(db *sql.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// Create inserts a new API key row. Only the digest and display prefix of
// the secret are passed in; the plaintext never reaches this layer.
func (r *APIKeyRepository) Create(ctx context.Context, key *models.APIKey) error {
	key.ID = uuid.New().String()
	key.CreatedAt = time.Now()

	query := `
		INSERT INTO api_keys (id, user_id, name, key_digest, key_prefix, is_active, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.ExecContext(ctx, query,
		key.ID,
		key.UserID,
		key.Name,
		key.KeyDigest,
		key.KeyPrefix,
		key.IsActive,
		key.ExpiresAt,
		key.CreatedAt,
	)

	return err
}

// GetByDigest retrieves an API key by its digest, joined to the owning user.
// Returns (nil, nil) when no key matches. Inactive and expired keys ARE
// returned; the caller is responsible for rejecting them.
func (r *APIKeyRepository) GetByDigest(ctx context.Context, digest string) (*models.APIKey, error) {
	query := `
		SELECT k.id, k.user_id, k.name, k.key_digest, k.key_prefix, k.is_active,
		       k.expires_at, k.last_used_at, k.created_at,
		       u.username, u.email, u.is_active AS user_active
		FROM api_keys k
		JOIN users u ON u.id = k.user_id
		WHERE k.key_digest = $1
	`

	key := &models.APIKey{}
	err := r.db.QueryRowContext(ctx, query, digest).Scan(
		&key.ID,
		&key.UserID,
		&key.Name,
		&key.KeyDigest,
		&key.KeyPrefix,
		&key.IsActive,
		&key.ExpiresAt,
		&key.LastUsedAt,
		&key.CreatedAt,
		&key.Username,
		&key.UserEmail,
		&key.UserActive,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return key, nil
}

// GetByID retrieves an API key by its id
func (r *APIKeyRepository) GetByID(ctx context.Context, keyID string) (*models.APIKey, error) {
	query := `
		SELECT id, user_id, name, key_digest, key_prefix, is_active, expires_at, last_used_at, created_at
		FROM api_keys
		WHERE id = $1
	`

	key := &models.APIKey{}
	err := r.db.QueryRowContext(ctx, query, keyID).Scan(
		&key.ID,
		&key.UserID,
		&key.Name,
		&key.KeyDigest,
		&key.KeyPrefix,
		&key.IsActive,
		&key.ExpiresAt,
		&key.LastUsedAt,
		&key.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return key, nil
}

// ListByUser retrieves all API keys belonging to a user, newest first.
func (r *APIKeyRepository) ListByUser(ctx context.Context, userID string) ([]*models.APIKey, error) {
	query := `
		SELECT id, user_id, name, key_digest, key_prefix, is_active, expires_at, last_used_at, created_at
		FROM api_keys
		WHERE user_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]*models.APIKey, 0)
	for rows.Next() {
		key := &models.APIKey{}
		err := rows.Scan(
			&key.ID,
			&key.UserID,
			&key.Name,
			&key.KeyDigest,
			&key.KeyPrefix,
			&key.IsActive,
			&key.ExpiresAt,
			&key.LastUsedAt,
			&key.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}

// Revoke deactivates a key without deleting it, so audit entries referencing
// the key id remain resolvable. Returns sql.ErrNoRows when the key does not
// belong to the given user.
func (r *APIKeyRepository) Revoke(ctx context.Context, keyID, userID string) error {
	query := `UPDATE api_keys SET is_active = FALSE WHERE id = $1 AND user_id = $2`
	res, err := r.db.ExecContext(ctx, query, keyID, userID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Purge hard-deletes a key row, scoped to its owning user. Only used by the
// explicit admin purge endpoint; normal revocation goes through Revoke.
// Returns sql.ErrNoRows when no such key exists for that user.
func (r *APIKeyRepository) Purge(ctx context.Context, keyID, userID string) error {
	query := `DELETE FROM api_keys WHERE id = $1 AND user_id = $2`
	res, err := r.db.ExecContext(ctx, query, keyID, userID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateLastUsed stamps the key's last-used time. Called fire-and-forget from
// the auth middleware; failures are swallowed by the caller.
func (r *APIKeyRepository) UpdateLastUsed(ctx context.Context, keyID string) error {
	query := `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, keyID, time.Now())
	return err
}
