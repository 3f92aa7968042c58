// sandbox_repository.go implements SandboxRepository over sqlx. Sandbox rows
// are scanned by struct tag rather than positional Scan calls; the queries
// are still plain parameterized SQL.
package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sandbox-gateway/sandbox-gateway/internal/db/models"
)

// SandboxRepository handles sandbox ownership-record database operations
type SandboxRepository struct {
	db *sqlx.DB
}

// NewSandboxRepository creates a new SandboxRepository
func NewSandboxRepository(db *sqlx.DB) *SandboxRepository {
	return &SandboxRepository{db: db}
}

// Create inserts a new sandbox ownership record. Concurrent creates of the
// same (owner, name) race here: the uq_sandboxes_owner_name constraint picks
// the winner and the loser's insert comes back as a unique violation, which
// the manager converts to already-exists. Callers must not treat the earlier
// existence check as sufficient.
func (r *SandboxRepository) Create(ctx context.Context, sb *models.Sandbox) error {
	sb.ID = uuid.New().String()
	sb.CreatedAt = time.Now()
	sb.UpdatedAt = sb.CreatedAt

	query := `
		INSERT INTO sandboxes (id, user_id, name, namespace, resource_name, image, created_at, updated_at)
		VALUES (:id, :user_id, :name, :namespace, :resource_name, :image, :created_at, :updated_at)
	`

	_, err := r.db.NamedExecContext(ctx, query, sb)
	return err
}

// GetByOwnerAndName retrieves the sandbox owned by userID with the given
// name. Names are compared exactly as stored; there is no case folding or
// partial matching. Returns (nil, nil) when no such sandbox exists.
func (r *SandboxRepository) GetByOwnerAndName(ctx context.Context, userID, name string) (*models.Sandbox, error) {
	query := `
		SELECT id, user_id, name, namespace, resource_name, image, created_at, updated_at
		FROM sandboxes
		WHERE user_id = $1 AND name = $2
	`

	sb := &models.Sandbox{}
	err := r.db.GetContext(ctx, sb, query, userID, name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sb, nil
}

// ListByOwner retrieves all sandboxes owned by a user, newest first.
func (r *SandboxRepository) ListByOwner(ctx context.Context, userID string) ([]*models.Sandbox, error) {
	query := `
		SELECT id, user_id, name, namespace, resource_name, image, created_at, updated_at
		FROM sandboxes
		WHERE user_id = $1
		ORDER BY created_at DESC
	`

	sandboxes := make([]*models.Sandbox, 0)
	if err := r.db.SelectContext(ctx, &sandboxes, query, userID); err != nil {
		return nil, err
	}
	return sandboxes, nil
}

// ListAll retrieves every sandbox record. Used by the reconciliation sweep to
// compare the ownership store against the orchestrator's object inventory.
func (r *SandboxRepository) ListAll(ctx context.Context) ([]*models.Sandbox, error) {
	query := `
		SELECT id, user_id, name, namespace, resource_name, image, created_at, updated_at
		FROM sandboxes
		ORDER BY namespace, resource_name
	`

	sandboxes := make([]*models.Sandbox, 0)
	if err := r.db.SelectContext(ctx, &sandboxes, query); err != nil {
		return nil, err
	}
	return sandboxes, nil
}

// Delete removes a sandbox record by id. Returns sql.ErrNoRows when the row
// was already gone, which callers treat as already-deleted.
func (r *SandboxRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM sandboxes WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id)
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
