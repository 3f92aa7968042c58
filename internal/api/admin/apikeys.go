// apikeys.go implements the operator endpoints for issuing, listing, and
// revoking API keys on behalf of a user. The plaintext key appears exactly
// once, in the creation response; only its digest is stored.
package admin

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sandbox-gateway/sandbox-gateway/internal/apperr"
	"github.com/sandbox-gateway/sandbox-gateway/internal/audit"
	"github.com/sandbox-gateway/sandbox-gateway/internal/auth"
	"github.com/sandbox-gateway/sandbox-gateway/internal/config"
	"github.com/sandbox-gateway/sandbox-gateway/internal/db/models"
	"github.com/sandbox-gateway/sandbox-gateway/internal/db/repositories"
)

// APIKeyHandlers handles admin API key management endpoints
type APIKeyHandlers struct {
	cfg        *config.Config
	userRepo   *repositories.UserRepository
	apiKeyRepo *repositories.APIKeyRepository
	recorder   *audit.Recorder
}

// NewAPIKeyHandlers creates a new APIKeyHandlers instance
func NewAPIKeyHandlers(cfg *config.Config, db *sql.DB, recorder *audit.Recorder) *APIKeyHandlers {
	return &APIKeyHandlers{
		cfg:        cfg,
		userRepo:   repositories.NewUserRepository(db),
		apiKeyRepo: repositories.NewAPIKeyRepository(db),
		recorder:   recorder,
	}
}

type createAPIKeyRequest struct {
	Name          *string `json:"name"`
	ExpiresInDays *int    `json:"expires_in_days"`
}

// CreateAPIKeyHandler issues a new key for the user.
// POST /api/admin/users/:id/apikeys
func (h *APIKeyHandlers) CreateAPIKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("id")

		user, err := h.userRepo.GetByID(c.Request.Context(), userID)
		if err != nil {
			apperr.Respond(c, apperr.Wrap(apperr.EInternal, "failed to retrieve user", err))
			return
		}
		if user == nil {
			apperr.Respond(c, apperr.New(apperr.ENotFound, "user not found"))
			return
		}

		// Body is optional: a bare POST issues a non-expiring unnamed key.
		var req createAPIKeyRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				apperr.Respond(c, apperr.Wrap(apperr.EInvalidArgument, "invalid request body", err))
				return
			}
		}

		plaintext, digest, displayPrefix, err := auth.GenerateAPIKey(h.cfg.Auth.APIKeyPrefix)
		if err != nil {
			apperr.Respond(c, apperr.Wrap(apperr.EInternal, "failed to generate API key", err))
			return
		}

		key := &models.APIKey{
			ID:        uuid.New().String(),
			UserID:    userID,
			Name:      req.Name,
			KeyDigest: digest,
			KeyPrefix: displayPrefix,
			IsActive:  true,
		}
		if req.ExpiresInDays != nil && *req.ExpiresInDays > 0 {
			expires := time.Now().UTC().AddDate(0, 0, *req.ExpiresInDays)
			key.ExpiresAt = &expires
		}

		if err := h.apiKeyRepo.Create(c.Request.Context(), key); err != nil {
			apperr.Respond(c, apperr.Wrap(apperr.EInternal, "failed to store API key", err))
			return
		}

		h.audit(c, "apikey.create", &userID, &key.ID, map[string]interface{}{"key_prefix": key.KeyPrefix})

		// The plaintext key is returned exactly once and cannot be recovered.
		c.JSON(http.StatusCreated, gin.H{
			"api_key": key,
			"key":     plaintext,
		})
	}
}

// ListAPIKeysHandler lists the user's keys (digests excluded).
// GET /api/admin/users/:id/apikeys
func (h *APIKeyHandlers) ListAPIKeysHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("id")

		user, err := h.userRepo.GetByID(c.Request.Context(), userID)
		if err != nil {
			apperr.Respond(c, apperr.Wrap(apperr.EInternal, "failed to retrieve user", err))
			return
		}
		if user == nil {
			apperr.Respond(c, apperr.New(apperr.ENotFound, "user not found"))
			return
		}

		keys, err := h.apiKeyRepo.ListByUser(c.Request.Context(), userID)
		if err != nil {
			apperr.Respond(c, apperr.Wrap(apperr.EInternal, "failed to list API keys", err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"api_keys": keys})
	}
}

// RevokeAPIKeyHandler revokes one of the user's keys. The row is kept (key
// history stays resolvable from the audit trail); only is_active flips.
// DELETE /api/admin/users/:id/apikeys/:keyId
func (h *APIKeyHandlers) RevokeAPIKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("id")
		keyID := c.Param("keyId")

		err := h.apiKeyRepo.Revoke(c.Request.Context(), keyID, userID)
		if err == sql.ErrNoRows {
			apperr.Respond(c, apperr.New(apperr.ENotFound, "API key not found"))
			return
		}
		if err != nil {
			apperr.Respond(c, apperr.Wrap(apperr.EInternal, "failed to revoke API key", err))
			return
		}

		h.audit(c, "apikey.revoke", &userID, &keyID, nil)
		c.JSON(http.StatusOK, gin.H{"revoked": true})
	}
}

// PurgeAPIKeyHandler hard-deletes a key row. Unlike revocation this removes
// the row entirely, so audit entries referencing the key id stop resolving;
// it exists for explicit cleanup, not day-to-day key management.
// DELETE /api/admin/users/:id/apikeys/:keyId/purge
func (h *APIKeyHandlers) PurgeAPIKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("id")
		keyID := c.Param("keyId")

		err := h.apiKeyRepo.Purge(c.Request.Context(), keyID, userID)
		if err == sql.ErrNoRows {
			apperr.Respond(c, apperr.New(apperr.ENotFound, "API key not found"))
			return
		}
		if err != nil {
			apperr.Respond(c, apperr.Wrap(apperr.EInternal, "failed to purge API key", err))
			return
		}

		h.audit(c, "apikey.purge", &userID, &keyID, nil)
		c.JSON(http.StatusOK, gin.H{"purged": true})
	}
}

func (h *APIKeyHandlers) audit(c *gin.Context, action string, userID, resourceID *string, detail map[string]interface{}) {
	if h.recorder == nil {
		return
	}
	if detail == nil {
		detail = map[string]interface{}{}
	}
	detail["actor"] = "admin"
	rt := "apikey"
	entry := &models.AuditLog{
		UserID:       userID,
		Action:       action,
		ResourceType: &rt,
		ResourceID:   resourceID,
		Status:       models.AuditStatusSuccess,
		Detail:       detail,
		CreatedAt:    time.Now().UTC(),
	}
	if ip := c.ClientIP(); ip != "" {
		entry.IPAddress = &ip
	}
	if ua := c.Request.UserAgent(); ua != "" {
		entry.UserAgent = &ua
	}
	h.recorder.Record(entry)
}
