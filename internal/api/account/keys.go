// Package account implements the self-service endpoints under /api/me: the
// authenticated tenant's own profile and API key management. Everything here
// operates strictly on the principal resolved by the auth middleware — a
// tenant can never name another user.
package account

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
	"github.com/sandbox-gateway/sandbox-gateway/internal/middleware"
)

// Handlers handles the /api/me endpoints
type Handlers struct {
	cfg        *config.Config
	userRepo   *repositories.UserRepository
	apiKeyRepo *repositories.APIKeyRepository
	recorder   *audit.Recorder
}

// NewHandlers creates a new Handlers instance
func NewHandlers(cfg *config.Config, db *sql.DB, recorder *audit.Recorder) *Handlers {
	return &Handlers{
		cfg:        cfg,
		userRepo:   repositories.NewUserRepository(db),
		apiKeyRepo: repositories.NewAPIKeyRepository(db),
		recorder:   recorder,
	}
}

// MeHandler returns the authenticated user's own record.
// GET /api/me
func (h *Handlers) MeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := h.userRepo.GetByID(c.Request.Context(), c.GetString(middleware.UserIDKey))
		if err != nil {
			apperr.Respond(c, apperr.Wrap(apperr.EInternal, "failed to retrieve user", err))
			return
		}
		if user == nil {
			// The key authenticated but its user row is gone: a delete raced
			// this request.
			apperr.Respond(c, apperr.New(apperr.EUnauthenticated, "invalid or expired API key"))
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"user":      user,
			"namespace": user.Namespace(),
		})
	}
}

type createKeyRequest struct {
	Name          *string `json:"name"`
	ExpiresInDays *int    `json:"expires_in_days"`
}

// CreateKeyHandler issues a new key for the caller. The plaintext appears
// exactly once, in this response.
// POST /api/me/apikeys
func (h *Handlers) CreateKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(middleware.UserIDKey)

		var req createKeyRequest
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

		h.audit(c, "apikey.create", userID, &key.ID, map[string]interface{}{"key_prefix": key.KeyPrefix})
		c.JSON(http.StatusCreated, gin.H{
			"api_key": key,
			"key":     plaintext,
		})
	}
}

// ListKeysHandler lists the caller's keys (digests excluded).
// GET /api/me/apikeys
func (h *Handlers) ListKeysHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		keys, err := h.apiKeyRepo.ListByUser(c.Request.Context(), c.GetString(middleware.UserIDKey))
		if err != nil {
			apperr.Respond(c, apperr.Wrap(apperr.EInternal, "failed to list API keys", err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"api_keys": keys})
	}
}

// RevokeKeyHandler revokes one of the caller's own keys. The scoping to the
// principal's user id means a key id belonging to someone else reads as
// not found, indistinguishable from a nonexistent id. Revoking the key used
// to authenticate this very request works and takes effect on the next one.
// DELETE /api/me/apikeys/:id
func (h *Handlers) RevokeKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(middleware.UserIDKey)
		keyID := c.Param("id")

		err := h.apiKeyRepo.Revoke(c.Request.Context(), keyID, userID)
		if err == sql.ErrNoRows {
			apperr.Respond(c, apperr.New(apperr.ENotFound, "API key not found"))
			return
		}
		if err != nil {
			apperr.Respond(c, apperr.Wrap(apperr.EInternal, "failed to revoke API key", err))
			return
		}

		h.audit(c, "apikey.revoke", userID, &keyID, nil)
		c.JSON(http.StatusOK, gin.H{"revoked": true})
	}
}

func (h *Handlers) audit(c *gin.Context, action, userID string, resourceID *string, detail map[string]interface{}) {
	if h.recorder == nil {
		return
	}
	rt := "apikey"
	entry := &models.AuditLog{
		UserID:       &userID,
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
