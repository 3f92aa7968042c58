// Package admin implements the operator-facing user and API key management
// endpoints under /api/admin. Every route is guarded by the admin secret
// middleware; no per-user principal exists here, so audit entries carry a
// null user reference with the action attributed to "admin" in the detail.
package admin

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sandbox-gateway/sandbox-gateway/internal/apperr"
	"github.com/sandbox-gateway/sandbox-gateway/internal/audit"
	"github.com/sandbox-gateway/sandbox-gateway/internal/config"
	"github.com/sandbox-gateway/sandbox-gateway/internal/db/models"
	"github.com/sandbox-gateway/sandbox-gateway/internal/db/repositories"
	"github.com/sandbox-gateway/sandbox-gateway/internal/validation"
)

// UserHandlers handles user management endpoints
type UserHandlers struct {
	cfg      *config.Config
	userRepo *repositories.UserRepository
	recorder *audit.Recorder
}

// NewUserHandlers creates a new UserHandlers instance
func NewUserHandlers(cfg *config.Config, db *sql.DB, recorder *audit.Recorder) *UserHandlers {
	return &UserHandlers{
		cfg:      cfg,
		userRepo: repositories.NewUserRepository(db),
		recorder: recorder,
	}
}

type createUserRequest struct {
	Username string  `json:"username" binding:"required"`
	Email    *string `json:"email"`
}

// CreateUserHandler registers a new tenant.
// POST /api/admin/users
func (h *UserHandlers) CreateUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createUserRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.Respond(c, apperr.Wrap(apperr.EInvalidArgument, "invalid request body", err))
			return
		}

		// The username becomes part of the tenant namespace name, so it must
		// itself be a valid DNS label.
		if err := validation.ValidateDNSLabel(req.Username); err != nil {
			apperr.Respond(c, apperr.Wrap(apperr.EInvalidArgument, "invalid username: "+err.Error(), err))
			return
		}

		user := &models.User{
			ID:       uuid.New().String(),
			Username: req.Username,
			Email:    req.Email,
			IsActive: true,
		}
		if err := h.userRepo.Create(c.Request.Context(), user); err != nil {
			if repositories.IsUniqueViolation(err) {
				apperr.Respond(c, apperr.Newf(apperr.EAlreadyExists, "username %q already exists", req.Username))
				h.audit(c, "user.create", models.AuditStatusFailed, &user.ID, map[string]interface{}{"username": req.Username, "reason": "duplicate"})
				return
			}
			apperr.Respond(c, apperr.Wrap(apperr.EInternal, "failed to create user", err))
			return
		}

		h.audit(c, "user.create", models.AuditStatusSuccess, &user.ID, map[string]interface{}{"username": user.Username})
		c.JSON(http.StatusCreated, gin.H{"user": user})
	}
}

// ListUsersHandler lists all users with pagination.
// GET /api/admin/users?page=1&per_page=20
func (h *UserHandlers) ListUsersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "20"))

		if page < 1 {
			page = 1
		}
		if perPage < 1 || perPage > 100 {
			perPage = 20
		}
		offset := (page - 1) * perPage

		users, err := h.userRepo.List(c.Request.Context(), perPage, offset)
		if err != nil {
			apperr.Respond(c, apperr.Wrap(apperr.EInternal, "failed to list users", err))
			return
		}
		total, err := h.userRepo.Count(c.Request.Context())
		if err != nil {
			apperr.Respond(c, apperr.Wrap(apperr.EInternal, "failed to count users", err))
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"users": users,
			"pagination": gin.H{
				"page":     page,
				"per_page": perPage,
				"total":    total,
			},
		})
	}
}

// GetUserHandler retrieves a specific user by ID.
// GET /api/admin/users/:id
func (h *UserHandlers) GetUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := h.userRepo.GetByID(c.Request.Context(), c.Param("id"))
		if err != nil {
			apperr.Respond(c, apperr.Wrap(apperr.EInternal, "failed to retrieve user", err))
			return
		}
		if user == nil {
			apperr.Respond(c, apperr.New(apperr.ENotFound, "user not found"))
			return
		}
		c.JSON(http.StatusOK, gin.H{"user": user})
	}
}

type updateUserRequest struct {
	Email    *string `json:"email"`
	IsActive *bool   `json:"is_active"`
}

// UpdateUserHandler updates a user's email or active flag. The username is
// immutable: it anchors the tenant namespace and storage prefix.
// PUT /api/admin/users/:id
func (h *UserHandlers) UpdateUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateUserRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.Respond(c, apperr.Wrap(apperr.EInvalidArgument, "invalid request body", err))
			return
		}

		user, err := h.userRepo.GetByID(c.Request.Context(), c.Param("id"))
		if err != nil {
			apperr.Respond(c, apperr.Wrap(apperr.EInternal, "failed to retrieve user", err))
			return
		}
		if user == nil {
			apperr.Respond(c, apperr.New(apperr.ENotFound, "user not found"))
			return
		}

		if req.Email != nil {
			user.Email = req.Email
		}
		if req.IsActive != nil {
			user.IsActive = *req.IsActive
		}
		if err := h.userRepo.Update(c.Request.Context(), user); err != nil {
			apperr.Respond(c, apperr.Wrap(apperr.EInternal, "failed to update user", err))
			return
		}

		h.audit(c, "user.update", models.AuditStatusSuccess, &user.ID, map[string]interface{}{
			"username":  user.Username,
			"is_active": user.IsActive,
		})
		c.JSON(http.StatusOK, gin.H{"user": user})
	}
}

// DeleteUserHandler removes a user. API keys and sandbox ownership rows
// cascade in the database; any running sandbox workloads keep running until
// an operator or the reconciliation sweep deals with them.
// DELETE /api/admin/users/:id
func (h *UserHandlers) DeleteUserHandler() gin.HandlerFunc {
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

		if err := h.userRepo.Delete(c.Request.Context(), userID); err != nil {
			apperr.Respond(c, apperr.Wrap(apperr.EInternal, "failed to delete user", err))
			return
		}

		h.audit(c, "user.delete", models.AuditStatusSuccess, nil, map[string]interface{}{"username": user.Username, "user_id": userID})
		c.JSON(http.StatusOK, gin.H{"deleted": true})
	}
}

// audit emits an admin-attributed audit entry. resourceID may be nil.
func (h *UserHandlers) audit(c *gin.Context, action, status string, resourceID *string, detail map[string]interface{}) {
	if h.recorder == nil {
		return
	}
	if detail == nil {
		detail = map[string]interface{}{}
	}
	detail["actor"] = "admin"
	rt := "user"
	entry := &models.AuditLog{
		Action:       action,
		ResourceType: &rt,
		ResourceID:   resourceID,
		Status:       status,
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
