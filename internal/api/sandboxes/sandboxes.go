// Package sandboxes implements the tenant-facing sandbox lifecycle endpoints
// under /api/sandboxes. The handlers translate between HTTP and the lifecycle
// manager; ordering and failure semantics live in the manager, audit
// attribution (who, from where) lives here where the gin context is at hand.
package sandboxes

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sandbox-gateway/sandbox-gateway/internal/apperr"
	"github.com/sandbox-gateway/sandbox-gateway/internal/audit"
	"github.com/sandbox-gateway/sandbox-gateway/internal/db/models"
	"github.com/sandbox-gateway/sandbox-gateway/internal/middleware"
	"github.com/sandbox-gateway/sandbox-gateway/internal/sandbox"
)

// Handlers handles the sandbox lifecycle endpoints
type Handlers struct {
	manager  *sandbox.Manager
	recorder *audit.Recorder
}

// NewHandlers creates a new Handlers instance
func NewHandlers(manager *sandbox.Manager, recorder *audit.Recorder) *Handlers {
	return &Handlers{manager: manager, recorder: recorder}
}

type createSandboxRequest struct {
	Name  string `json:"name" binding:"required"`
	Image string `json:"image"`
}

// CreateHandler provisions a new sandbox for the caller.
// POST /api/sandboxes
func (h *Handlers) CreateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createSandboxRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.Respond(c, apperr.Wrap(apperr.EInvalidArgument, "invalid request body", err))
			return
		}

		userID := c.GetString(middleware.UserIDKey)
		username := c.GetString(middleware.UsernameKey)

		info, err := h.manager.Create(c.Request.Context(), userID, username, req.Name, req.Image)
		if err != nil {
			h.audit(c, "sandbox.create", failureStatus(err), req.Name, map[string]interface{}{"error": err.Error()})
			apperr.Respond(c, err)
			return
		}

		h.audit(c, "sandbox.create", models.AuditStatusSuccess, info.Name, nil)
		c.JSON(http.StatusCreated, gin.H{"sandbox": info})
	}
}

// ListHandler lists the caller's sandboxes with best-effort live status.
// GET /api/sandboxes
func (h *Handlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		infos, err := h.manager.List(c.Request.Context(), c.GetString(middleware.UserIDKey))
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sandboxes": infos})
	}
}

// GetHandler returns one sandbox with live status. The ownership gate already
// resolved the record.
// GET /api/sandboxes/:name
func (h *Handlers) GetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		record := middleware.SandboxFromContext(c)
		if record == nil {
			apperr.Respond(c, apperr.New(apperr.EInternal, "ownership record missing from context"))
			return
		}
		c.JSON(http.StatusOK, gin.H{"sandbox": h.manager.Get(c.Request.Context(), record)})
	}
}

// DeleteHandler tears a sandbox down.
// DELETE /api/sandboxes/:name
func (h *Handlers) DeleteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		record := middleware.SandboxFromContext(c)
		if record == nil {
			apperr.Respond(c, apperr.New(apperr.EInternal, "ownership record missing from context"))
			return
		}

		if err := h.manager.Delete(c.Request.Context(), record); err != nil {
			h.audit(c, "sandbox.delete", failureStatus(err), record.Name, map[string]interface{}{"error": err.Error()})
			apperr.Respond(c, err)
			return
		}

		h.audit(c, "sandbox.delete", models.AuditStatusSuccess, record.Name, nil)
		c.JSON(http.StatusOK, gin.H{"deleted": true})
	}
}

// PauseHandler scales the sandbox to zero replicas.
// POST /api/sandboxes/:name/pause
func (h *Handlers) PauseHandler() gin.HandlerFunc {
	return h.scaleHandler("sandbox.pause", h.managerPause)
}

// ResumeHandler scales the sandbox back to one replica.
// POST /api/sandboxes/:name/resume
func (h *Handlers) ResumeHandler() gin.HandlerFunc {
	return h.scaleHandler("sandbox.resume", h.managerResume)
}

func (h *Handlers) managerPause(c *gin.Context, record *models.Sandbox) (*sandbox.Info, error) {
	return h.manager.Pause(c.Request.Context(), record)
}

func (h *Handlers) managerResume(c *gin.Context, record *models.Sandbox) (*sandbox.Info, error) {
	return h.manager.Resume(c.Request.Context(), record)
}

func (h *Handlers) scaleHandler(action string, op func(*gin.Context, *models.Sandbox) (*sandbox.Info, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		record := middleware.SandboxFromContext(c)
		if record == nil {
			apperr.Respond(c, apperr.New(apperr.EInternal, "ownership record missing from context"))
			return
		}

		info, err := op(c, record)
		if err != nil {
			h.audit(c, action, failureStatus(err), record.Name, map[string]interface{}{"error": err.Error()})
			apperr.Respond(c, err)
			return
		}

		h.audit(c, action, models.AuditStatusSuccess, record.Name, nil)
		c.JSON(http.StatusOK, gin.H{"sandbox": info})
	}
}

// failureStatus distinguishes caller mistakes from gateway failures in the
// audit trail: a 4xx outcome is "denied", everything else is "failed".
func failureStatus(err error) string {
	switch apperr.ErrorCode(err) {
	case apperr.EInvalidArgument, apperr.EAlreadyExists, apperr.ENotFound, apperr.EForbidden:
		return models.AuditStatusDenied
	default:
		return models.AuditStatusFailed
	}
}

func (h *Handlers) audit(c *gin.Context, action, status, name string, detail map[string]interface{}) {
	if h.recorder == nil {
		return
	}
	userID := c.GetString(middleware.UserIDKey)
	rt := "sandbox"
	entry := &models.AuditLog{
		Action:       action,
		ResourceType: &rt,
		ResourceID:   &name,
		Status:       status,
		Detail:       detail,
		CreatedAt:    time.Now().UTC(),
	}
	if userID != "" {
		entry.UserID = &userID
	}
	if ip := c.ClientIP(); ip != "" {
		entry.IPAddress = &ip
	}
	if ua := c.Request.UserAgent(); ua != "" {
		entry.UserAgent = &ua
	}
	h.recorder.Record(entry)
}
