package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/sandbox-gateway/sandbox-gateway/internal/apperr"
	"github.com/sandbox-gateway/sandbox-gateway/internal/db/models"
	"github.com/sandbox-gateway/sandbox-gateway/internal/db/repositories"
)

// SandboxKey is the gin.Context key under which RequireSandboxOwnership
// stores the fetched ownership record so handlers don't re-query.
const SandboxKey = "sandbox"

// RequireSandboxOwnership gates resource routes carrying a :name parameter.
// It queries for the exact (owner, name) pair; a sandbox owned by someone
// else and a sandbox that does not exist at all produce byte-identical 403
// responses, so a tenant cannot probe the namespace of names.
//
// Must run strictly after AuthMiddleware: it reads the principal from the
// context and treats its absence as a wiring bug, not a client error.
func RequireSandboxOwnership(sandboxRepo *repositories.SandboxRepository) gin.HandlerFunc {
	return ownershipGate(sandboxRepo, apperr.EForbidden, "access denied")
}

// RequireSandboxOwnershipForDelete is the delete-route variant of the gate:
// a missing row reports 404 instead of 403, so repeating a delete of the same
// name is idempotent rather than forbidden. The response is still identical
// whether the name never existed or belongs to another tenant.
func RequireSandboxOwnershipForDelete(sandboxRepo *repositories.SandboxRepository) gin.HandlerFunc {
	return ownershipGate(sandboxRepo, apperr.ENotFound, "sandbox not found")
}

func ownershipGate(sandboxRepo *repositories.SandboxRepository, missingCode, missingMsg string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(UserIDKey)
		if userID == "" {
			apperr.Abort(c, apperr.New(apperr.EInternal, "ownership check without principal"))
			return
		}

		name := c.Param("name")
		sb, err := sandboxRepo.GetByOwnerAndName(c.Request.Context(), userID, name)
		if err != nil {
			apperr.Abort(c, apperr.Wrap(apperr.EInternal, "ownership lookup failed", err))
			return
		}
		if sb == nil {
			apperr.Abort(c, apperr.New(missingCode, missingMsg))
			return
		}

		c.Set(SandboxKey, sb)
		c.Next()
	}
}

// SandboxFromContext returns the ownership record stored by
// RequireSandboxOwnership, or nil when the gate did not run.
func SandboxFromContext(c *gin.Context) *models.Sandbox {
	v, ok := c.Get(SandboxKey)
	if !ok {
		return nil
	}
	sb, _ := v.(*models.Sandbox)
	return sb
}
