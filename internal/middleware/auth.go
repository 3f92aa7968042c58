// Package middleware provides Gin HTTP middleware for authentication,
// ownership enforcement, rate limiting, security headers, request IDs, and
// metrics.
//
// Middleware ordering matters and is enforced in router.go:
//
//	Recovery → RequestID → Metrics → Logger → CORS → SecurityHeaders →
//	RateLimit → Auth → [Ownership] → Handler
//
// Security headers run early so they appear on all responses including
// errors. Rate limiting runs before auth to shed brute-force traffic before
// any DB work. Auth resolves the principal; the ownership gate reads it from
// the context, so it must run strictly after auth.
package middleware

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sandbox-gateway/sandbox-gateway/internal/apperr"
	"github.com/sandbox-gateway/sandbox-gateway/internal/audit"
	"github.com/sandbox-gateway/sandbox-gateway/internal/auth"
	"github.com/sandbox-gateway/sandbox-gateway/internal/config"
	"github.com/sandbox-gateway/sandbox-gateway/internal/db/models"
	"github.com/sandbox-gateway/sandbox-gateway/internal/db/repositories"
	"github.com/sandbox-gateway/sandbox-gateway/internal/safego"
	"github.com/sandbox-gateway/sandbox-gateway/internal/telemetry"
)

// Context keys populated by AuthMiddleware.
const (
	UserIDKey   = "user_id"
	UsernameKey = "username"
	EmailKey    = "email"
	APIKeyIDKey = "api_key_id"
)

// Internal denial reasons. These drive the auth_failures metric and the
// denied audit entry detail; the HTTP response never distinguishes them.
const (
	reasonMalformedHeader = "malformed_header"
	reasonUnknownKey      = "unknown_key"
	reasonKeyInactive     = "key_inactive"
	reasonKeyExpired      = "key_expired"
	reasonUserInactive    = "user_inactive"
)

// invalidKeyMsg is the single caller-facing message for every credential
// rejection. An attacker probing keys learns nothing about whether a key
// exists, is revoked, or is expired.
const invalidKeyMsg = "invalid or expired API key"

// AuthMiddleware validates the Bearer API key on every tenant route.
//
// The key is never stored in plaintext: the middleware digests the presented
// token (hex SHA-256) and looks up the digest with a single indexed query
// that joins the owning user. Because the digest is deterministic, one
// equality lookup replaces any scan-and-compare scheme.
func AuthMiddleware(cfg *config.Config, apiKeyRepo *repositories.APIKeyRepository, recorder *audit.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Header problems are rejected before any DB access.
		token, err := auth.ExtractAPIKeyFromHeader(c.GetHeader("Authorization"))
		if err != nil {
			telemetry.AuthFailuresTotal.WithLabelValues(reasonMalformedHeader).Inc()
			apperr.Abort(c, apperr.New(apperr.EUnauthenticated, invalidKeyMsg))
			return
		}

		digest := auth.DigestAPIKey(token)
		key, err := apiKeyRepo.GetByDigest(c.Request.Context(), digest)
		if err != nil {
			apperr.Abort(c, apperr.Wrap(apperr.EInternal, "authentication failed", err))
			return
		}

		reason := ""
		switch {
		case key == nil:
			reason = reasonUnknownKey
		case !key.IsActive:
			reason = reasonKeyInactive
		case key.Expired(time.Now()):
			reason = reasonKeyExpired
		case !key.UserActive:
			reason = reasonUserInactive
		}
		if reason != "" {
			telemetry.AuthFailuresTotal.WithLabelValues(reason).Inc()
			recordDenied(cfg, recorder, c, key, reason)
			apperr.Abort(c, apperr.New(apperr.EUnauthenticated, invalidKeyMsg))
			return
		}

		// Last-used tracking is best-effort; a failed update is not a
		// correctness problem and must not add latency to the request.
		keyID := key.ID
		safego.GoTimeout(5*time.Second, func(ctx context.Context) {
			_ = apiKeyRepo.UpdateLastUsed(ctx, keyID)
		})

		c.Set(UserIDKey, key.UserID)
		c.Set(UsernameKey, key.Username)
		if key.UserEmail != nil {
			c.Set(EmailKey, *key.UserEmail)
		}
		c.Set(APIKeyIDKey, key.ID)

		c.Next()
	}
}

// recordDenied emits an audit entry for a rejected authentication attempt.
// The user reference is null for unknown keys: no principal was resolved.
func recordDenied(cfg *config.Config, recorder *audit.Recorder, c *gin.Context, key *models.APIKey, reason string) {
	if recorder == nil || !cfg.Audit.LogDenied {
		return
	}
	entry := &models.AuditLog{
		Action: "auth.denied",
		Status: models.AuditStatusDenied,
		Detail: map[string]interface{}{"reason": reason},
	}
	if key != nil {
		entry.UserID = &key.UserID
		entry.ResourceID = &key.ID
	}
	if ip := c.ClientIP(); ip != "" {
		entry.IPAddress = &ip
	}
	if ua := c.Request.UserAgent(); ua != "" {
		entry.UserAgent = &ua
	}
	recorder.Record(entry)
}

// AdminMiddleware guards /api/admin routes with the process-wide admin
// secret. It never touches the database and never resolves a per-user
// principal: admin actions are attributed to "admin" in the audit trail.
//
// Distinct failures get distinct statuses here, unlike user auth: the admin
// surface is operator-facing, and "the server has no admin key configured"
// (500) is an operator error that must not masquerade as a bad credential.
func AdminMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.ExtractAPIKeyFromHeader(c.GetHeader("Authorization"))
		if err != nil {
			telemetry.AuthFailuresTotal.WithLabelValues(reasonMalformedHeader).Inc()
			apperr.Abort(c, apperr.New(apperr.EUnauthenticated, "missing or malformed authorization header"))
			return
		}

		if cfg.Auth.AdminKey == "" {
			apperr.Abort(c, apperr.New(apperr.EInternal, "admin access not configured"))
			return
		}

		if !auth.ConstantTimeEquals(token, cfg.Auth.AdminKey) {
			telemetry.AuthFailuresTotal.WithLabelValues("admin_key_mismatch").Inc()
			apperr.Abort(c, apperr.New(apperr.EForbidden, "invalid admin credentials"))
			return
		}

		c.Next()
	}
}
