// Package relay implements the forwarding router: authenticated tenant
// traffic on /proxy/:name/*path is resolved to the sandbox's in-cluster
// service and forwarded over plain HTTP. There is no endpoint cache, no retry
// and no circuit breaker — every request re-resolves ownership and live
// status, so the staleness window is bounded by one request latency.
package relay

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sandbox-gateway/sandbox-gateway/internal/apperr"
	"github.com/sandbox-gateway/sandbox-gateway/internal/config"
	"github.com/sandbox-gateway/sandbox-gateway/internal/db/repositories"
	"github.com/sandbox-gateway/sandbox-gateway/internal/middleware"
	"github.com/sandbox-gateway/sandbox-gateway/internal/orchestrator"
	"github.com/sandbox-gateway/sandbox-gateway/internal/telemetry"
)

// Relay outcomes for the relay_requests_total metric.
const (
	outcomeForwarded = "forwarded"
	outcomeNotReady  = "not_ready"
	outcomeError     = "error"
)

// Handler forwards tenant requests to their sandbox workloads.
type Handler struct {
	sandboxRepo *repositories.SandboxRepository
	orch        orchestrator.Client
	client      *http.Client
	runtimePort int
}

// NewHandler creates a relay Handler. The HTTP client timeout bounds one
// proxied exchange end to end.
func NewHandler(sandboxRepo *repositories.SandboxRepository, orch orchestrator.Client, cfg *config.Config) *Handler {
	return &Handler{
		sandboxRepo: sandboxRepo,
		orch:        orch,
		client:      &http.Client{Timeout: cfg.Relay.Timeout},
		runtimePort: cfg.Orchestrator.RuntimePort,
	}
}

// ProxyHandler relays one request.
// ANY /proxy/:name/*path
func (h *Handler) ProxyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		outcome := h.proxy(c)
		telemetry.RelayRequestsTotal.WithLabelValues(c.Request.Method, outcome).Inc()
		telemetry.RelayRequestDuration.Observe(time.Since(start).Seconds())
	}
}

func (h *Handler) proxy(c *gin.Context) string {
	// Ownership is re-derived here even though the ownership gate already
	// checked: the relay must not depend on middleware ordering for its
	// tenant isolation guarantee.
	userID := c.GetString(middleware.UserIDKey)
	name := c.Param("name")

	record, err := h.sandboxRepo.GetByOwnerAndName(c.Request.Context(), userID, name)
	if err != nil {
		apperr.Respond(c, apperr.Wrap(apperr.EInternal, "ownership lookup failed", err))
		return outcomeError
	}
	if record == nil {
		apperr.Respond(c, apperr.New(apperr.ENotFound, "sandbox not found"))
		return outcomeError
	}

	obj, err := h.orch.GetSandbox(c.Request.Context(), record.Namespace, record.ResourceName)
	if err != nil {
		// Covers both a missing object and an orchestrator failure: either
		// way the sandbox cannot receive traffic right now.
		apperr.Respond(c, apperr.Wrap(apperr.EUnavailable, "sandbox service not ready", err))
		return outcomeNotReady
	}
	if obj.Status.ServiceFQDN == "" {
		apperr.Respond(c, apperr.New(apperr.EUnavailable, "sandbox service not ready"))
		return outcomeNotReady
	}
	if !obj.Ready() {
		apperr.Respond(c, apperr.New(apperr.EUnavailable, "sandbox not ready"))
		return outcomeNotReady
	}

	suffix := strings.TrimPrefix(c.Param("path"), "/")
	target := fmt.Sprintf("http://%s:%d/%s", obj.Status.ServiceFQDN, h.runtimePort, suffix)
	if raw := c.Request.URL.RawQuery; raw != "" {
		target += "?" + raw
	}

	var body io.Reader
	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
		body = c.Request.Body
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, target, body)
	if err != nil {
		apperr.Respond(c, apperr.Wrap(apperr.EInternal, "failed to build upstream request", err))
		return outcomeError
	}
	if ct := c.ContentType(); ct != "" {
		req.Header.Set("Content-Type", ct)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		// Connection refused, DNS failure, or the relay timeout: surfaced as
		// a gateway-side failure carrying the transport error text.
		apperr.Respond(c, apperr.New(apperr.EInternal, fmt.Sprintf("sandbox request failed: %v", err)))
		return outcomeError
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		apperr.Respond(c, apperr.New(apperr.EInternal, fmt.Sprintf("sandbox response read failed: %v", err)))
		return outcomeError
	}

	// The relay speaks JSON to its callers. A sandbox returning anything
	// else is treated as a malfunction rather than passed through, so a
	// misbehaving workload cannot smuggle arbitrary content types through
	// the gateway's API surface.
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/json") {
		apperr.Respond(c, apperr.Newf(apperr.EInternal, "sandbox returned unexpected content type %q", contentType))
		return outcomeError
	}

	c.Data(resp.StatusCode, contentType, payload)
	return outcomeForwarded
}
