// Package orchestrator defines the gateway's contract with the container
// control plane. The gateway never drives runtime state transitions directly:
// it submits desired state (a sandbox object with a replica count) and reads
// observed state (service name, ready condition). Everything Kubernetes-
// specific lives behind the Client interface so the lifecycle manager and
// relay can be tested against the in-memory fake.
package orchestrator

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the requested sandbox object does not exist in
// the orchestrator. Callers treat it as "already gone" on delete and as
// "not ready yet" on relay.
var ErrNotFound = errors.New("sandbox object not found")

// ConditionReady is the condition type the gateway reads to decide whether a
// sandbox can receive traffic.
const ConditionReady = "Ready"

// Condition is one typed observed condition on a sandbox object.
type Condition struct {
	Type    string `json:"type"`
	Status  string `json:"status"` // "True", "False", "Unknown"
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// Status is the observed state of a sandbox object.
type Status struct {
	// ServiceFQDN is the cluster-resolvable name of the sandbox's service.
	// Empty until the controller has created the service.
	ServiceFQDN   string      `json:"service_fqdn,omitempty"`
	ReadyReplicas int32       `json:"ready_replicas"`
	Conditions    []Condition `json:"conditions,omitempty"`
}

// Sandbox is the orchestrator's view of one tenant workload: desired spec
// plus observed status.
type Sandbox struct {
	Namespace string
	Name      string

	// Desired state.
	Image       string
	Replicas    int32
	Port        int32
	StoragePath string

	Status Status
}

// ReadyCondition returns the Ready condition of s, or nil when the controller
// has not reported one yet.
func (s *Sandbox) ReadyCondition() *Condition {
	for i := range s.Status.Conditions {
		if s.Status.Conditions[i].Type == ConditionReady {
			return &s.Status.Conditions[i]
		}
	}
	return nil
}

// Ready reports whether the Ready condition exists and is true.
func (s *Sandbox) Ready() bool {
	c := s.ReadyCondition()
	return c != nil && c.Status == "True"
}

// NamespaceOptions carries the quota and isolation parameters provisioned
// when a tenant namespace is first created.
type NamespaceOptions struct {
	// MaxSandboxes bounds the number of pods in the namespace.
	MaxSandboxes int
	// CPULimit and MemoryLimit are quantity strings ("4", "8Gi").
	CPULimit    string
	MemoryLimit string
	// GatewayNamespace is the namespace whose traffic the tenant's network
	// policy must admit; all other cross-namespace ingress is denied.
	GatewayNamespace string
}

// Client is the narrow orchestrator surface the gateway depends on.
type Client interface {
	// EnsureTenantNamespace creates the tenant namespace if absent. On first
	// creation it also provisions a resource quota and an ingress network
	// policy; quota/policy failures are soft (logged, not returned) because
	// the namespace itself succeeded. An existing namespace is success.
	EnsureTenantNamespace(ctx context.Context, namespace string, opts NamespaceOptions) error

	// CreateSandbox submits a new sandbox object into its namespace.
	CreateSandbox(ctx context.Context, sb *Sandbox) error

	// GetSandbox fetches desired and observed state. Returns ErrNotFound when
	// the object does not exist.
	GetSandbox(ctx context.Context, namespace, name string) (*Sandbox, error)

	// UpdateSandbox resubmits the full desired spec of sb, overwriting the
	// stored spec. Used for pause/resume read-modify-write.
	UpdateSandbox(ctx context.Context, sb *Sandbox) error

	// DeleteSandbox removes the object. Returns ErrNotFound when it was
	// already gone.
	DeleteSandbox(ctx context.Context, namespace, name string) error

	// ListSandboxes enumerates the objects in one namespace. Used by the
	// reconciliation sweep.
	ListSandboxes(ctx context.Context, namespace string) ([]*Sandbox, error)

	// ListTenantNamespaces enumerates every namespace this gateway manages,
	// whether or not an ownership row still points at it. The reconciliation
	// sweep needs this to find orphans in namespaces whose rows are all gone.
	ListTenantNamespaces(ctx context.Context) ([]string, error)
}
