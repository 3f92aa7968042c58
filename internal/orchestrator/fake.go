package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Fake is an in-memory Client used by the lifecycle manager, relay and
// reconciler tests. Errors can be injected per method; objects can be mutated
// directly (e.g. marking a sandbox ready) between calls.
type Fake struct {
	mu         sync.Mutex
	objects    map[string]*Sandbox
	namespaces map[string]NamespaceOptions

	// Injectable failures, checked before touching state.
	EnsureNamespaceErr error
	CreateErr          error
	GetErr             error
	UpdateErr          error
	DeleteErr          error
	ListErr            error
	ListNamespacesErr  error
}

func NewFake() *Fake {
	return &Fake{
		objects:    make(map[string]*Sandbox),
		namespaces: make(map[string]NamespaceOptions),
	}
}

func key(namespace, name string) string { return namespace + "/" + name }

func (f *Fake) EnsureTenantNamespace(_ context.Context, namespace string, opts NamespaceOptions) error {
	if f.EnsureNamespaceErr != nil {
		return f.EnsureNamespaceErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.namespaces[namespace]; !ok {
		f.namespaces[namespace] = opts
	}
	return nil
}

func (f *Fake) CreateSandbox(_ context.Context, sb *Sandbox) error {
	if f.CreateErr != nil {
		return f.CreateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(sb.Namespace, sb.Name)
	if _, ok := f.objects[k]; ok {
		return fmt.Errorf("sandbox %s already exists", k)
	}
	cp := *sb
	f.objects[k] = &cp
	return nil
}

func (f *Fake) GetSandbox(_ context.Context, namespace, name string) (*Sandbox, error) {
	if f.GetErr != nil {
		return nil, f.GetErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, ok := f.objects[key(namespace, name)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sb
	return &cp, nil
}

func (f *Fake) UpdateSandbox(_ context.Context, sb *Sandbox) error {
	if f.UpdateErr != nil {
		return f.UpdateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(sb.Namespace, sb.Name)
	existing, ok := f.objects[k]
	if !ok {
		return ErrNotFound
	}
	existing.Image = sb.Image
	existing.Replicas = sb.Replicas
	existing.Port = sb.Port
	existing.StoragePath = sb.StoragePath
	return nil
}

func (f *Fake) DeleteSandbox(_ context.Context, namespace, name string) error {
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(namespace, name)
	if _, ok := f.objects[k]; !ok {
		return ErrNotFound
	}
	delete(f.objects, k)
	return nil
}

func (f *Fake) ListSandboxes(_ context.Context, namespace string) ([]*Sandbox, error) {
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Sandbox
	for _, sb := range f.objects {
		if sb.Namespace == namespace {
			cp := *sb
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ListTenantNamespaces returns every namespace the fake knows about: those
// created via EnsureTenantNamespace plus any holding an object, mirroring the
// real client where both carry the managed-by label.
func (f *Fake) ListTenantNamespaces(_ context.Context) ([]string, error) {
	if f.ListNamespacesErr != nil {
		return nil, f.ListNamespacesErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]bool, len(f.namespaces))
	for ns := range f.namespaces {
		seen[ns] = true
	}
	for _, sb := range f.objects {
		seen[sb.Namespace] = true
	}
	out := make([]string, 0, len(seen))
	for ns := range seen {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out, nil
}

// HasNamespace reports whether EnsureTenantNamespace was called for namespace.
func (f *Fake) HasNamespace(namespace string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.namespaces[namespace]
	return ok
}

// SetStatus overwrites the observed status of an existing object. Tests use
// it to simulate the controller reporting readiness.
func (f *Fake) SetStatus(namespace, name string, status Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sb, ok := f.objects[key(namespace, name)]; ok {
		sb.Status = status
	}
}

// Count returns the number of stored objects across all namespaces.
func (f *Fake) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}
