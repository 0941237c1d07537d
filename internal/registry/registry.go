// Package registry holds the set of deployments, their derived model
// metadata, per-deployment HTTP clients, and the group index. Reads
// dominate and never block on writes: lookups go through a copy-on-write
// snapshot swapped atomically on mutation.
package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/providers"
)

// ErrNotFound is returned when a deployment id is unknown.
var ErrNotFound = fmt.Errorf("deployment not found")

// snapshot is an immutable view of the registry.
type snapshot struct {
	byID    map[string]*provider.Deployment
	byGroup map[string][]*provider.Deployment
}

// Registry is the deployment registry. Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex // serializes writers only
	current atomic.Pointer[snapshot]
	logger  *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger}
	r.current.Store(&snapshot{
		byID:    map[string]*provider.Deployment{},
		byGroup: map[string][]*provider.Deployment{},
	})
	return r
}

// Add registers a deployment and returns its id. When d.ID is empty a new
// stable id is assigned. The deployment's HTTP clients are created eagerly.
func (r *Registry) Add(d *provider.Deployment) (string, error) {
	if d == nil {
		return "", fmt.Errorf("deployment is nil")
	}
	if d.ModelName == "" {
		return "", fmt.Errorf("deployment model_name is required")
	}
	if d.Provider == "" {
		return "", fmt.Errorf("deployment provider is required")
	}
	if _, err := providers.Get(d.Provider); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	cur := r.current.Load()
	if _, exists := cur.byID[d.ID]; exists {
		return "", fmt.Errorf("deployment %s already registered", d.ID)
	}

	d.InitClients()

	next := cur.clone()
	next.byID[d.ID] = d
	next.byGroup[d.ModelName] = append(next.byGroup[d.ModelName], d)
	r.current.Store(next)

	r.logger.Info("deployment registered",
		"deployment_id", d.ID,
		"model_group", d.ModelName,
		"provider", d.Provider,
	)
	return d.ID, nil
}

// Patch carries the mutable parts of a deployment for Update. ID and
// Provider are immutable post-creation.
type Patch struct {
	Credentials provider.Credentials
	Limits      *provider.Limits
	Tags        []string
}

// Update applies a credentials/limits patch to an existing deployment.
func (r *Registry) Update(deploymentID string, patch Patch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	old, ok := cur.byID[deploymentID]
	if !ok {
		return fmt.Errorf("update %s: %w", deploymentID, ErrNotFound)
	}

	updated := *old
	if patch.Credentials != nil {
		updated.Credentials = patch.Credentials
	}
	if patch.Limits != nil {
		updated.Limits = *patch.Limits
		// Timeout changes need fresh clients.
		updated.InitClientsForce()
	}
	if patch.Tags != nil {
		updated.Tags = patch.Tags
	}

	next := cur.clone()
	next.byID[deploymentID] = &updated
	next.replaceInGroup(old.ModelName, deploymentID, &updated)
	r.current.Store(next)

	r.logger.Info("deployment updated", "deployment_id", deploymentID)
	return nil
}

// Delete removes a deployment. In-flight calls against it complete or
// fail; no new ones are dispatched because lookups hit the new snapshot.
func (r *Registry) Delete(deploymentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	d, ok := cur.byID[deploymentID]
	if !ok {
		return fmt.Errorf("delete %s: %w", deploymentID, ErrNotFound)
	}

	next := cur.clone()
	delete(next.byID, deploymentID)
	next.removeFromGroup(d.ModelName, deploymentID)
	r.current.Store(next)

	d.CloseClients()
	r.logger.Info("deployment removed", "deployment_id", deploymentID, "model_group", d.ModelName)
	return nil
}

// ListGroup returns the deployments for a model group. The returned slice
// is a snapshot copy; callers may reorder it freely.
func (r *Registry) ListGroup(modelName string) []*provider.Deployment {
	cur := r.current.Load()
	deps := cur.byGroup[modelName]
	out := make([]*provider.Deployment, len(deps))
	copy(out, deps)
	return out
}

// GetByID returns a deployment by id.
func (r *Registry) GetByID(deploymentID string) (*provider.Deployment, error) {
	cur := r.current.Load()
	d, ok := cur.byID[deploymentID]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

// Groups returns all model group names.
func (r *Registry) Groups() []string {
	cur := r.current.Load()
	out := make([]string, 0, len(cur.byGroup))
	for g := range cur.byGroup {
		out = append(out, g)
	}
	return out
}

// All returns every registered deployment.
func (r *Registry) All() []*provider.Deployment {
	cur := r.current.Load()
	out := make([]*provider.Deployment, 0, len(cur.byID))
	for _, d := range cur.byID {
		out = append(out, d)
	}
	return out
}

// Len returns the number of registered deployments.
func (r *Registry) Len() int {
	return len(r.current.Load().byID)
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		byID:    make(map[string]*provider.Deployment, len(s.byID)),
		byGroup: make(map[string][]*provider.Deployment, len(s.byGroup)),
	}
	for id, d := range s.byID {
		next.byID[id] = d
	}
	for g, deps := range s.byGroup {
		cp := make([]*provider.Deployment, len(deps))
		copy(cp, deps)
		next.byGroup[g] = cp
	}
	return next
}

func (s *snapshot) replaceInGroup(group, id string, d *provider.Deployment) {
	for i, existing := range s.byGroup[group] {
		if existing.ID == id {
			s.byGroup[group][i] = d
			return
		}
	}
}

func (s *snapshot) removeFromGroup(group, id string) {
	deps := s.byGroup[group]
	for i, existing := range deps {
		if existing.ID == id {
			s.byGroup[group] = append(deps[:i], deps[i+1:]...)
			break
		}
	}
	if len(s.byGroup[group]) == 0 {
		delete(s.byGroup, group)
	}
}
