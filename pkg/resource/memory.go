package resource

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aixgo-dev/convergence/pkg/definition"
)

// MemoryRepository keeps resources in process memory.
type MemoryRepository struct {
	mu        sync.RWMutex
	resources map[string]*Resource
	closed    bool
	now       func() time.Time
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		resources: make(map[string]*Resource),
		now:       time.Now,
	}
}

// Get returns a copy of the stored resource.
func (m *MemoryRepository) Get(ctx context.Context, kind Kind, name, namespace string) (*Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	r, ok := m.resources[key(kind, name, namespace)]
	if !ok {
		return nil, notFound(kind, name, namespace)
	}
	return r.Clone(), nil
}

// List returns resources of a kind in a namespace matching selector, sorted by
// name. An empty namespace lists every namespace.
func (m *MemoryRepository) List(ctx context.Context, kind Kind, namespace string, selector map[string]string) ([]*Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	out := make([]*Resource, 0)
	for _, r := range m.resources {
		if r.Kind != kind {
			continue
		}
		if namespace != "" && r.Metadata.Namespace != namespace {
			continue
		}
		if !r.Matches(selector) {
			continue
		}
		out = append(out, r.Clone())
	}
	sortResources(out)
	return out, nil
}

// Add stores a new resource.
func (m *MemoryRepository) Add(ctx context.Context, r *Resource) (*Resource, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	k := r.Key()
	if _, exists := m.resources[k]; exists {
		return nil, ErrAlreadyExists
	}
	stored := r.Clone()
	now := m.now().UTC()
	stored.Metadata.Version = nextVersion("")
	stored.Metadata.CreatedAt = now
	stored.Metadata.UpdatedAt = now
	m.resources[k] = stored
	return stored.Clone(), nil
}

// Update replaces a stored resource.
func (m *MemoryRepository) Update(ctx context.Context, r *Resource, expectedVersion string) (*Resource, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	current, ok := m.resources[r.Key()]
	if !ok {
		return nil, notFound(r.Kind, r.Metadata.Name, r.Metadata.Namespace)
	}
	return m.replace(current, r, expectedVersion)
}

// Patch merge-patches the spec of a stored resource.
func (m *MemoryRepository) Patch(ctx context.Context, kind Kind, name, namespace string, patch definition.Tree, expectedVersion string) (*Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	current, ok := m.resources[key(kind, name, namespace)]
	if !ok {
		return nil, notFound(kind, name, namespace)
	}
	patched, err := applyPatch(current, patch)
	if err != nil {
		return nil, err
	}
	return m.replace(current, patched, expectedVersion)
}

// Delete removes a resource.
func (m *MemoryRepository) Delete(ctx context.Context, kind Kind, name, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	k := key(kind, name, namespace)
	if _, ok := m.resources[k]; !ok {
		return notFound(kind, name, namespace)
	}
	delete(m.resources, k)
	return nil
}

// Close marks the repository closed.
func (m *MemoryRepository) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// replace must be called with the write lock held.
func (m *MemoryRepository) replace(current, next *Resource, expectedVersion string) (*Resource, error) {
	if expectedVersion != "" && expectedVersion != current.Metadata.Version {
		return nil, conflict(current.Kind, current.Metadata.Name, current.Metadata.Namespace, expectedVersion, current.Metadata.Version)
	}
	stored := next.Clone()
	stored.Metadata.Version = nextVersion(current.Metadata.Version)
	stored.Metadata.CreatedAt = current.Metadata.CreatedAt
	stored.Metadata.UpdatedAt = m.now().UTC()
	m.resources[current.Key()] = stored
	return stored.Clone(), nil
}

func sortResources(rs []*Resource) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Metadata.Namespace != rs[j].Metadata.Namespace {
			return rs[i].Metadata.Namespace < rs[j].Metadata.Namespace
		}
		return rs[i].Metadata.Name < rs[j].Metadata.Name
	})
}
