// Package resource defines the named, namespaced, label-selected objects that
// hold persisted definitions, and the repositories that store them with
// optimistic concurrency.
package resource

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aixgo-dev/convergence/pkg/definition"
)

// Kind is the type of a persisted resource.
type Kind string

const (
	KindProcess Kind = "Process"
	KindAgent   Kind = "Agent"
	KindKernel  Kind = "Kernel"
	KindToolset Kind = "Toolset"
	KindRun     Kind = "Run"
)

// DefaultNamespace is used when a resource omits its namespace.
const DefaultNamespace = "default"

var (
	ErrNotFound      = errors.New("resource not found")
	ErrConflict      = errors.New("resource version conflict")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrInvalid       = errors.New("invalid resource")
	ErrClosed        = errors.New("repository is closed")
)

// Metadata identifies a resource.
type Metadata struct {
	Name      string            `json:"name"`
	Namespace string            `json:"namespace,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	// Version changes on every write and is compared by conditional writes.
	Version   string    `json:"version,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// Resource is a persisted definition.
type Resource struct {
	Kind     Kind            `json:"kind"`
	Metadata Metadata        `json:"metadata"`
	Spec     definition.Tree `json:"spec"`
}

// Key returns kind/namespace/name.
func (r *Resource) Key() string {
	return key(r.Kind, r.Metadata.Name, r.Metadata.Namespace)
}

// Clone returns a deep copy.
func (r *Resource) Clone() *Resource {
	c := *r
	c.Spec = r.Spec.Clone()
	if r.Metadata.Labels != nil {
		c.Metadata.Labels = make(map[string]string, len(r.Metadata.Labels))
		for k, v := range r.Metadata.Labels {
			c.Metadata.Labels[k] = v
		}
	}
	return &c
}

// Validate checks the identifying fields and defaults the namespace.
func (r *Resource) Validate() error {
	if r.Kind == "" {
		return fmt.Errorf("%w: kind is required", ErrInvalid)
	}
	if r.Metadata.Name == "" {
		return fmt.Errorf("%w: metadata.name is required", ErrInvalid)
	}
	if r.Metadata.Namespace == "" {
		r.Metadata.Namespace = DefaultNamespace
	}
	return nil
}

// Matches reports whether every selector label is present with the same value.
func (r *Resource) Matches(selector map[string]string) bool {
	for k, v := range selector {
		if r.Metadata.Labels[k] != v {
			return false
		}
	}
	return true
}

// Repository stores resources. Conditional writes take the version last read;
// an empty expected version writes unconditionally.
type Repository interface {
	Get(ctx context.Context, kind Kind, name, namespace string) (*Resource, error)
	List(ctx context.Context, kind Kind, namespace string, selector map[string]string) ([]*Resource, error)
	Add(ctx context.Context, r *Resource) (*Resource, error)
	Update(ctx context.Context, r *Resource, expectedVersion string) (*Resource, error)
	Patch(ctx context.Context, kind Kind, name, namespace string, patch definition.Tree, expectedVersion string) (*Resource, error)
	Delete(ctx context.Context, kind Kind, name, namespace string) error
	Close() error
}

func key(kind Kind, name, namespace string) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return string(kind) + "/" + namespace + "/" + name
}

func nextVersion(current string) string {
	n, _ := strconv.ParseInt(current, 10, 64)
	return strconv.FormatInt(n+1, 10)
}

func notFound(kind Kind, name, namespace string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, key(kind, name, namespace))
}

func conflict(kind Kind, name, namespace, expected, actual string) error {
	return fmt.Errorf("%w: %s expected version %s, found %s", ErrConflict, key(kind, name, namespace), expected, actual)
}

// applyPatch merge-patches the spec of r and returns the patched copy.
func applyPatch(r *Resource, patch definition.Tree) (*Resource, error) {
	spec, err := definition.Merge(r.Spec, patch)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	out := r.Clone()
	out.Spec = spec
	return out, nil
}
