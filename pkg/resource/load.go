package resource

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aixgo-dev/convergence/pkg/definition"
)

// LoadFile reads a multi-document YAML file of resources.
func LoadFile(path string) ([]*Resource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open definitions file: %w", err)
	}
	defer f.Close()

	trees, err := definition.ReadYAMLDocuments(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return fromTrees(trees)
}

// Load decodes a multi-document YAML stream of resources of the form
// {kind, metadata: {name, namespace, labels}, spec}. Each spec is checked
// against the definition type of its kind.
func Load(data []byte) ([]*Resource, error) {
	trees, err := definition.ParseYAMLDocuments(data)
	if err != nil {
		return nil, err
	}
	return fromTrees(trees)
}

func fromTrees(trees []definition.Tree) ([]*Resource, error) {
	out := make([]*Resource, 0, len(trees))
	for i, t := range trees {
		r, err := definition.Decode[Resource](t)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i+1, err)
		}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("document %d: %w", i+1, err)
		}
		if err := checkSpec(r); err != nil {
			return nil, fmt.Errorf("%s: %w", r.Key(), err)
		}
		out = append(out, r)
	}
	return out, nil
}

func checkSpec(r *Resource) error {
	var err error
	switch r.Kind {
	case KindProcess:
		_, err = definition.DecodeProcess(r.Spec)
	case KindAgent:
		_, err = definition.DecodeAgent(r.Spec)
	case KindKernel:
		_, err = definition.DecodeKernel(r.Spec)
	case KindToolset:
		_, err = definition.DecodeToolset(r.Spec)
	case KindRun:
	default:
		err = fmt.Errorf("%w: unknown kind %q", ErrInvalid, r.Kind)
	}
	return err
}

// Apply adds each resource, or updates it unconditionally if it exists.
func Apply(ctx context.Context, repo Repository, resources []*Resource) error {
	for _, r := range resources {
		_, err := repo.Add(ctx, r)
		if errors.Is(err, ErrAlreadyExists) {
			_, err = repo.Update(ctx, r, "")
		}
		if err != nil {
			return fmt.Errorf("apply %s: %w", r.Key(), err)
		}
	}
	return nil
}
