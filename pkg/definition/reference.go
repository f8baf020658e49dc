package definition

import (
	"encoding/json"

	"github.com/aixgo-dev/convergence/pkg/problem"
)

// Reference is embedded by every composable definition. At most one of Use
// and Extends may be set.
type Reference struct {
	// Use names another definition that replaces this one wholesale.
	Use string `json:"use,omitempty"`
	// Extends names a base definition that this one's fields are merged onto.
	Extends string `json:"extends,omitempty"`

	tree Tree
}

// Ref returns the embedded reference.
func (r *Reference) Ref() *Reference { return r }

// Tree returns the raw tree the definition was decoded from, or nil when the
// definition was built in code.
func (r *Reference) Tree() Tree { return r.tree }

// IsInline reports whether the definition neither uses nor extends another.
func (r *Reference) IsInline() bool { return r.Use == "" && r.Extends == "" }

// Validate checks that use and extends are not combined.
func (r *Reference) Validate() error {
	if r.Use != "" && r.Extends != "" {
		return problem.InvalidConfiguration("a definition cannot both use %q and extend %q", r.Use, r.Extends)
	}
	return nil
}

// Component is implemented by every definition that can be referenced from a
// component collection.
type Component interface {
	Ref() *Reference
}

// unmarshalWithTree decodes data into v and keeps the raw tree on ref.
func unmarshalWithTree(data []byte, v any, ref *Reference) error {
	if err := json.Unmarshal(data, v); err != nil {
		return err
	}
	var t Tree
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	ref.tree = t
	return nil
}

// Compose resolves an extends chain one level: override's tree, minus its
// extends key, is merge-patched onto base's tree and decoded as T. When a
// definition was built in code it is encoded first.
func Compose[T any, P interface {
	*T
	Component
}](base, override P) (P, error) {
	baseTree, err := treeOf(base)
	if err != nil {
		return nil, err
	}
	overrideTree, err := treeOf(override)
	if err != nil {
		return nil, err
	}
	merged, err := Merge(baseTree.Without("use", "extends"), overrideTree.Without("extends"))
	if err != nil {
		return nil, err
	}
	out, err := Decode[T](merged)
	if err != nil {
		return nil, err
	}
	p := P(out)
	if p.Ref().tree == nil {
		p.Ref().tree = merged
	}
	return p, nil
}

func treeOf(c Component) (Tree, error) {
	if t := c.Ref().Tree(); t != nil {
		return t, nil
	}
	return Encode(c)
}
