// Package definition holds the declarative definitions of processes, agents,
// kernels and toolsets, and the structural merge used for extends composition.
package definition

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch"
)

// Tree is the generic form of a definition as decoded from YAML or JSON.
// Explicit nulls are kept so they can remove fields during a merge.
type Tree map[string]any

// Clone returns a deep copy of the tree. Nested objects and arrays are
// copied; any other value is shared.
func (t Tree) Clone() Tree {
	if t == nil {
		return nil
	}
	return cloneValue(map[string]any(t)).(map[string]any)
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case Tree:
		return Tree(cloneValue(map[string]any(v)).(map[string]any))
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Without returns a copy of the tree with the given top-level keys removed.
func (t Tree) Without(keys ...string) Tree {
	out := make(Tree, len(t))
	for k, v := range t {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// Merge applies override onto base with JSON merge patch semantics: absent
// fields are inherited, null removes a field, scalars and arrays are replaced
// and objects are merged recursively. Neither input is modified.
func Merge(base, override Tree) (Tree, error) {
	if base == nil {
		base = Tree{}
	}
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("marshal base: %w", err)
	}
	patchJSON, err := json.Marshal(override)
	if err != nil {
		return nil, fmt.Errorf("marshal override: %w", err)
	}
	merged, err := jsonpatch.MergePatch(baseJSON, patchJSON)
	if err != nil {
		return nil, fmt.Errorf("merge patch: %w", err)
	}
	var out Tree
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, fmt.Errorf("unmarshal merged: %w", err)
	}
	return out, nil
}

// Decode converts a tree into a typed definition.
func Decode[T any](t Tree) (*T, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal tree: %w", err)
	}
	v := new(T)
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	return v, nil
}

// Encode converts any JSON-compatible value, typically a typed definition or a
// YAML-decoded map, into a tree.
func Encode(v any) (Tree, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var t Tree
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return t, nil
}
