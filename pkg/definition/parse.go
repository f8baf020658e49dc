package definition

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/aixgo-dev/convergence/pkg/security"
)

var yamlParser = security.NewSafeYAMLParser(security.DefaultYAMLLimits())

// ParseYAML decodes a single YAML document into a tree.
func ParseYAML(data []byte) (Tree, error) {
	var raw map[string]any
	if err := yamlParser.UnmarshalYAML(data, &raw); err != nil {
		return nil, err
	}
	return Encode(raw)
}

// ParseYAMLDocuments decodes every document of a YAML stream into trees.
func ParseYAMLDocuments(data []byte) ([]Tree, error) {
	docs, err := yamlParser.UnmarshalDocuments(data)
	if err != nil {
		return nil, err
	}
	return toTrees(docs)
}

// ReadYAMLDocuments is ParseYAMLDocuments over a reader. Input beyond the
// parser's size limit is rejected.
func ReadYAMLDocuments(r io.Reader) ([]Tree, error) {
	docs, err := yamlParser.ReadDocuments(r)
	if err != nil {
		return nil, err
	}
	return toTrees(docs)
}

func toTrees(docs []map[string]any) ([]Tree, error) {
	trees := make([]Tree, 0, len(docs))
	for _, doc := range docs {
		t, err := Encode(doc)
		if err != nil {
			return nil, err
		}
		trees = append(trees, t)
	}
	return trees, nil
}

// ParseJSON decodes a JSON object into a tree.
func ParseJSON(data []byte) (Tree, error) {
	var t Tree
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse definition: %w", err)
	}
	return t, nil
}

// DecodeProcess decodes and validates a process definition.
func DecodeProcess(t Tree) (*ProcessDefinition, error) {
	d, err := Decode[ProcessDefinition](t)
	if err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// DecodeAgent decodes and validates an agent definition.
func DecodeAgent(t Tree) (*AgentDefinition, error) {
	d, err := Decode[AgentDefinition](t)
	if err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// DecodeKernel decodes and validates a kernel definition.
func DecodeKernel(t Tree) (*KernelDefinition, error) {
	d, err := Decode[KernelDefinition](t)
	if err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// DecodeToolset decodes and validates a toolset definition.
func DecodeToolset(t Tree) (*ToolsetDefinition, error) {
	d, err := Decode[ToolsetDefinition](t)
	if err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}
