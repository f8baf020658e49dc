package security

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// YAMLLimits defines security limits for YAML parsing
type YAMLLimits struct {
	MaxFileSize  int64 // Maximum file size in bytes (default: 10MB)
	MaxDepth     int   // Maximum nesting depth (default: 20)
	MaxNodes     int   // Maximum number of nodes (default: 10000)
	MaxKeyLength int   // Maximum key length in bytes (default: 1024)
	MaxValueSize int64 // Maximum value size in bytes (default: 1MB)
}

// DefaultYAMLLimits returns secure default limits for YAML parsing
func DefaultYAMLLimits() YAMLLimits {
	return YAMLLimits{
		MaxFileSize:  10 * 1024 * 1024, // 10MB
		MaxDepth:     20,
		MaxNodes:     10000,
		MaxKeyLength: 1024,
		MaxValueSize: 1024 * 1024, // 1MB
	}
}

// SafeYAMLParser provides secure YAML parsing with resource limits
type SafeYAMLParser struct {
	limits YAMLLimits
}

// NewSafeYAMLParser creates a new YAML parser with security limits
func NewSafeYAMLParser(limits YAMLLimits) *SafeYAMLParser {
	return &SafeYAMLParser{limits: limits}
}

// UnmarshalYAML decodes the first document in data into v after checking it
// against the parser's limits.
func (p *SafeYAMLParser) UnmarshalYAML(data []byte, v any) error {
	nodes, err := p.parse(data)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return fmt.Errorf("YAML input is empty")
	}
	return nodes[0].Decode(v)
}

// UnmarshalDocuments decodes every document of a multi-document stream into
// generic maps. Empty documents are skipped and the node limit applies to the
// stream as a whole.
func (p *SafeYAMLParser) UnmarshalDocuments(data []byte) ([]map[string]any, error) {
	nodes, err := p.parse(data)
	if err != nil {
		return nil, err
	}
	docs := make([]map[string]any, 0, len(nodes))
	for i, node := range nodes {
		var doc map[string]any
		if err := node.Decode(&doc); err != nil {
			return nil, fmt.Errorf("YAML document %d: %w", i+1, err)
		}
		if doc == nil {
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// ReadDocuments reads at most MaxFileSize bytes from r and decodes every
// document like UnmarshalDocuments. Larger input is rejected without
// reading past the limit.
func (p *SafeYAMLParser) ReadDocuments(r io.Reader) ([]map[string]any, error) {
	limited := io.LimitedReader{R: r, N: p.limits.MaxFileSize + 1}
	data, err := io.ReadAll(&limited)
	if err != nil {
		return nil, fmt.Errorf("failed to read YAML: %w", err)
	}
	if int64(len(data)) > p.limits.MaxFileSize {
		return nil, fmt.Errorf("YAML input exceeds maximum size %d bytes", p.limits.MaxFileSize)
	}
	return p.UnmarshalDocuments(data)
}

func (p *SafeYAMLParser) parse(data []byte) ([]*yaml.Node, error) {
	if int64(len(data)) > p.limits.MaxFileSize {
		return nil, fmt.Errorf("YAML file size %d bytes exceeds maximum %d bytes", len(data), p.limits.MaxFileSize)
	}

	validator := &yamlValidator{limits: p.limits}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	var nodes []*yaml.Node
	for {
		node := new(yaml.Node)
		err := decoder.Decode(node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("YAML parse error: %w", err)
		}
		if err := validator.validateNode(node, 0); err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// yamlValidator validates YAML structure against security limits
type yamlValidator struct {
	limits    YAMLLimits
	nodeCount int
}

// validateNode recursively validates a YAML node
func (v *yamlValidator) validateNode(node *yaml.Node, depth int) error {
	// Check depth limit
	if depth > v.limits.MaxDepth {
		return fmt.Errorf("YAML nesting depth %d exceeds maximum %d", depth, v.limits.MaxDepth)
	}

	// Check node count limit
	v.nodeCount++
	if v.nodeCount > v.limits.MaxNodes {
		return fmt.Errorf("YAML node count %d exceeds maximum %d", v.nodeCount, v.limits.MaxNodes)
	}

	// Validate based on node kind
	switch node.Kind {
	case yaml.DocumentNode:
		// Document node - validate children
		for _, child := range node.Content {
			if err := v.validateNode(child, depth); err != nil {
				return err
			}
		}

	case yaml.MappingNode:
		// Mapping (object) - validate keys and values
		if len(node.Content)%2 != 0 {
			return fmt.Errorf("invalid YAML mapping: odd number of elements")
		}

		for i := 0; i < len(node.Content); i += 2 {
			keyNode := node.Content[i]
			valueNode := node.Content[i+1]

			// Validate key length
			if len(keyNode.Value) > v.limits.MaxKeyLength {
				return fmt.Errorf("YAML key length %d exceeds maximum %d", len(keyNode.Value), v.limits.MaxKeyLength)
			}

			// Recursively validate key and value
			if err := v.validateNode(keyNode, depth+1); err != nil {
				return err
			}
			if err := v.validateNode(valueNode, depth+1); err != nil {
				return err
			}
		}

	case yaml.SequenceNode:
		// Array - validate elements
		for _, child := range node.Content {
			if err := v.validateNode(child, depth+1); err != nil {
				return err
			}
		}

	case yaml.ScalarNode:
		// Scalar value - check value size
		if int64(len(node.Value)) > v.limits.MaxValueSize {
			return fmt.Errorf("YAML value size %d bytes exceeds maximum %d bytes", len(node.Value), v.limits.MaxValueSize)
		}

	case yaml.AliasNode:
		// Alias (anchor reference) - validate target
		if node.Alias != nil {
			if err := v.validateNode(node.Alias, depth+1); err != nil {
				return err
			}
		}
	}

	return nil
}
