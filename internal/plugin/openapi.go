package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aixgo-dev/convergence/pkg/definition"
	"github.com/aixgo-dev/convergence/pkg/problem"
	"gopkg.in/yaml.v3"
)

// maxResponseBytes bounds how much of an operation response is returned.
const maxResponseBytes = 1 << 20

// OpenAPILoader turns an OpenAPI 3 document into functions, one per operation.
type OpenAPILoader struct {
	client *http.Client
}

// NewOpenAPILoader creates a loader. A nil client uses a 30 second timeout.
func NewOpenAPILoader(client *http.Client) *OpenAPILoader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &OpenAPILoader{client: client}
}

type openAPIDocument struct {
	Servers []struct {
		URL string `yaml:"url"`
	} `yaml:"servers"`
	Paths map[string]openAPIPathItem `yaml:"paths"`
}

type openAPIPathItem struct {
	Parameters []openAPIParameter `yaml:"parameters"`
	Get        *openAPIOperation  `yaml:"get"`
	Put        *openAPIOperation  `yaml:"put"`
	Post       *openAPIOperation  `yaml:"post"`
	Delete     *openAPIOperation  `yaml:"delete"`
	Patch      *openAPIOperation  `yaml:"patch"`
}

type openAPIOperation struct {
	OperationID string             `yaml:"operationId"`
	Summary     string             `yaml:"summary"`
	Description string             `yaml:"description"`
	Parameters  []openAPIParameter `yaml:"parameters"`
	RequestBody *struct {
		Required bool `yaml:"required"`
		Content  map[string]struct {
			Schema map[string]any `yaml:"schema"`
		} `yaml:"content"`
	} `yaml:"requestBody"`
}

type openAPIParameter struct {
	Name        string         `yaml:"name"`
	In          string         `yaml:"in"`
	Description string         `yaml:"description"`
	Required    bool           `yaml:"required"`
	Schema      map[string]any `yaml:"schema"`
}

type operation struct {
	method     string
	path       string
	parameters []openAPIParameter
	hasBody    bool
}

// Load fetches and parses the document at def.URL. YAML and JSON documents
// are both accepted.
func (l *OpenAPILoader) Load(ctx context.Context, name string, def *definition.ToolsetDefinition) (Plugin, error) {
	if def.URL == "" {
		return nil, problem.InvalidConfiguration("openapi toolset %s requires url", name)
	}

	raw, err := l.fetch(ctx, def.URL)
	if err != nil {
		return nil, err
	}

	var doc openAPIDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse openapi document: %w", err)
	}

	base, err := serverURL(def, &doc)
	if err != nil {
		return nil, err
	}

	p := &openAPIPlugin{
		name:       name,
		client:     l.client,
		baseURL:    base,
		headers:    def.Headers,
		operations: make(map[string]operation),
	}

	paths := make([]string, 0, len(doc.Paths))
	for path := range doc.Paths {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		item := doc.Paths[path]
		for _, m := range []struct {
			method string
			op     *openAPIOperation
		}{
			{http.MethodGet, item.Get},
			{http.MethodPut, item.Put},
			{http.MethodPost, item.Post},
			{http.MethodDelete, item.Delete},
			{http.MethodPatch, item.Patch},
		} {
			if m.op == nil {
				continue
			}
			p.add(m.method, path, item.Parameters, m.op)
		}
	}
	return p, nil
}

func (l *OpenAPILoader) fetch(ctx context.Context, location string) ([]byte, error) {
	if !strings.HasPrefix(location, "http://") && !strings.HasPrefix(location, "https://") {
		data, err := os.ReadFile(location)
		if err != nil {
			return nil, fmt.Errorf("failed to read openapi document: %w", err)
		}
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch openapi document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch openapi document: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// serverURL picks the server_url override, else the document's first
// server resolved against the document location.
func serverURL(def *definition.ToolsetDefinition, doc *openAPIDocument) (string, error) {
	if def.ServerURL != "" {
		return strings.TrimRight(def.ServerURL, "/"), nil
	}
	if len(doc.Servers) == 0 {
		return "", problem.InvalidConfiguration("openapi document declares no servers and server_url is not set")
	}
	server, err := url.Parse(doc.Servers[0].URL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	if !server.IsAbs() {
		location, err := url.Parse(def.URL)
		if err != nil || !location.IsAbs() {
			return "", problem.InvalidConfiguration("openapi server url %q is relative", doc.Servers[0].URL)
		}
		server = location.ResolveReference(server)
	}
	return strings.TrimRight(server.String(), "/"), nil
}

type openAPIPlugin struct {
	name       string
	client     *http.Client
	baseURL    string
	headers    map[string]string
	functions  []Function
	operations map[string]operation
}

func (p *openAPIPlugin) add(method, path string, shared []openAPIParameter, op *openAPIOperation) {
	id := op.OperationID
	if id == "" {
		id = operationName(method, path)
	}

	params := append(append([]openAPIParameter{}, shared...), op.Parameters...)
	properties := make(map[string]any)
	var required []string
	for _, param := range params {
		schema := map[string]any{"type": "string"}
		if param.Schema != nil {
			schema = param.Schema
		}
		if param.Description != "" {
			schema = withDescription(schema, param.Description)
		}
		properties[param.Name] = schema
		if param.Required || param.In == "path" {
			required = append(required, param.Name)
		}
	}

	hasBody := false
	if op.RequestBody != nil {
		if content, ok := op.RequestBody.Content["application/json"]; ok {
			hasBody = true
			schema := content.Schema
			if schema == nil {
				schema = map[string]any{"type": "object"}
			}
			properties["body"] = schema
			if op.RequestBody.Required {
				required = append(required, "body")
			}
		}
	}

	parameters := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		parameters["required"] = required
	}

	description := op.Summary
	if description == "" {
		description = op.Description
	}
	p.functions = append(p.functions, Function{Name: id, Description: description, Parameters: parameters})
	p.operations[id] = operation{method: method, path: path, parameters: params, hasBody: hasBody}
}

func withDescription(schema map[string]any, description string) map[string]any {
	out := make(map[string]any, len(schema)+1)
	for k, v := range schema {
		out[k] = v
	}
	out["description"] = description
	return out
}

// operationName derives a function name for operations without an operationId.
func operationName(method, path string) string {
	var sb strings.Builder
	sb.WriteString(strings.ToLower(method))
	for _, part := range strings.Split(path, "/") {
		part = strings.Trim(part, "{}")
		if part == "" {
			continue
		}
		sb.WriteByte('_')
		sb.WriteString(part)
	}
	return sb.String()
}

func (p *openAPIPlugin) Name() string          { return p.name }
func (p *openAPIPlugin) Functions() []Function { return p.functions }
func (p *openAPIPlugin) Close() error          { return nil }

func (p *openAPIPlugin) Invoke(ctx context.Context, function string, args map[string]any) (string, error) {
	op, ok := p.operations[function]
	if !ok {
		return "", problem.InvalidOperation("toolset %s has no function %q", p.name, function)
	}

	path := op.path
	query := url.Values{}
	header := http.Header{}
	for _, param := range op.parameters {
		value, present := args[param.Name]
		if !present {
			if param.Required || param.In == "path" {
				return "", problem.InvalidOperation("%s requires parameter %q", function, param.Name)
			}
			continue
		}
		s := fmt.Sprint(value)
		switch param.In {
		case "path":
			path = strings.ReplaceAll(path, "{"+param.Name+"}", url.PathEscape(s))
		case "query":
			query.Set(param.Name, s)
		case "header":
			header.Set(param.Name, s)
		}
	}

	var body io.Reader
	if op.hasBody {
		if payload, ok := args["body"]; ok {
			data, err := json.Marshal(payload)
			if err != nil {
				return "", fmt.Errorf("failed to encode body: %w", err)
			}
			body = bytes.NewReader(data)
		}
	}

	target := p.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, op.method, target, body)
	if err != nil {
		return "", err
	}
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}
	for k := range header {
		req.Header.Set(k, header.Get(k))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call %s: %w", function, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read %s response: %w", function, err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%s returned status %d: %s", function, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return string(data), nil
}
