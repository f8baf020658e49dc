package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"github.com/aixgo-dev/convergence/pkg/definition"
	"github.com/aixgo-dev/convergence/pkg/problem"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCP transports.
const (
	TransportStdio      = "stdio"
	TransportStreamable = "streamable"
	TransportSSE        = "sse"
)

// MCPLoader connects to MCP servers with the official SDK.
type MCPLoader struct {
	client *sdkmcp.Client

	// Transport builds the client transport for a definition. It defaults to
	// newTransport and is replaced in tests.
	Transport func(def *definition.ToolsetDefinition) (sdkmcp.Transport, error)
}

// NewMCPLoader creates an MCP loader.
func NewMCPLoader() *MCPLoader {
	return &MCPLoader{
		client: sdkmcp.NewClient(&sdkmcp.Implementation{
			Name:    "convergence",
			Version: "1.0.0",
		}, nil),
		Transport: newTransport,
	}
}

// Load connects and lists the server's tools.
func (l *MCPLoader) Load(ctx context.Context, name string, def *definition.ToolsetDefinition) (Plugin, error) {
	transport, err := l.Transport(def)
	if err != nil {
		return nil, err
	}

	session, err := l.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	result, err := session.ListTools(ctx, nil)
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	functions := make([]Function, 0, len(result.Tools))
	for _, t := range result.Tools {
		functions = append(functions, Function{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaMap(t.InputSchema),
		})
	}
	return &mcpPlugin{name: name, session: session, functions: functions}, nil
}

func newTransport(def *definition.ToolsetDefinition) (sdkmcp.Transport, error) {
	switch def.Transport {
	case "", TransportStdio:
		if def.Command == "" {
			return nil, problem.InvalidConfiguration("mcp stdio toolset requires command")
		}
		cmd := exec.Command(def.Command, def.Args...)
		cmd.Env = os.Environ()
		for k, v := range def.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
		return &sdkmcp.CommandTransport{Command: cmd}, nil

	case TransportStreamable:
		if def.URL == "" {
			return nil, problem.InvalidConfiguration("mcp streamable toolset requires url")
		}
		return &sdkmcp.StreamableClientTransport{Endpoint: def.URL, HTTPClient: httpClientWithHeaders(def.Headers)}, nil

	case TransportSSE:
		if def.URL == "" {
			return nil, problem.InvalidConfiguration("mcp sse toolset requires url")
		}
		return &sdkmcp.SSEClientTransport{Endpoint: def.URL, HTTPClient: httpClientWithHeaders(def.Headers)}, nil

	default:
		return nil, problem.UnsupportedOperation("mcp transport %q is not supported", def.Transport)
	}
}

type mcpPlugin struct {
	name      string
	session   *sdkmcp.ClientSession
	functions []Function
}

func (p *mcpPlugin) Name() string          { return p.name }
func (p *mcpPlugin) Functions() []Function { return p.functions }

func (p *mcpPlugin) Invoke(ctx context.Context, function string, args map[string]any) (string, error) {
	if !findFunction(p.functions, function) {
		return "", problem.InvalidOperation("toolset %s has no function %q", p.name, function)
	}

	result, err := p.session.CallTool(ctx, &sdkmcp.CallToolParams{Name: function, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("call %s: %w", function, err)
	}

	var out strings.Builder
	for _, content := range result.Content {
		if text, ok := content.(*sdkmcp.TextContent); ok {
			out.WriteString(text.Text)
		}
	}
	if result.IsError {
		return "", fmt.Errorf("tool %s failed: %s", function, out.String())
	}
	return out.String(), nil
}

func (p *mcpPlugin) Close() error {
	return p.session.Close()
}

// schemaMap normalizes whatever schema representation the SDK hands back
// into a plain JSON object.
func schemaMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func httpClientWithHeaders(headers map[string]string) *http.Client {
	if len(headers) == 0 {
		return &http.Client{}
	}
	return &http.Client{Transport: &headerRoundTripper{headers: headers, next: http.DefaultTransport}}
}

type headerRoundTripper struct {
	headers map[string]string
	next    http.RoundTripper
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())
	for k, v := range h.headers {
		cloned.Header.Set(k, v)
	}
	return h.next.RoundTrip(cloned)
}
