// Package kernel assembles the capabilities an agent or strategy function
// runs on: a chat completion connector, optional retrieval over a vector
// store, and loaded toolsets.
package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aixgo-dev/convergence/internal/llm/provider"
	"github.com/aixgo-dev/convergence/internal/observability"
	"github.com/aixgo-dev/convergence/internal/plugin"
	"github.com/aixgo-dev/convergence/pkg/chat"
	"github.com/aixgo-dev/convergence/pkg/definition"
	metrics "github.com/aixgo-dev/convergence/pkg/observability"
	"github.com/aixgo-dev/convergence/pkg/problem"
)

// MaxToolRounds bounds how many consecutive model turns in one Stream call
// may end in tool calls.
const MaxToolRounds = 8

// ToolName is the name a toolset function is offered to the model under.
func ToolName(toolset, function string) string {
	return toolset + "-" + function
}

// Kernel is an assembled set of capabilities.
type Kernel struct {
	chat      provider.Provider
	settings  *definition.ExecutionSettings
	knowledge *Knowledge
	plugins   map[string]plugin.Plugin
}

// New creates a kernel from already built capabilities. Any of them may be nil.
func New(chat provider.Provider, settings *definition.ExecutionSettings, knowledge *Knowledge, plugins ...plugin.Plugin) *Kernel {
	k := &Kernel{
		chat:      chat,
		settings:  settings,
		knowledge: knowledge,
		plugins:   make(map[string]plugin.Plugin, len(plugins)),
	}
	for _, p := range plugins {
		k.plugins[p.Name()] = p
	}
	return k
}

// ChatCompletion returns the reasoning connector, if the kernel has one.
func (k *Kernel) ChatCompletion() (provider.Provider, bool) {
	return k.chat, k.chat != nil
}

// Knowledge returns the retrieval capability or nil.
func (k *Kernel) Knowledge() *Knowledge {
	return k.knowledge
}

// Plugin returns a loaded toolset by name.
func (k *Kernel) Plugin(name string) (plugin.Plugin, bool) {
	p, ok := k.plugins[name]
	return p, ok
}

// Plugins returns the loaded toolsets sorted by name.
func (k *Kernel) Plugins() []plugin.Plugin {
	names := make([]string, 0, len(k.plugins))
	for name := range k.plugins {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]plugin.Plugin, len(names))
	for i, name := range names {
		out[i] = k.plugins[name]
	}
	return out
}

// Close releases the knowledge capability. Plugins belong to the manager
// that loaded them and stay open.
func (k *Kernel) Close() error {
	if k.knowledge == nil {
		return nil
	}
	return k.knowledge.Close()
}

// Stream sends messages to the reasoning connector and yields the reply as
// assistant fragments in arrival order. settings override the kernel's own
// execution settings field by field.
//
// Functions of the loaded toolsets are offered to the model. When a turn ends
// in tool calls they are dispatched to the owning plugin, the results are
// appended to the conversation and the model is asked again. Tool traffic is
// not yielded; only assistant text is.
func (k *Kernel) Stream(ctx context.Context, messages []chat.Message, settings *definition.ExecutionSettings) iter.Seq2[*chat.StreamingContent, error] {
	return func(yield func(*chat.StreamingContent, error) bool) {
		if k.chat == nil {
			yield(nil, problem.UnsupportedOperation("kernel has no chat completion capability"))
			return
		}

		req := k.request(messages, settings)
		for round := 0; ; round++ {
			text, calls, ok := k.turn(ctx, req, yield)
			if !ok || len(calls) == 0 {
				return
			}
			if round == MaxToolRounds {
				yield(nil, problem.InvalidOperation("model kept calling tools after %d rounds", MaxToolRounds))
				return
			}

			req.Messages = append(req.Messages, provider.Message{Role: "assistant", Content: text, ToolCalls: calls})
			for _, call := range calls {
				result, err := k.invokeTool(ctx, call)
				if err != nil {
					yield(nil, err)
					return
				}
				req.Messages = append(req.Messages, provider.Message{
					Role:       "tool",
					Content:    result,
					ToolCallID: call.ID,
					Name:       call.Function.Name,
				})
			}
		}
	}
}

// turn streams one model reply. ok is false once the stream failed or the
// consumer stopped.
func (k *Kernel) turn(ctx context.Context, req provider.CompletionRequest, yield func(*chat.StreamingContent, error) bool) (string, []provider.ToolCall, bool) {
	stream, err := k.chat.CreateStreaming(ctx, req)
	if err != nil {
		yield(nil, err)
		return "", nil, false
	}
	defer stream.Close()

	var text strings.Builder
	var calls provider.ToolCallAccumulator
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return text.String(), calls.Calls(), true
		}
		if err != nil {
			yield(nil, err)
			return "", nil, false
		}
		if chunk == nil {
			continue
		}
		calls.Add(chunk.ToolCallDeltas)
		if chunk.Delta == "" {
			continue
		}
		text.WriteString(chunk.Delta)
		if !yield(&chat.StreamingContent{Content: chunk.Delta, Role: chat.RoleAssistant}, nil) {
			return "", nil, false
		}
	}
}

// invokeTool runs one tool call. A call naming no loaded function, or with
// arguments that are not a JSON object, fails the stream; a plugin failure is
// reported back to the model as the call's result.
func (k *Kernel) invokeTool(ctx context.Context, call provider.ToolCall) (string, error) {
	p, function, ok := k.lookupTool(call.Function.Name)
	if !ok {
		return "", problem.InvalidOperation("model called unknown tool %q", call.Function.Name)
	}
	var args map[string]any
	if err := json.Unmarshal(call.Function.Arguments, &args); err != nil {
		return "", problem.InvalidOperation("arguments for tool %q are not a JSON object", call.Function.Name).Wrap(err)
	}

	ctx, span := observability.StartSpan(ctx, "kernel.tool.invoke",
		trace.WithAttributes(
			attribute.String("tool.toolset", p.Name()),
			attribute.String("tool.function", function),
		))
	defer span.End()

	result, err := p.Invoke(ctx, function, args)
	if err != nil {
		observability.RecordError(span, err)
		metrics.RecordToolCall(p.Name(), "failure")
		return "Error: " + err.Error(), nil
	}
	metrics.RecordToolCall(p.Name(), "success")
	return result, nil
}

func (k *Kernel) lookupTool(name string) (plugin.Plugin, string, bool) {
	for _, p := range k.Plugins() {
		for _, f := range p.Functions() {
			if ToolName(p.Name(), f.Name) == name {
				return p, f.Name, true
			}
		}
	}
	return nil, "", false
}

func (k *Kernel) request(messages []chat.Message, override *definition.ExecutionSettings) provider.CompletionRequest {
	req := provider.CompletionRequest{Messages: make([]provider.Message, len(messages))}
	for i, m := range messages {
		req.Messages[i] = provider.Message{Role: string(m.Role), Content: m.Content}
	}

	for _, p := range k.Plugins() {
		for _, f := range p.Functions() {
			tool := provider.Tool{Name: ToolName(p.Name(), f.Name), Description: f.Description}
			if len(f.Parameters) > 0 {
				if schema, err := json.Marshal(f.Parameters); err == nil {
					tool.Parameters = schema
				}
			}
			req.Tools = append(req.Tools, tool)
		}
	}

	for _, s := range []*definition.ExecutionSettings{k.settings, override} {
		if s == nil {
			continue
		}
		if s.Temperature != nil {
			req.Temperature = s.Temperature
		}
		if s.TopP != nil {
			req.TopP = s.TopP
		}
		if s.MaxTokens > 0 {
			req.MaxTokens = s.MaxTokens
		}
		if len(s.Stop) > 0 {
			req.Stop = s.Stop
		}
	}
	return req
}
