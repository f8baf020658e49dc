package kernel

import (
	"context"
	"iter"
	"strings"
	"text/template"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aixgo-dev/convergence/internal/observability"
	"github.com/aixgo-dev/convergence/pkg/chat"
	"github.com/aixgo-dev/convergence/pkg/definition"
	"github.com/aixgo-dev/convergence/pkg/problem"
)

// Function is a prompt template bound to a kernel.
type Function struct {
	kernel   *Kernel
	tmpl     *template.Template
	inputs   []string
	output   string
	settings *definition.ExecutionSettings
}

// NewFunction parses def.Template. Referencing an undeclared argument fails
// at render time.
func NewFunction(k *Kernel, def *definition.FunctionDefinition) (*Function, error) {
	if strings.TrimSpace(def.Template) == "" {
		return nil, problem.InvalidConfiguration("function template is empty")
	}
	tmpl, err := template.New("function").Option("missingkey=error").Parse(def.Template)
	if err != nil {
		return nil, problem.InvalidConfiguration("function template does not parse").Wrap(err)
	}
	return &Function{
		kernel:   k,
		tmpl:     tmpl,
		inputs:   def.InputVariables,
		output:   def.OutputVariable,
		settings: def.ExecutionSettings,
	}, nil
}

// OutputVariable is the name the function's result is published under, if any.
func (f *Function) OutputVariable() string {
	return f.output
}

// Kernel returns the kernel the function runs on.
func (f *Function) Kernel() *Kernel {
	return f.kernel
}

// Render executes the template against args after checking that every
// declared input variable is present.
func (f *Function) Render(args map[string]any) (string, error) {
	var missing []string
	for _, name := range f.inputs {
		if _, ok := args[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return "", problem.InvalidConfiguration("function is missing input variables: %s", strings.Join(missing, ", "))
	}

	var sb strings.Builder
	if err := f.tmpl.Execute(&sb, args); err != nil {
		return "", problem.InvalidConfiguration("function template failed to render").Wrap(err)
	}
	return sb.String(), nil
}

// InvokeStreaming renders the prompt and streams the model reply as it
// arrives.
func (f *Function) InvokeStreaming(ctx context.Context, args map[string]any) iter.Seq2[*chat.StreamingContent, error] {
	return func(yield func(*chat.StreamingContent, error) bool) {
		prompt, err := f.Render(args)
		if err != nil {
			yield(nil, err)
			return
		}

		ctx, span := observability.StartSpan(ctx, "kernel.function.invoke",
			trace.WithAttributes(attribute.Int("function.prompt_length", len(prompt))))
		defer span.End()

		messages := []chat.Message{{Role: chat.RoleUser, Content: prompt}}
		for c, err := range f.kernel.Stream(ctx, messages, f.settings) {
			if err != nil {
				observability.RecordError(span, err)
				yield(nil, err)
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

// Invoke buffers InvokeStreaming into complete messages.
func (f *Function) Invoke(ctx context.Context, args map[string]any) ([]*chat.Message, error) {
	return chat.Buffer(f.InvokeStreaming(ctx, args))
}
