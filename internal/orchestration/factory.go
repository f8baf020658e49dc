package orchestration

import (
	"go.uber.org/zap"

	"github.com/aixgo-dev/convergence/pkg/definition"
	"github.com/aixgo-dev/convergence/pkg/problem"
)

// Factory creates processes from definitions.
type Factory struct {
	agents    AgentFactory
	functions FunctionBuilder
	logger    *zap.Logger
}

// NewFactory creates a process factory.
func NewFactory(agents AgentFactory, functions FunctionBuilder, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{agents: agents, functions: functions, logger: logger}
}

// Create builds the process def describes. A nil coll falls back to the
// components carried by def.
func (f *Factory) Create(name string, def *definition.ProcessDefinition, coll *definition.ComponentCollection) (Process, error) {
	if def == nil {
		return nil, problem.InvalidConfiguration("process %s has no definition", name)
	}
	if coll == nil {
		coll = def.Components
	}

	switch def.Type {
	case definition.ProcessConvergence:
		return NewConvergence(name, def, coll, f.agents, f.functions, f.logger), nil
	case definition.ProcessCollaboration:
		return NewCollaboration(name, def, coll, f.agents, f.functions, f.logger), nil
	default:
		return nil, problem.UnsupportedOperation("process type %q is not supported", def.Type)
	}
}
