package definition

// ProcessType is the variant tag of a process definition.
type ProcessType string

const (
	ProcessConvergence   ProcessType = "convergence"
	ProcessCollaboration ProcessType = "collaboration"
)

// DefaultMaxTurns bounds a collaboration when max_turns is not set.
const DefaultMaxTurns = 5

// ProcessDefinition is the document form of a process.
type ProcessDefinition struct {
	Reference
	Type        ProcessType                 `json:"type"`
	Description string                      `json:"description,omitempty"`
	Agents      map[string]*AgentDefinition `json:"agents"`
	Strategy    Strategy                    `json:"strategy"`
	Components  *ComponentCollection        `json:"components,omitempty"`

	// MaxConcurrency bounds the fan-out; zero means unbounded.
	MaxConcurrency int `json:"max_concurrency,omitempty"`
	// MaxTurns bounds a collaboration.
	MaxTurns int `json:"max_turns,omitempty"`
}

// UnmarshalJSON keeps the raw tree next to the typed fields.
func (d *ProcessDefinition) UnmarshalJSON(data []byte) error {
	type plain ProcessDefinition
	return unmarshalWithTree(data, (*plain)(d), &d.Reference)
}

// Strategy holds the kernel functions a process runs around its agents.
// Convergence uses Decomposition and Synthesis; collaboration uses Selection
// and Termination.
type Strategy struct {
	Decomposition *FunctionDefinition `json:"decomposition,omitempty"`
	Synthesis     *FunctionDefinition `json:"synthesis,omitempty"`
	Selection     *FunctionDefinition `json:"selection,omitempty"`
	Termination   *FunctionDefinition `json:"termination,omitempty"`
}

// ComponentCollection is a namespaced set of reusable definitions carried
// with a process. It is never modified after decoding.
type ComponentCollection struct {
	Namespace string                        `json:"namespace,omitempty"`
	Agents    map[string]*AgentDefinition   `json:"agents,omitempty"`
	Kernels   map[string]*KernelDefinition  `json:"kernels,omitempty"`
	Toolsets  map[string]*ToolsetDefinition `json:"toolsets,omitempty"`
}

// Agent looks up an agent by name. A nil collection is empty.
func (c *ComponentCollection) Agent(name string) (*AgentDefinition, bool) {
	if c == nil {
		return nil, false
	}
	d, ok := c.Agents[name]
	return d, ok && d != nil
}

// Kernel looks up a kernel by name.
func (c *ComponentCollection) Kernel(name string) (*KernelDefinition, bool) {
	if c == nil {
		return nil, false
	}
	d, ok := c.Kernels[name]
	return d, ok && d != nil
}

// Toolset looks up a toolset by name.
func (c *ComponentCollection) Toolset(name string) (*ToolsetDefinition, bool) {
	if c == nil {
		return nil, false
	}
	d, ok := c.Toolsets[name]
	return d, ok && d != nil
}
