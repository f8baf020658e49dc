package definition

import "github.com/aixgo-dev/convergence/pkg/problem"

// AgentType is the variant tag of an agent definition.
type AgentType string

const (
	AgentHosted AgentType = "hosted"
	AgentRemote AgentType = "remote"
)

// ChannelType selects the remote protocol.
type ChannelType string

// ChannelA2A is the agent-to-agent JSON-RPC protocol.
const ChannelA2A ChannelType = "a2a"

// Skill describes a capability advertised to the decomposition prompt.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Channel describes how to reach a remote agent.
type Channel struct {
	Type     ChannelType       `json:"type"`
	Endpoint string            `json:"endpoint,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// AgentDefinition is the document form of an agent. Which fields apply
// depends on Type; Variant returns the typed view.
type AgentDefinition struct {
	Reference
	Type        AgentType `json:"type,omitempty"`
	Description string    `json:"description,omitempty"`

	Kernel       *KernelDefinition `json:"kernel,omitempty"`
	Instructions string            `json:"instructions,omitempty"`
	Skills       []Skill           `json:"skills,omitempty"`

	Channel *Channel `json:"channel,omitempty"`
}

// UnmarshalJSON keeps the raw tree next to the typed fields.
func (d *AgentDefinition) UnmarshalJSON(data []byte) error {
	type plain AgentDefinition
	return unmarshalWithTree(data, (*plain)(d), &d.Reference)
}

// AgentVariant is either Hosted or Remote.
type AgentVariant interface {
	agentVariant()
}

// Hosted is an agent backed by a locally assembled kernel.
type Hosted struct {
	Description  string
	Kernel       *KernelDefinition
	Instructions string
	Skills       []Skill
}

// Remote is an agent reached over a channel.
type Remote struct {
	Description string
	Channel     Channel
}

func (Hosted) agentVariant() {}
func (Remote) agentVariant() {}

// Variant returns the typed view of an inline definition. An empty type
// defaults to hosted.
func (d *AgentDefinition) Variant() (AgentVariant, error) {
	switch d.Type {
	case AgentHosted, "":
		if d.Kernel == nil {
			return nil, problem.InvalidConfiguration("hosted agent requires a kernel")
		}
		return Hosted{
			Description:  d.Description,
			Kernel:       d.Kernel,
			Instructions: d.Instructions,
			Skills:       d.Skills,
		}, nil
	case AgentRemote:
		if d.Channel == nil {
			return nil, problem.InvalidConfiguration("remote agent requires a channel")
		}
		return Remote{Description: d.Description, Channel: *d.Channel}, nil
	default:
		return nil, problem.UnsupportedOperation("agent type %q is not supported", d.Type)
	}
}
