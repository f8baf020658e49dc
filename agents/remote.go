package agents

import (
	"context"
	"errors"
	"iter"

	"go.uber.org/zap"

	"github.com/aixgo-dev/convergence/agent"
	"github.com/aixgo-dev/convergence/pkg/a2a"
	"github.com/aixgo-dev/convergence/pkg/chat"
	"github.com/aixgo-dev/convergence/pkg/definition"
	"github.com/aixgo-dev/convergence/pkg/problem"
)

// RemoteAgent forwards messages to an A2A endpoint. The session ID is sent
// as the A2A context ID so the remote side can keep its own history.
type RemoteAgent struct {
	name        string
	description string
	endpoint    string
	card        *a2a.AgentCard
	client      *a2a.Client
	logger      *zap.Logger
}

// NewRemoteAgent creates a remote agent from a discovered card. An empty
// description falls back to the card's.
func NewRemoteAgent(name, description, endpoint string, card *a2a.AgentCard, client *a2a.Client, logger *zap.Logger) *RemoteAgent {
	if description == "" {
		description = card.Description
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteAgent{
		name:        name,
		description: description,
		endpoint:    endpoint,
		card:        card,
		client:      client,
		logger:      logger,
	}
}

func (a *RemoteAgent) Name() string        { return a.name }
func (a *RemoteAgent) Description() string { return a.description }

// Skills returns the skills advertised on the agent card.
func (a *RemoteAgent) Skills() []definition.Skill {
	skills := make([]definition.Skill, 0, len(a.card.Skills))
	for _, s := range a.card.Skills {
		name := s.Name
		if name == "" {
			name = s.ID
		}
		skills = append(skills, definition.Skill{Name: name, Description: s.Description})
	}
	return skills
}

// Card returns the discovered agent card.
func (a *RemoteAgent) Card() *a2a.AgentCard { return a.card }

// Invoke buffers InvokeStreaming.
func (a *RemoteAgent) Invoke(ctx context.Context, message string, opts ...agent.InvokeOption) (*chat.Response, error) {
	stream, err := a.InvokeStreaming(ctx, message, opts...)
	if err != nil {
		return nil, err
	}
	return stream.Collect()
}

// InvokeStreaming uses message/stream when the card advertises streaming and
// message/send otherwise.
func (a *RemoteAgent) InvokeStreaming(ctx context.Context, message string, opts ...agent.InvokeOption) (*chat.ResponseStream, error) {
	o := agent.Apply(opts...)
	params := a2a.MessageSendParams{Message: a2a.NewUserMessage(message, o.SessionID)}

	if a.card.Capabilities.Streaming {
		return chat.NewResponseStream(a.stream(ctx, params)), nil
	}
	return chat.NewResponseStream(a.send(ctx, params)), nil
}

func (a *RemoteAgent) stream(ctx context.Context, params a2a.MessageSendParams) iter.Seq2[*chat.StreamingContent, error] {
	return func(yield func(*chat.StreamingContent, error) bool) {
		for event, err := range a.client.SendMessageStream(ctx, a.endpoint, params) {
			if err != nil {
				yield(nil, withAgent(a.name, err))
				return
			}
			switch {
			case event.ArtifactUpdate != nil:
				if !a.yieldText(yield, event.ArtifactUpdate.Artifact.Text()) {
					return
				}
			case event.Message != nil:
				if !a.yieldText(yield, event.Message.Text()) {
					return
				}
			case event.StatusUpdate != nil:
				if err := a.taskError(event.StatusUpdate.Status); err != nil {
					yield(nil, err)
					return
				}
			case event.Task != nil:
				a.logger.Debug("remote task created", zap.String("agent", a.name), zap.String("task", event.Task.ID))
			}
		}
	}
}

func (a *RemoteAgent) send(ctx context.Context, params a2a.MessageSendParams) iter.Seq2[*chat.StreamingContent, error] {
	return func(yield func(*chat.StreamingContent, error) bool) {
		result, err := a.client.SendMessage(ctx, a.endpoint, params)
		if err != nil {
			yield(nil, withAgent(a.name, err))
			return
		}

		if result.Message != nil {
			a.yieldText(yield, result.Message.Text())
			return
		}

		task := result.Task
		if err := a.taskError(task.Status); err != nil {
			yield(nil, err)
			return
		}
		if len(task.Artifacts) == 0 && task.Status.Message != nil {
			a.yieldText(yield, task.Status.Message.Text())
			return
		}
		for i := range task.Artifacts {
			if !a.yieldText(yield, task.Artifacts[i].Text()) {
				return
			}
		}
	}
}

func (a *RemoteAgent) yieldText(yield func(*chat.StreamingContent, error) bool, text string) bool {
	if text == "" {
		return true
	}
	return yield(&chat.StreamingContent{Content: text, Role: chat.RoleAssistant, AgentName: a.name}, nil)
}

// taskError reports a task that ended without producing an answer.
func (a *RemoteAgent) taskError(status a2a.TaskStatus) error {
	switch status.State {
	case a2a.TaskFailed, a2a.TaskRejected, a2a.TaskCanceled:
		msg := "task " + string(status.State)
		if status.Message != nil {
			if text := status.Message.Text(); text != "" {
				msg += ": " + text
			}
		}
		return &problem.CommunicationError{Agent: a.name, Message: msg}
	default:
		return nil
	}
}

// withAgent stamps the agent name on communication errors from the client.
func withAgent(name string, err error) error {
	var ce *problem.CommunicationError
	if errors.As(err, &ce) && ce.Agent == "" {
		stamped := *ce
		stamped.Agent = name
		return &stamped
	}
	return err
}
