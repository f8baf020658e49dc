// Package a2a is a client for the agent-to-agent JSON-RPC protocol: agent
// card discovery, message/send and message/stream over server-sent events.
package a2a

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Well-known agent card locations, newest first.
var cardPaths = []string{"/.well-known/agent-card.json", "/.well-known/agent.json"}

// AgentCard describes a remote agent.
type AgentCard struct {
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	URL          string       `json:"url"`
	Version      string       `json:"version,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
	Skills       []AgentSkill `json:"skills,omitempty"`
}

// Capabilities lists optional protocol features.
type Capabilities struct {
	Streaming bool `json:"streaming,omitempty"`
}

// AgentSkill is an advertised capability.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Role of a message author.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// Part is one piece of message or artifact content. Only text parts carry
// Text; other kinds are passed through untouched.
type Part struct {
	Kind string         `json:"kind"`
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// TextPart returns a text part.
func TextPart(text string) Part {
	return Part{Kind: "text", Text: text}
}

// Message is one conversational turn.
type Message struct {
	Kind      string `json:"kind"`
	MessageID string `json:"messageId"`
	ContextID string `json:"contextId,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
	Role      string `json:"role"`
	Parts     []Part `json:"parts"`
}

// Text concatenates the text parts.
func (m *Message) Text() string {
	return partsText(m.Parts)
}

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskSubmitted     TaskState = "submitted"
	TaskWorking       TaskState = "working"
	TaskInputRequired TaskState = "input-required"
	TaskCompleted     TaskState = "completed"
	TaskCanceled      TaskState = "canceled"
	TaskFailed        TaskState = "failed"
	TaskRejected      TaskState = "rejected"
)

// TaskStatus is a task's current state.
type TaskStatus struct {
	State   TaskState `json:"state"`
	Message *Message  `json:"message,omitempty"`
}

// Artifact is an output produced by a task.
type Artifact struct {
	ArtifactID string `json:"artifactId"`
	Name       string `json:"name,omitempty"`
	Parts      []Part `json:"parts"`
}

// Text concatenates the text parts.
func (a *Artifact) Text() string {
	return partsText(a.Parts)
}

// Task is a unit of remote work.
type Task struct {
	Kind      string     `json:"kind"`
	ID        string     `json:"id"`
	ContextID string     `json:"contextId,omitempty"`
	Status    TaskStatus `json:"status"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// MessageSendParams are the params of message/send and message/stream.
type MessageSendParams struct {
	Message Message `json:"message"`
}

// SendResult is the result of message/send: either a task or a direct message.
type SendResult struct {
	Task    *Task
	Message *Message
}

// UnmarshalJSON dispatches on the kind field.
func (r *SendResult) UnmarshalJSON(data []byte) error {
	var envelope struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}
	switch envelope.Kind {
	case "task":
		r.Task = new(Task)
		return json.Unmarshal(data, r.Task)
	case "message":
		r.Message = new(Message)
		return json.Unmarshal(data, r.Message)
	default:
		return fmt.Errorf("unexpected result kind %q", envelope.Kind)
	}
}

// StatusUpdateEvent reports a task state change. Final marks the last event
// of a stream.
type StatusUpdateEvent struct {
	TaskID    string     `json:"taskId"`
	ContextID string     `json:"contextId,omitempty"`
	Status    TaskStatus `json:"status"`
	Final     bool       `json:"final"`
}

// ArtifactUpdateEvent carries artifact content produced while streaming.
type ArtifactUpdateEvent struct {
	TaskID    string   `json:"taskId"`
	ContextID string   `json:"contextId,omitempty"`
	Artifact  Artifact `json:"artifact"`
	Append    bool     `json:"append,omitempty"`
	LastChunk bool     `json:"lastChunk,omitempty"`
}

// StreamEvent is one event of a message/stream response. Exactly one field
// is set.
type StreamEvent struct {
	Task           *Task
	Message        *Message
	StatusUpdate   *StatusUpdateEvent
	ArtifactUpdate *ArtifactUpdateEvent
}

// UnmarshalJSON dispatches on the kind field.
func (e *StreamEvent) UnmarshalJSON(data []byte) error {
	var envelope struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}
	switch envelope.Kind {
	case "task":
		e.Task = new(Task)
		return json.Unmarshal(data, e.Task)
	case "message":
		e.Message = new(Message)
		return json.Unmarshal(data, e.Message)
	case "status-update":
		e.StatusUpdate = new(StatusUpdateEvent)
		return json.Unmarshal(data, e.StatusUpdate)
	case "artifact-update":
		e.ArtifactUpdate = new(ArtifactUpdateEvent)
		return json.Unmarshal(data, e.ArtifactUpdate)
	default:
		return fmt.Errorf("unexpected event kind %q", envelope.Kind)
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func partsText(parts []Part) string {
	var sb strings.Builder
	for _, p := range parts {
		if p.Kind == "text" || p.Kind == "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}
