// Package problem defines the error taxonomy shared by the resolver, the
// factories and the orchestrator, and renders errors as structured problems
// (type, title, status, detail) for callers such as an HTTP layer.
package problem

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and status mapping.
type Kind string

const (
	KindNotFound             Kind = "not_found"
	KindInvalidConfiguration Kind = "invalid_configuration"
	KindInvalidQualifiedName Kind = "invalid_qualified_name"
	KindCommunication        Kind = "communication_error"
	KindUnsupportedOperation Kind = "unsupported_operation"
	KindUnsupportedProvider  Kind = "unsupported_provider"
	KindInvalidOperation     Kind = "invalid_operation"
)

// Sentinels usable with errors.Is. Every *Error matches the sentinel of its Kind.
var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrInvalidQualifiedName = errors.New("invalid qualified name")
	ErrCommunication        = errors.New("communication error")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrUnsupportedProvider  = errors.New("unsupported provider")
	ErrInvalidOperation     = errors.New("invalid operation")
)

var sentinels = map[Kind]error{
	KindNotFound:             ErrNotFound,
	KindInvalidConfiguration: ErrInvalidConfiguration,
	KindInvalidQualifiedName: ErrInvalidQualifiedName,
	KindCommunication:        ErrCommunication,
	KindUnsupportedOperation: ErrUnsupportedOperation,
	KindUnsupportedProvider:  ErrUnsupportedProvider,
	KindInvalidOperation:     ErrInvalidOperation,
}

// Error is a classified error.
type Error struct {
	Kind   Kind
	Title  string
	Detail string
	Cause  error
}

// Error returns a human-readable description.
func (e *Error) Error() string {
	msg := e.Title
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

func newError(kind Kind, title, format string, args ...any) *Error {
	return &Error{Kind: kind, Title: title, Detail: fmt.Sprintf(format, args...)}
}

// ComponentNotFound reports an unresolvable component reference.
func ComponentNotFound(kind, ref string) *Error {
	return newError(KindNotFound, "Component not found", "%s %q could not be resolved", kind, ref)
}

// AgentNotFound reports an agent reference missing from the agents collection.
func AgentNotFound(ref string) *Error {
	return newError(KindNotFound, "Agent not found", "agent %q is not defined", ref)
}

// ResourceNotFound reports a missing persisted resource.
func ResourceNotFound(kind, name, namespace string) *Error {
	return newError(KindNotFound, "Resource not found", "%s %s.%s does not exist", kind, name, namespace)
}

// InvalidConfiguration reports a missing or inconsistent configuration value.
func InvalidConfiguration(format string, args ...any) *Error {
	return newError(KindInvalidConfiguration, "Invalid configuration", format, args...)
}

// InvalidQualifiedName reports a global reference that is not name.namespace.
func InvalidQualifiedName(ref string) *Error {
	return newError(KindInvalidQualifiedName, "Invalid qualified name", "%q must be of the form name.namespace", ref)
}

// UnsupportedOperation reports an unknown variant or a missing capability.
func UnsupportedOperation(format string, args ...any) *Error {
	return newError(KindUnsupportedOperation, "Unsupported operation", format, args...)
}

// UnsupportedProvider reports an unknown reasoning or embedding provider.
func UnsupportedProvider(provider string) *Error {
	return newError(KindUnsupportedProvider, "Unsupported provider", "provider %q is not supported", provider)
}

// InvalidOperation reports an operation that cannot proceed with the data it was given.
func InvalidOperation(format string, args ...any) *Error {
	return newError(KindInvalidOperation, "Invalid operation", format, args...)
}

// DecompositionParseError reports a decomposition output that is not a JSON
// object of agent name to sub-prompt.
func DecompositionParseError(output string, cause error) *Error {
	e := newError(KindInvalidOperation, "Decomposition parse error", "decomposition output is not a JSON object of agent prompts: %q", truncate(output, 200))
	e.Cause = cause
	return e
}

// Wrap attaches a cause to a classified error and returns it.
func (e *Error) Wrap(cause error) *Error {
	e.Cause = cause
	return e
}

// Problem is the structured, caller-facing rendering of an error.
type Problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Status maps an error kind to an HTTP status code.
func Status(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidConfiguration, KindInvalidQualifiedName:
		return http.StatusUnprocessableEntity
	case KindCommunication:
		return http.StatusBadGateway
	case KindUnsupportedOperation, KindUnsupportedProvider:
		return http.StatusNotImplemented
	case KindInvalidOperation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// From renders any error as a Problem. Unclassified errors become 500s.
func From(err error) Problem {
	var pe *Error
	if errors.As(err, &pe) {
		return Problem{
			Type:   "urn:convergence:problem:" + string(pe.Kind),
			Title:  pe.Title,
			Status: Status(pe.Kind),
			Detail: err.Error(),
		}
	}
	var ce *CommunicationError
	if errors.As(err, &ce) {
		return Problem{
			Type:   "urn:convergence:problem:" + string(KindCommunication),
			Title:  "Agent communication error",
			Status: http.StatusBadGateway,
			Detail: err.Error(),
		}
	}
	return Problem{
		Type:   "about:blank",
		Title:  http.StatusText(http.StatusInternalServerError),
		Status: http.StatusInternalServerError,
		Detail: err.Error(),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
