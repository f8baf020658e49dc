package problem

import "fmt"

// CommunicationError is returned when a remote agent answers with a protocol
// error or cannot be reached. Code carries the remote error code when one was
// returned, 0 for transport failures.
type CommunicationError struct {
	Agent   string
	Code    int
	Message string
	Cause   error
}

// Error returns a human-readable description.
func (e *CommunicationError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("agent %s communication error (code %d): %s", e.Agent, e.Code, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("agent %s communication error: %s: %v", e.Agent, e.Message, e.Cause)
	}
	return fmt.Sprintf("agent %s communication error: %s", e.Agent, e.Message)
}

// Unwrap returns the transport error, if any.
func (e *CommunicationError) Unwrap() error {
	return e.Cause
}

// Is matches ErrCommunication.
func (e *CommunicationError) Is(target error) bool {
	return target == ErrCommunication
}
