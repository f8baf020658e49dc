package problem

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesKindSentinel(t *testing.T) {
	err := fmt.Errorf("resolve: %w", ComponentNotFound("agent", "writer"))

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrInvalidConfiguration))
	assert.Contains(t, err.Error(), `agent "writer" could not be resolved`)
}

func TestFromMapsStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"not found", AgentNotFound("a"), http.StatusNotFound},
		{"invalid configuration", InvalidConfiguration("missing %s", "endpoint"), http.StatusUnprocessableEntity},
		{"qualified name", InvalidQualifiedName("a.b.c"), http.StatusUnprocessableEntity},
		{"communication", &CommunicationError{Agent: "r", Code: -32000, Message: "boom"}, http.StatusBadGateway},
		{"unsupported", UnsupportedProvider("cohere"), http.StatusNotImplemented},
		{"decomposition", DecompositionParseError("nope", errors.New("bad json")), http.StatusBadRequest},
		{"plain", errors.New("x"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := From(tt.err)
			assert.Equal(t, tt.status, p.Status)
			assert.NotEmpty(t, p.Title)
			assert.NotEmpty(t, p.Detail)
		})
	}
}

func TestCommunicationErrorIs(t *testing.T) {
	cause := errors.New("connection refused")
	err := &CommunicationError{Agent: "remote", Message: "send failed", Cause: cause}

	assert.True(t, errors.Is(err, ErrCommunication))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "connection refused")
}
