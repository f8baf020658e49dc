package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferConcatenatesSameRole(t *testing.T) {
	seq := Of(context.Background(),
		&StreamingContent{Role: RoleAssistant, Content: "Hel"},
		&StreamingContent{Role: RoleAssistant, Content: "lo"},
		&StreamingContent{Role: RoleSystem, Content: "--"},
		&StreamingContent{Role: RoleAssistant, Content: "again"},
	)

	msgs, err := Buffer(seq)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, RoleSystem, msgs[1].Role)
	assert.Equal(t, "again", msgs[2].Content)
}

func TestBufferSplitsOnAgentChange(t *testing.T) {
	seq := Of(context.Background(),
		&StreamingContent{Role: RoleAssistant, AgentName: "a", Content: "x"},
		&StreamingContent{Role: RoleAssistant, AgentName: "b", Content: "y"},
	)

	msgs, err := Buffer(seq)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].AgentName)
	assert.Equal(t, "b", msgs[1].AgentName)
}

func TestBufferPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Buffer(Fail(boom))
	assert.ErrorIs(t, err, boom)
}

func TestResponseStreamConsumeOnce(t *testing.T) {
	s := NewResponseStream(Of(context.Background(), &StreamingContent{Role: RoleAssistant, Content: "hi"}))
	assert.NotEmpty(t, s.ID)

	resp, err := s.Collect()
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Text())

	_, err = s.Collect()
	assert.ErrorIs(t, err, ErrStreamConsumed)
}

func TestStreamIsLazy(t *testing.T) {
	started := false
	s := NewResponseStream(func(yield func(*StreamingContent, error) bool) {
		started = true
		yield(&StreamingContent{Role: RoleAssistant, Content: "x"}, nil)
	})
	assert.False(t, started)

	_, err := s.Collect()
	require.NoError(t, err)
	assert.True(t, started)
}

func TestOfStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var got int
	var gotErr error
	for c, err := range Of(ctx, &StreamingContent{Content: "a"}, &StreamingContent{Content: "b"}) {
		if err != nil {
			gotErr = err
			break
		}
		if c != nil {
			got++
		}
	}
	assert.Zero(t, got)
	assert.ErrorIs(t, gotErr, context.Canceled)
}

func TestTaggedCopiesMetadata(t *testing.T) {
	m := &Message{Role: RoleAssistant, Content: "done", Metadata: map[string]any{"k": "v"}}
	c := Tagged(m, "writer")

	assert.Equal(t, "writer", c.Metadata[MetadataAgent])
	assert.Equal(t, "v", c.Metadata["k"])
	_, leaked := m.Metadata[MetadataAgent]
	assert.False(t, leaked)
}
