package chat

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrStreamConsumed is yielded when a ResponseStream is ranged over twice.
var ErrStreamConsumed = errors.New("response stream already consumed")

// ResponseStream is a lazily evaluated, forward-only sequence of content
// fragments. Nothing runs until the caller starts ranging over All.
type ResponseStream struct {
	ID       string
	seq      iter.Seq2[*StreamingContent, error]
	consumed atomic.Bool
}

// NewResponseStream wraps seq with a fresh stream ID.
func NewResponseStream(seq iter.Seq2[*StreamingContent, error]) *ResponseStream {
	return &ResponseStream{ID: uuid.New().String(), seq: seq}
}

// All returns the underlying sequence. The stream can be consumed once; later
// calls yield ErrStreamConsumed.
func (s *ResponseStream) All() iter.Seq2[*StreamingContent, error] {
	if !s.consumed.CompareAndSwap(false, true) {
		return func(yield func(*StreamingContent, error) bool) {
			yield(nil, ErrStreamConsumed)
		}
	}
	return s.seq
}

// Collect drains the stream into a Response.
func (s *ResponseStream) Collect() (*Response, error) {
	msgs, err := Buffer(s.All())
	if err != nil {
		return nil, err
	}
	return &Response{ID: s.ID, Messages: msgs}, nil
}

// Buffer drains seq into complete messages. Consecutive fragments with the
// same role and agent are concatenated; a change of either starts a new message.
func Buffer(seq iter.Seq2[*StreamingContent, error]) ([]*Message, error) {
	var (
		msgs    []*Message
		current *Message
		sb      strings.Builder
	)
	flush := func() {
		if current != nil {
			current.Content = sb.String()
			msgs = append(msgs, current)
			current = nil
			sb.Reset()
		}
	}

	for c, err := range seq {
		if err != nil {
			return nil, err
		}
		if c == nil {
			continue
		}
		if current == nil || current.Role != c.Role || current.AgentName != c.AgentName {
			flush()
			current = &Message{Role: c.Role, AgentName: c.AgentName, Metadata: c.Metadata}
		}
		sb.WriteString(c.Content)
	}
	flush()
	return msgs, nil
}

// Of yields the given contents in order, stopping early if ctx is done.
func Of(ctx context.Context, contents ...*StreamingContent) iter.Seq2[*StreamingContent, error] {
	return func(yield func(*StreamingContent, error) bool) {
		for _, c := range contents {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

// Fail yields a single error.
func Fail(err error) iter.Seq2[*StreamingContent, error] {
	return func(yield func(*StreamingContent, error) bool) {
		yield(nil, err)
	}
}

// Text concatenates every fragment of seq.
func Text(seq iter.Seq2[*StreamingContent, error]) (string, error) {
	var sb strings.Builder
	for c, err := range seq {
		if err != nil {
			return "", err
		}
		if c != nil {
			sb.WriteString(c.Content)
		}
	}
	return sb.String(), nil
}
