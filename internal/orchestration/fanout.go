package orchestration

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/convergence/agent"
	"github.com/aixgo-dev/convergence/internal/observability"
	"github.com/aixgo-dev/convergence/pkg/chat"
	metrics "github.com/aixgo-dev/convergence/pkg/observability"
)

// Task is one agent invocation of a fan-out.
type Task struct {
	Agent  agent.Agent
	Prompt string
}

// AgentResponse is the outcome of one Task. A failed invocation carries Err
// and no messages.
type AgentResponse struct {
	AgentName  string
	StatusCode int
	Success    bool
	Messages   []*chat.Message
	Err        error
}

// Text concatenates the response messages.
func (r *AgentResponse) Text() string {
	var sb strings.Builder
	for _, m := range r.Messages {
		sb.WriteString(m.Content)
	}
	return sb.String()
}

// FanOut invokes every task concurrently and waits for all of them. At most
// limit tasks run at once when limit is positive. Failures are reported in
// the responses, never returned, and do not cancel the other tasks.
// Responses are in task order.
func FanOut(ctx context.Context, tasks []Task, sessionID string, limit int, logger *zap.Logger) []AgentResponse {
	if logger == nil {
		logger = zap.NewNop()
	}
	responses := make([]AgentResponse, len(tasks))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, task := range tasks {
		g.Go(func() error {
			responses[i] = invokeTask(ctx, task, sessionID, logger)
			return nil
		})
	}
	_ = g.Wait()
	return responses
}

func invokeTask(ctx context.Context, task Task, sessionID string, logger *zap.Logger) AgentResponse {
	name := task.Agent.Name()
	ctx, span := observability.StartSpan(ctx, "orchestration.agent."+name,
		trace.WithAttributes(
			attribute.String("orchestration.agent", name),
			attribute.Int("orchestration.prompt_length", len(task.Prompt)),
		))
	defer span.End()

	start := time.Now()
	resp, err := task.Agent.Invoke(ctx, task.Prompt, agent.WithSessionID(sessionID))
	duration := time.Since(start)

	if err != nil {
		observability.RecordError(span, err)
		metrics.RecordAgentInvocation(name, "failure", duration)
		logger.Warn("agent invocation failed",
			zap.String("agent", name),
			zap.Duration("duration", duration),
			zap.Error(err))
		return AgentResponse{AgentName: name, StatusCode: http.StatusInternalServerError, Err: err}
	}

	metrics.RecordAgentInvocation(name, "success", duration)
	span.SetAttributes(attribute.Int("orchestration.message_count", len(resp.Messages)))
	return AgentResponse{AgentName: name, StatusCode: http.StatusOK, Success: true, Messages: resp.Messages}
}
