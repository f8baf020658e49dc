package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aixgo-dev/convergence/pkg/chat"
	"github.com/aixgo-dev/convergence/pkg/definition"
	"github.com/aixgo-dev/convergence/pkg/resource"
)

// Labels set on run resources.
const (
	LabelProcess = "convergence.process"
	LabelStatus  = "convergence.status"
)

// Recorder stores runs as Run resources in a repository.
type Recorder struct {
	repo      resource.Repository
	namespace string
	logger    *zap.Logger
	now       func() time.Time
}

// NewRecorder creates a recorder writing to namespace.
func NewRecorder(repo resource.Repository, namespace string, logger *zap.Logger) *Recorder {
	if namespace == "" {
		namespace = resource.DefaultNamespace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{repo: repo, namespace: namespace, logger: logger, now: time.Now}
}

// Start records a new running run.
func (r *Recorder) Start(ctx context.Context, process, sessionID string) (*Run, error) {
	run := &Run{
		ID:        uuid.New().String(),
		Process:   process,
		SessionID: sessionID,
		Status:    StatusRunning,
		StartedAt: r.now().UTC(),
	}
	spec, err := definition.Encode(run)
	if err != nil {
		return nil, fmt.Errorf("encode run: %w", err)
	}

	stored, err := r.repo.Add(ctx, &resource.Resource{
		Kind: resource.KindRun,
		Metadata: resource.Metadata{
			Name:      run.ID,
			Namespace: r.namespace,
			Labels:    map[string]string{LabelProcess: process, LabelStatus: string(StatusRunning)},
		},
		Spec: spec,
	})
	if err != nil {
		return nil, fmt.Errorf("record run: %w", err)
	}
	run.version = stored.Metadata.Version
	return run, nil
}

// Finish marks run succeeded, or failed when cause is non-nil. The write is
// conditional on the version Start stored.
func (r *Recorder) Finish(ctx context.Context, run *Run, cause error) error {
	finished := r.now().UTC()
	run.FinishedAt = &finished
	run.Status = StatusSucceeded
	if cause != nil {
		run.Status = StatusFailed
		run.Error = cause.Error()
	}

	spec, err := definition.Encode(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	stored, err := r.repo.Update(ctx, &resource.Resource{
		Kind: resource.KindRun,
		Metadata: resource.Metadata{
			Name:      run.ID,
			Namespace: r.namespace,
			Labels:    map[string]string{LabelProcess: run.Process, LabelStatus: string(run.Status)},
		},
		Spec: spec,
	}, run.version)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", run.ID, err)
	}
	run.version = stored.Metadata.Version
	return nil
}

// Get loads a run by ID.
func (r *Recorder) Get(ctx context.Context, id string) (*Run, error) {
	res, err := r.repo.Get(ctx, resource.KindRun, id, r.namespace)
	if err != nil {
		return nil, err
	}
	return decodeRun(res)
}

// List returns the runs of process, or of every process when it is empty.
func (r *Recorder) List(ctx context.Context, process string) ([]*Run, error) {
	var selector map[string]string
	if process != "" {
		selector = map[string]string{LabelProcess: process}
	}
	resources, err := r.repo.List(ctx, resource.KindRun, r.namespace, selector)
	if err != nil {
		return nil, err
	}
	runs := make([]*Run, 0, len(resources))
	for _, res := range resources {
		run, err := decodeRun(res)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func decodeRun(res *resource.Resource) (*Run, error) {
	run, err := definition.Decode[Run](res.Spec)
	if err != nil {
		return nil, fmt.Errorf("decode run %s: %w", res.Metadata.Name, err)
	}
	run.version = res.Metadata.Version
	return run, nil
}

// Track records a run around stream. The run starts now and finishes when
// the returned stream ends; an error from the stream fails it. Recording
// failures are logged and never surface to the reader.
func (r *Recorder) Track(ctx context.Context, process, sessionID string, stream *chat.ResponseStream) *chat.ResponseStream {
	run, err := r.Start(ctx, process, sessionID)
	if err != nil {
		r.logger.Warn("failed to record run start", zap.String("process", process), zap.Error(err))
		return stream
	}

	tracked := chat.NewResponseStream(func(yield func(*chat.StreamingContent, error) bool) {
		var cause error
		defer func() {
			// The caller's context may already be done; the record must still land.
			finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := r.Finish(finishCtx, run, cause); err != nil {
				r.logger.Warn("failed to record run finish", zap.String("run", run.ID), zap.Error(err))
			}
		}()

		for item, err := range stream.All() {
			if err != nil {
				cause = err
			} else {
				run.Chunks++
			}
			if !yield(item, err) {
				return
			}
		}
	})
	tracked.ID = run.ID
	return tracked
}
