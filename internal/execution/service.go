package execution

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "reev-harness/internal/errors"
	"reev-harness/internal/flow"
	"reev-harness/pkg/logger"
)

// SubmitRequest asks for a plan to be run asynchronously. A caller-provided
// ExecutionID makes the submission idempotent.
type SubmitRequest struct {
	ExecutionID string                `json:"execution_id,omitempty"`
	Plan        *flow.DynamicFlowPlan `json:"plan"`
}

// Service creates and queries executions.
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService builds a Service. maxRetries below one means a single attempt.
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit validates the plan, stores a pending execution and publishes it.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Execution, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "execution service not initialized")
	}
	if req.Plan == nil {
		return nil, xerrors.New(CodeExecutionValidation, "plan is required")
	}
	req.Plan.ApplyDefaults(time.Now())
	if err := req.Plan.Validate(); err != nil {
		return nil, xerrors.Wrap(CodeExecutionValidation, err, "invalid flow plan")
	}

	id := strings.TrimSpace(req.ExecutionID)
	if id != "" {
		existing, err := s.store.Get(ctx, id)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrNotFound) {
			return nil, err
		}
	} else {
		id = uuid.NewString()
	}

	exec := &Execution{
		ID:         id,
		FlowID:     req.Plan.FlowID,
		Plan:       req.Plan,
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, exec); err != nil {
		if stdErrors.Is(err, ErrConflict) {
			if existing, getErr := s.store.Get(ctx, id); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, id); err != nil {
		logger.L().Error("publish execution failed", slog.String(logger.KeyExecutionID, id), slog.Any("error", err))
		wrapped := xerrors.Wrap(CodeExecutionPublish, err, "publish execution")
		_ = s.store.MarkFailed(ctx, id, Failure{Code: CodeExecutionPublish, Message: wrapped.Error(), Terminal: true})
		return nil, wrapped
	}
	logger.Audit().Info("execution queued",
		slog.String(logger.KeyExecutionID, id),
		slog.String(logger.KeyFlowID, exec.FlowID),
		slog.Int("steps", len(exec.Plan.Steps)),
		slog.Int("max_retries", exec.MaxRetries),
	)
	return exec, nil
}

// Get returns one execution.
func (s *Service) Get(ctx context.Context, id string) (*Execution, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "execution store not initialized")
	}
	return s.store.Get(ctx, id)
}

// List returns the executions matching opts.
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Execution, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "execution store not initialized")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats aggregates the executions matching opts.
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "execution store not initialized")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// Close releases the store and the producer.
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted polls until the execution succeeds or fails for good.
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Execution, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		exec, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if Finished(exec) {
			return exec, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Finished reports whether exec will not run again.
func Finished(exec *Execution) bool {
	if exec == nil {
		return false
	}
	switch exec.Status {
	case StatusSucceeded:
		return true
	case StatusFailed:
		return exec.Attempts >= exec.MaxRetries
	}
	return false
}
