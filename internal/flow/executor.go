package flow

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "reev-harness/internal/errors"
	"reev-harness/internal/storage/session"
	"reev-harness/internal/wallet"
	"reev-harness/pkg/logger"
)

const (
	defaultStepTimeout = 30 * time.Second
	defaultMaxTimeout  = 10 * time.Minute
)

// Executor runs one step through the agent runner and persists its session.
type Executor struct {
	runner         Runner
	store          SessionStore
	recorder       ToolCallRecorder
	log            *slog.Logger
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	now            func() time.Time
}

// ExecutorOption customises an Executor.
type ExecutorOption func(*Executor)

// WithStepTimeouts sets the timeout used when a step has no estimate and the
// cap applied to every step.
func WithStepTimeouts(defaultTimeout, maxTimeout time.Duration) ExecutorOption {
	return func(e *Executor) {
		if defaultTimeout > 0 {
			e.defaultTimeout = defaultTimeout
		}
		if maxTimeout > 0 {
			e.maxTimeout = maxTimeout
		}
	}
}

// WithToolCallRecorder consolidates the tool events agents report.
func WithToolCallRecorder(recorder ToolCallRecorder) ExecutorOption {
	return func(e *Executor) {
		e.recorder = recorder
	}
}

// WithExecutorLogger overrides the executor logger.
func WithExecutorLogger(log *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if log != nil {
			e.log = log
		}
	}
}

// WithExecutorClock overrides time.Now.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExecutor wires a runner to a session store.
func NewExecutor(runner Runner, store SessionStore, opts ...ExecutorOption) (*Executor, error) {
	if runner == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "agent runner is not configured")
	}
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "session store is not configured")
	}
	e := &Executor{
		runner:         runner,
		store:          store,
		log:            logger.Named("executor"),
		defaultTimeout: defaultStepTimeout,
		maxTimeout:     defaultMaxTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.maxTimeout < e.defaultTimeout {
		e.maxTimeout = e.defaultTimeout
	}
	return e, nil
}

// StepTimeout returns the time budget of step.
func (e *Executor) StepTimeout(step DynamicStep) time.Duration {
	timeout := e.defaultTimeout
	if step.EstimatedTimeSeconds > 0 {
		timeout = time.Duration(step.EstimatedTimeSeconds) * time.Second
	}
	if timeout > e.maxTimeout {
		timeout = e.maxTimeout
	}
	return timeout
}

type runOutcome struct {
	payload *SessionPayload
	err     error
}

// ExecuteStep runs step and stores the resulting session, failed or not. The
// returned error is set only when the session could not be stored.
func (e *Executor) ExecuteStep(ctx context.Context, exec ExecutionContext, index int, step DynamicStep, w *wallet.Context, previous []StepSession) (StepSession, error) {
	sessionID := exec.SessionID(index)
	log := logger.WithExecution(e.log, exec.ExecutionID, sessionID).With(slog.String(logger.KeyStepID, step.StepID))

	result := StepSession{
		SessionID: sessionID,
		StepID:    step.StepID,
		StepIndex: index,
		Critical:  step.Critical,
		ToolCalls: []string{},
	}

	req := RunRequest{
		ExecutionID:   exec.ExecutionID,
		SessionID:     sessionID,
		StepID:        step.StepID,
		Prompt:        RenderStepPrompt(step, previous),
		RequiredTools: step.RequiredTools,
		Wallet:        w.Clone(),
	}

	timeout := e.StepTimeout(step)
	started := e.now()
	payload, err := e.run(ctx, req, timeout)
	elapsed := e.now().Sub(started)

	var raw []byte

	switch {
	case err != nil:
		result.ErrorMessage = err.Error()
		result.TimedOut = xerrors.HasCode(err, xerrors.CodeTimeout)
		log.Warn("step failed", slog.Any("error", err), slog.Bool("timed_out", result.TimedOut))
	case payload == nil:
		result.ErrorMessage = "agent runner returned no session payload"
		log.Warn("step failed", slog.String("error", result.ErrorMessage))
	default:
		result.Success = payload.Succeeded()
		result.ErrorMessage = payload.Error
		if payload.Success != nil && !*payload.Success && result.ErrorMessage == "" {
			result.ErrorMessage = "agent reported failure"
		}
		result.Output = outputDocument(payload.Output)
		if len(payload.ToolCalls) > 0 {
			result.ToolCalls = append(result.ToolCalls, payload.ToolCalls...)
		} else {
			for _, event := range payload.ToolEvents {
				result.ToolCalls = appendUnique(result.ToolCalls, event.ToolName)
			}
		}
		result.ExecutionTimeMS = payload.ExecutionTimeMS
		raw = payload.document()
		e.recordToolEvents(ctx, log, sessionID, payload.ToolEvents)
	}
	if result.ExecutionTimeMS <= 0 {
		result.ExecutionTimeMS = elapsed.Milliseconds()
	}

	if err := e.persist(ctx, exec, result, raw); err != nil {
		log.Error("store step session failed", slog.Any("error", err))
		return result, err
	}
	logger.Audit().Info("step stored",
		slog.String(logger.KeyExecutionID, exec.ExecutionID),
		slog.String(logger.KeySessionID, sessionID),
		slog.String(logger.KeyStepID, step.StepID),
		slog.Bool("success", result.Success),
	)
	return result, nil
}

// run calls the runner in its own goroutine so a runner that ignores its
// context still cannot hold the step past timeout.
func (e *Executor) run(ctx context.Context, req RunRequest, timeout time.Duration) (*SessionPayload, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan runOutcome, 1)
	go func() {
		payload, err := e.runner.Run(runCtx, req)
		done <- runOutcome{payload: payload, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if stdErrors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, xerrors.Wrap(xerrors.CodeTimeout, out.err,
					fmt.Sprintf("step %s timed out after %s", req.StepID, timeout))
			}
			return nil, xerrors.Wrap(xerrors.CodeStepExecutionFailed, out.err,
				fmt.Sprintf("step %s failed", req.StepID))
		}
		return out.payload, nil
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeStepExecutionFailed, ctx.Err(),
				fmt.Sprintf("step %s cancelled", req.StepID))
		}
		return nil, xerrors.Wrap(xerrors.CodeTimeout, runCtx.Err(),
			fmt.Sprintf("step %s timed out after %s", req.StepID, timeout))
	}
}

func (e *Executor) recordToolEvents(ctx context.Context, log *slog.Logger, sessionID string, events []session.ToolEvent) {
	if e.recorder == nil || len(events) == 0 {
		return
	}
	if _, err := e.recorder.IngestToolEvents(ctx, sessionID, events); err != nil {
		log.Warn("consolidate tool events failed", slog.Any("error", err), slog.Int("events", len(events)))
	}
}

// persist stores result together with raw, the agent's document as received.
func (e *Executor) persist(ctx context.Context, exec ExecutionContext, result StepSession, raw []byte) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode step session",
			xerrors.WithMetadata(logger.KeySessionID, result.SessionID))
	}
	return e.store.StoreSessionToDatabase(ctx, session.StoredSession{
		ExecutionID: exec.ExecutionID,
		StepIndex:   result.StepIndex,
		SessionID:   result.SessionID,
		StepID:      result.StepID,
		Success:     result.Success,
		Payload:     payload,
		RawPayload:  raw,
	})
}

func appendUnique(list []string, name string) []string {
	if name == "" {
		return list
	}
	for _, existing := range list {
		if existing == name {
			return list
		}
	}
	return append(list, name)
}

// outputDocument keeps valid JSON as is and quotes anything else.
func outputDocument(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || json.Valid(raw) {
		return raw
	}
	quoted, _ := json.Marshal(string(raw))
	return quoted
}
