package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	xerrors "reev-harness/internal/errors"
	"reev-harness/internal/storage/session"
	"reev-harness/internal/wallet"
	"reev-harness/pkg/logger"
)

const defaultConsolidationTimeout = 60 * time.Second

// Orchestrator runs flow plans step by step and consolidates their sessions.
type Orchestrator struct {
	executor             *Executor
	store                SessionStore
	wallets              wallet.Provider
	observer             Observer
	log                  *slog.Logger
	consolidationTimeout time.Duration
	now                  func() time.Time
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithWalletProvider refreshes the wallet context after each successful step.
func WithWalletProvider(provider wallet.Provider) Option {
	return func(o *Orchestrator) {
		o.wallets = provider
	}
}

// WithObserver registers a callback for step and flow completion.
func WithObserver(observer Observer) Option {
	return func(o *Orchestrator) {
		o.observer = observer
	}
}

// WithConsolidationTimeout bounds execution-level consolidation.
func WithConsolidationTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.consolidationTimeout = timeout
		}
	}
}

// WithLogger overrides the orchestrator logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// WithClock overrides time.Now for ids and timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// NewOrchestrator builds an orchestrator around executor. Sessions are read
// back from the executor's store for consolidation.
func NewOrchestrator(executor *Executor, opts ...Option) (*Orchestrator, error) {
	if executor == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "step executor is not configured")
	}
	o := &Orchestrator{
		executor:             executor,
		store:                executor.store,
		log:                  logger.Named("orchestrator"),
		consolidationTimeout: defaultConsolidationTimeout,
		now:                  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// NewExecutionID returns exec_<flow_id>_<unix_ms>.
func NewExecutionID(flowID string, now time.Time) string {
	return fmt.Sprintf("exec_%s_%d", flowID, now.UnixMilli())
}

// ExecuteFlowPlan runs plan under a fresh execution id.
func (o *Orchestrator) ExecuteFlowPlan(ctx context.Context, plan *DynamicFlowPlan) (*ExecutionResult, error) {
	return o.Execute(ctx, "", plan)
}

// Execute runs plan under executionID, generating one when empty. Steps run
// in order and each session is stored before the next step starts. A failed
// critical step ends the loop unless the plan is lenient. Consolidation runs
// whenever at least one step was stored; its error is returned with the
// partial result. The caller's plan is never modified.
func (o *Orchestrator) Execute(ctx context.Context, executionID string, plan *DynamicFlowPlan) (*ExecutionResult, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	plan = plan.Clone()
	plan.ApplyDefaults(o.now())
	if executionID == "" {
		executionID = NewExecutionID(plan.FlowID, o.now())
	}
	exec := ExecutionContext{ExecutionID: executionID, FlowID: plan.FlowID}
	log := logger.WithExecution(o.log, executionID, "").With(slog.String(logger.KeyFlowID, plan.FlowID))

	result := &ExecutionResult{
		ExecutionID:   executionID,
		FlowID:        plan.FlowID,
		TotalSteps:    len(plan.Steps),
		StepStates:    make(map[string]StepState, len(plan.Steps)),
		InitialWallet: plan.Context.Clone(),
		StartedAt:     o.now(),
	}
	for _, step := range plan.Steps {
		result.StepStates[step.StepID] = StepPending
	}
	log.Info("flow started", slog.Int("steps", len(plan.Steps)), slog.String("atomic_mode", string(plan.AtomicMode)))

	current := plan.Context.Clone()
	err := o.runSteps(ctx, exec, plan, current, result, log)
	if err == nil {
		err = o.finish(ctx, plan, result, current, log)
	}

	result.FinalWallet = current
	result.FinishedAt = o.now()
	if err != nil {
		result.Success = false
		log.Error("flow failed", slog.Any("error", err), slog.Int("completed_steps", result.CompletedSteps))
	} else {
		log.Info("flow finished",
			slog.Bool("success", result.Success),
			slog.Int("completed_steps", result.CompletedSteps),
			slog.String("consolidated_id", result.ConsolidatedID))
	}
	logger.Audit().Info("flow finished",
		slog.String(logger.KeyExecutionID, executionID),
		slog.String(logger.KeyFlowID, plan.FlowID),
		slog.Bool("success", result.Success),
		slog.String("consolidated_id", result.ConsolidatedID),
	)
	if o.observer != nil {
		o.observer.FlowFinished(result, err)
	}
	return result, err
}

// runSteps executes the steps in order, mutating current and result. It
// returns an error only when a step session could not be stored.
func (o *Orchestrator) runSteps(ctx context.Context, exec ExecutionContext, plan *DynamicFlowPlan, current *wallet.Context, result *ExecutionResult, log *slog.Logger) error {
	allSucceeded := true
	for index, step := range plan.Steps {
		o.transition(result, log, step.StepID, StepRunning)

		stepSession, err := o.executor.ExecuteStep(ctx, exec, index, step, current, result.Steps)
		if stepSession.Success {
			o.transition(result, log, step.StepID, StepSucceeded)
		} else {
			o.transition(result, log, step.StepID, StepFailed)
		}
		if err != nil {
			return err
		}
		o.transition(result, log, step.StepID, StepStored)
		result.Steps = append(result.Steps, stepSession)
		if o.observer != nil {
			o.observer.StepFinished(plan.FlowID, stepSession)
		}

		if stepSession.Success {
			result.CompletedSteps++
			o.refreshWallet(ctx, current, log)
			continue
		}
		allSucceeded = false
		if step.Critical && plan.AtomicMode.StopsOnCriticalFailure() {
			result.StoppedAt = step.StepID
			log.Warn("critical step failed, stopping flow",
				slog.String(logger.KeyStepID, step.StepID),
				slog.String("error", stepSession.ErrorMessage))
			break
		}
		log.Warn("step failed, continuing",
			slog.String(logger.KeyStepID, step.StepID),
			slog.String("error", stepSession.ErrorMessage))
	}
	result.Success = allSucceeded && len(result.Steps) == len(plan.Steps)
	return nil
}

// finish consolidates the stored sessions and evaluates final-state assertions.
func (o *Orchestrator) finish(ctx context.Context, plan *DynamicFlowPlan, result *ExecutionResult, final *wallet.Context, log *slog.Logger) error {
	consolidated, err := o.ConsolidateSessions(ctx, result.ExecutionID)
	if err != nil {
		return err
	}
	result.Consolidated = consolidated
	result.ConsolidatedID = consolidated.ConsolidatedSessionID

	if len(plan.FinalStateAssertions) > 0 {
		result.Assertions = EvaluateAssertions(plan.FinalStateAssertions, result.InitialWallet, final)
		if aerr := AssertionError(result.Assertions); aerr != nil {
			result.Success = false
			log.Warn("final state assertions failed", slog.Any("error", aerr))
		}
	}
	return nil
}

func (o *Orchestrator) transition(result *ExecutionResult, log *slog.Logger, stepID string, state StepState) {
	result.StepStates[stepID] = state
	log.Debug("step state", slog.String(logger.KeyStepID, stepID), slog.String("state", string(state)))
}

// refreshWallet replaces current with a fresh snapshot, keeping known prices.
// On failure the previous context is kept.
func (o *Orchestrator) refreshWallet(ctx context.Context, current *wallet.Context, log *slog.Logger) {
	if o.wallets == nil || current == nil {
		return
	}
	snapshot, err := o.wallets.Snapshot(ctx, current.Owner)
	if err != nil {
		log.Warn("wallet refresh failed, keeping previous context", slog.Any("error", err))
		return
	}
	for mint, price := range current.TokenPrices {
		if _, ok := snapshot.TokenPrices[mint]; !ok {
			snapshot.SetTokenPrice(mint, price)
		}
	}
	snapshot.CalculateTotalValue()
	*current = *snapshot
}

// ConsolidateSessions folds every stored session of executionID into one
// consolidated session and stores it. It fails with NO_SESSIONS_FOUND when
// nothing was stored and with TIMEOUT when the work outlives the bound.
func (o *Orchestrator) ConsolidateSessions(ctx context.Context, executionID string) (*session.ConsolidatedSession, error) {
	cctx, cancel := context.WithTimeout(ctx, o.consolidationTimeout)
	defer cancel()

	type outcome struct {
		cs  *session.ConsolidatedSession
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		cs, err := o.consolidate(cctx, executionID)
		done <- outcome{cs: cs, err: err}
	}()

	log := logger.WithExecution(o.log, executionID, "")
	select {
	case out := <-done:
		if out.err != nil {
			log.Error("consolidation failed", slog.Any("error", out.err))
			return nil, out.err
		}
		log.Info("consolidation completed",
			slog.String("consolidated_id", out.cs.ConsolidatedSessionID),
			slog.Float64("success_rate", out.cs.Metadata.SuccessRate))
		return out.cs, nil
	case <-cctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		err := xerrors.Wrap(xerrors.CodeTimeout, cctx.Err(),
			fmt.Sprintf("consolidation timed out after %s", o.consolidationTimeout),
			xerrors.WithMetadata(logger.KeyExecutionID, executionID))
		log.Error("consolidation timed out", slog.Any("error", err))
		return nil, err
	}
}

func (o *Orchestrator) consolidate(ctx context.Context, executionID string) (*session.ConsolidatedSession, error) {
	sessions, err := o.store.GetSessionsForConsolidation(ctx, executionID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConsolidationFailed, err, "load sessions for consolidation",
			xerrors.WithMetadata(logger.KeyExecutionID, executionID))
	}
	if len(sessions) == 0 {
		return nil, xerrors.New(xerrors.CodeNoSessionsFound,
			fmt.Sprintf("no sessions found for execution %s", executionID),
			xerrors.WithMetadata(logger.KeyExecutionID, executionID))
	}
	cs := PerformConsolidation(executionID, sessions, o.now())
	if err := o.store.StoreConsolidatedSession(ctx, cs); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConsolidationFailed, err, "store consolidated session",
			xerrors.WithMetadata(logger.KeyExecutionID, executionID))
	}
	return cs, nil
}
