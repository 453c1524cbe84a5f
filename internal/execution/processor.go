package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	xerrors "reev-harness/internal/errors"
	"reev-harness/internal/flow"
	"reev-harness/internal/observability/alerting"
	"reev-harness/pkg/logger"
)

// FlowRunner runs one attempt of a plan under a run id.
type FlowRunner interface {
	Execute(ctx context.Context, executionID string, plan *flow.DynamicFlowPlan) (*flow.ExecutionResult, error)
}

// Processor consumes execution ids and runs their plans.
type Processor struct {
	runner      FlowRunner
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	log         *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption customises a Processor.
type ProcessorOption func(*Processor)

// WithProcessorLogger overrides the processor logger.
func WithProcessorLogger(log *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if log != nil {
			p.log = log
		}
	}
}

// WithWorkerCount sets the number of consuming goroutines.
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher sends alerts for failed attempts.
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor builds a Processor.
func NewProcessor(runner FlowRunner, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		log:         logger.Named("execution"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start consumes until ctx is done.
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "execution consumer not configured")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle claims and runs one execution. Only infrastructure failures are
// returned; a failed flow is recorded on the execution instead.
func (p *Processor) Handle(ctx context.Context, executionID string) error {
	if p.store == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "execution processor not initialized")
	}
	exec, err := p.store.Claim(ctx, executionID)
	if err != nil {
		if IsSkippable(err) || xerrors.HasCode(err, CodeExecutionConflict) {
			p.log.Debug("skipping execution", slog.String(logger.KeyExecutionID, executionID), slog.String("reason", err.Error()))
			return nil
		}
		p.log.Error("claim execution failed", slog.String(logger.KeyExecutionID, executionID), slog.Any("error", err))
		p.emitAlert(ctx, &Execution{ID: executionID}, CodeExecutionProcessing, err, "claim")
		return err
	}
	if exec.Plan == nil {
		failure := Failure{Code: CodeExecutionValidation, Message: "execution has no plan", Terminal: true}
		return p.store.MarkFailed(ctx, exec.ID, failure)
	}

	runID := exec.RunID()
	log := logger.WithExecution(p.log, runID, "").With(slog.String(logger.KeyFlowID, exec.FlowID))
	log.Info("running execution", slog.Int("attempt", exec.Attempts), slog.Int("max_retries", exec.MaxRetries))

	result, runErr := p.runner.Execute(ctx, runID, exec.Plan)
	summary := SummaryOf(result)
	if runErr != nil {
		return p.handleFailure(ctx, exec, summary, runErr)
	}
	if summary == nil {
		summary = &Summary{RunID: runID}
	}
	if err := p.store.MarkSucceeded(ctx, exec.ID, *summary); err != nil {
		log.Error("record execution result failed", slog.Any("error", err))
		return err
	}
	logger.Audit().Info("execution finished",
		slog.String(logger.KeyExecutionID, exec.ID),
		slog.String("run_id", runID),
		slog.String(logger.KeyFlowID, exec.FlowID),
		slog.Bool("success", summary.Success),
		slog.Int("completed_steps", summary.CompletedSteps),
		slog.Int("total_steps", summary.TotalSteps),
		slog.String("consolidated_id", summary.ConsolidatedID),
	)
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, exec *Execution, summary *Summary, runErr error) error {
	code := xerrors.CodeOf(runErr)
	if code == xerrors.CodeUnknown {
		code = CodeExecutionProcessing
	}
	retryable := xerrors.RetryableError(runErr)
	terminal := exec.Attempts >= exec.MaxRetries || !retryable

	failure := Failure{Code: code, Message: runErr.Error(), Terminal: terminal, Summary: summary}
	if err := p.store.MarkFailed(ctx, exec.ID, failure); err != nil {
		p.log.Error("record execution failure failed", slog.String(logger.KeyExecutionID, exec.ID), slog.Any("error", err))
		return err
	}
	logger.Audit().Warn("execution failed",
		slog.String(logger.KeyExecutionID, exec.ID),
		slog.String(logger.KeyFlowID, exec.FlowID),
		slog.Bool("terminal", terminal),
		slog.String("error", runErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", exec.Attempts),
		slog.Int("max_retries", exec.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
	}
	if !retryable {
		stage = "non_retryable"
	}
	p.emitAlert(ctx, exec, code, runErr, stage)

	if !terminal && p.producer != nil {
		if err := p.producer.Publish(ctx, exec.ID); err != nil {
			return xerrors.Wrap(CodeExecutionPublish, err, fmt.Sprintf("requeue execution %s", exec.ID))
		}
		p.log.Debug("execution requeued", slog.String(logger.KeyExecutionID, exec.ID), slog.Int("attempts", exec.Attempts))
	}
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, exec *Execution, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil || exec == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	if !attrs.Alert && !xerrors.ShouldAlert(cause) {
		return
	}
	event := alerting.EventFromError(cause, exec.ID)
	event.Code = code
	event.FlowID = exec.FlowID
	event.Attempts = exec.Attempts
	event.MaxRetries = exec.MaxRetries
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	event.Metadata["stage"] = stage
	event.OccurredAt = time.Now()
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.log.Error("alert delivery failed",
			slog.String(logger.KeyExecutionID, exec.ID),
			slog.String("stage", stage),
			slog.Any("error", err),
		)
	}
}
