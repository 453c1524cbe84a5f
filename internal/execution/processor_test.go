package execution

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	xerrors "reev-harness/internal/errors"
	"reev-harness/internal/flow"
	"reev-harness/internal/storage/session"
	"reev-harness/pkg/logger"
)

func TestProcessorHandlesConcurrentExecutions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(256)
	var processed atomic.Int32
	runner := &fakeRunner{fn: func(runID string, _ int) (*flow.ExecutionResult, error) {
		processed.Add(1)
		return &flow.ExecutionResult{ExecutionID: runID, Success: true, TotalSteps: 2, CompletedSteps: 2}, nil
	}}

	service := NewService(store, queue, 2)
	processor := NewProcessor(runner, store, queue, queue, WithWorkerCount(4), WithProcessorLogger(logger.Discard()))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 50
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		exec, err := service.Submit(ctx, SubmitRequest{Plan: testPlan(fmt.Sprintf("flow-%d", i))})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		ids = append(ids, exec.ID)
	}

	for _, id := range ids {
		exec, err := service.WaitUntilCompleted(ctx, id, 10*time.Millisecond)
		if err != nil {
			t.Fatalf("wait %s: %v", id, err)
		}
		if exec.Status != StatusSucceeded || exec.Result == nil || !exec.Result.Success {
			t.Fatalf("unexpected execution %+v", exec)
		}
	}
	if int(processed.Load()) != total {
		t.Fatalf("expected %d runs, got %d", total, processed.Load())
	}
}

func TestProcessorRetriesUnderFreshRunID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	runner := &fakeRunner{fn: func(runID string, call int) (*flow.ExecutionResult, error) {
		if call == 1 {
			return nil, xerrors.New(xerrors.CodeTimeout, "consolidation timed out")
		}
		return &flow.ExecutionResult{ExecutionID: runID, Success: true, ConsolidatedID: runID + "_consolidated_9"}, nil
	}}
	service := NewService(store, queue, 2)
	processor := NewProcessor(runner, store, queue, queue, WithProcessorLogger(logger.Discard()))

	exec, err := service.Submit(ctx, SubmitRequest{ExecutionID: "exec-retry", Plan: testPlan("retry-flow")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := processor.Handle(ctx, <-queue.ids); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	failed, _ := store.Get(ctx, exec.ID)
	if failed.Status != StatusFailed || failed.ErrorCode != string(xerrors.CodeTimeout) || Finished(failed) {
		t.Fatalf("expected retryable failure, got %+v", failed)
	}

	select {
	case id := <-queue.ids:
		if err := processor.Handle(ctx, id); err != nil {
			t.Fatalf("second attempt: %v", err)
		}
	default:
		t.Fatal("retryable failure was not requeued")
	}

	done, _ := store.Get(ctx, exec.ID)
	if done.Status != StatusSucceeded || done.Attempts != 2 {
		t.Fatalf("unexpected final state %+v", done)
	}
	if done.ConsolidatedID != "exec-retry_retry_1_consolidated_9" {
		t.Fatalf("unexpected consolidated id %q", done.ConsolidatedID)
	}
	runs := runner.seen()
	if len(runs) != 2 || runs[0] != "exec-retry" || runs[1] != "exec-retry_retry_1" {
		t.Fatalf("unexpected run ids %v", runs)
	}
}

func TestProcessorRecordsTerminalConsolidationFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	alerts := &recordingDispatcher{}
	runner := &fakeRunner{fn: func(runID string, _ int) (*flow.ExecutionResult, error) {
		result := &flow.ExecutionResult{ExecutionID: runID, TotalSteps: 2, StoppedAt: "swap"}
		return result, xerrors.New(xerrors.CodeNoSessionsFound, "no sessions found for execution "+runID)
	}}
	service := NewService(store, queue, 3)
	processor := NewProcessor(runner, store, queue, queue,
		WithProcessorLogger(logger.Discard()),
		WithAlertDispatcher(alerts),
	)

	exec, err := service.Submit(ctx, SubmitRequest{Plan: testPlan("empty-flow")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := processor.Handle(ctx, <-queue.ids); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, _ := store.Get(ctx, exec.ID)
	if got.Status != StatusFailed || got.ErrorCode != string(xerrors.CodeNoSessionsFound) {
		t.Fatalf("unexpected state %+v", got)
	}
	if !Finished(got) {
		t.Fatal("non-retryable failure should be terminal")
	}
	if got.Result == nil || got.Result.StoppedAt != "swap" {
		t.Fatalf("partial summary not recorded: %+v", got.Result)
	}
	if len(queue.ids) != 0 {
		t.Fatal("terminal failure must not be requeued")
	}
	if _, err := store.Claim(ctx, exec.ID); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected exhausted claim, got %v", err)
	}

	events := alerts.all()
	if len(events) != 1 {
		t.Fatalf("expected one alert, got %d", len(events))
	}
	if events[0].Code != xerrors.CodeNoSessionsFound || events[0].ExecutionID != exec.ID || events[0].Metadata["stage"] != "non_retryable" {
		t.Fatalf("unexpected alert %+v", events[0])
	}
}

func TestProcessorMarksFailedFlowAsFinished(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	runner := &fakeRunner{fn: func(runID string, _ int) (*flow.ExecutionResult, error) {
		return &flow.ExecutionResult{
			ExecutionID:    runID,
			TotalSteps:     2,
			CompletedSteps: 1,
			StoppedAt:      "swap",
			ConsolidatedID: runID + "_consolidated_1",
			Consolidated: &session.ConsolidatedSession{
				Metadata: session.ConsolidationMetadata{SuccessRate: 0, AvgScore: 0, TotalTools: 1},
			},
		}, nil
	}}
	processor := NewProcessor(runner, store, queue, queue, WithProcessorLogger(logger.Discard()))
	service := NewService(store, queue, 1)

	exec, err := service.Submit(ctx, SubmitRequest{Plan: testPlan("failing-flow")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := processor.Handle(ctx, <-queue.ids); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, _ := store.Get(ctx, exec.ID)
	if got.Status != StatusSucceeded || got.Result.Success || got.Result.TotalTools != 1 {
		t.Fatalf("unexpected state %+v", got)
	}
}

func TestProcessorSkipsFinishedExecutions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	runner := &fakeRunner{}
	processor := NewProcessor(runner, store, nil, nil, WithProcessorLogger(logger.Discard()))

	if err := processor.Handle(ctx, "missing"); err != nil {
		t.Fatalf("missing execution should be skipped: %v", err)
	}
	if err := store.Create(ctx, &Execution{ID: "done", Plan: testPlan("f"), Status: StatusSucceeded, MaxRetries: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := processor.Handle(ctx, "done"); err != nil {
		t.Fatalf("completed execution should be skipped: %v", err)
	}
	if len(runner.seen()) != 0 {
		t.Fatal("runner should not be called")
	}
}

func TestServiceSubmitIsIdempotentAndValidates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	service := NewService(store, queue, 1)

	first, err := service.Submit(ctx, SubmitRequest{ExecutionID: "fixed", Plan: testPlan("flow")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := service.Submit(ctx, SubmitRequest{ExecutionID: "fixed", Plan: testPlan("other")})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.FlowID != first.FlowID || len(queue.ids) != 1 {
		t.Fatalf("resubmission should return the stored execution without publishing")
	}

	invalid := testPlan("")
	if _, err := service.Submit(ctx, SubmitRequest{Plan: invalid}); !xerrors.HasCode(err, CodeExecutionValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := service.Submit(ctx, SubmitRequest{}); !xerrors.HasCode(err, CodeExecutionValidation) {
		t.Fatalf("expected validation error for missing plan, got %v", err)
	}
}

func TestRunIDPerAttempt(t *testing.T) {
	cases := map[int]string{0: "e", 1: "e", 2: "e_retry_1", 3: "e_retry_2"}
	for attempts, want := range cases {
		exec := &Execution{ID: "e", Attempts: attempts}
		if got := exec.RunID(); got != want {
			t.Fatalf("attempts %d: want %q got %q", attempts, want, got)
		}
	}
}
