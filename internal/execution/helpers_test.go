package execution

import (
	"context"
	"sync"

	"reev-harness/internal/flow"
	"reev-harness/internal/observability/alerting"
	"reev-harness/internal/wallet"
)

const testOwner = "USER1111111111111111111111111111111111111111"

func testPlan(flowID string) *flow.DynamicFlowPlan {
	ctx := wallet.New(testOwner)
	ctx.SolBalance = 5_000_000_000
	plan := flow.NewFlowPlan(flowID, "swap then lend", ctx)
	plan.AddStep(flow.NewStep("swap", "swap 1 SOL to USDC", "swap"))
	plan.AddStep(flow.NewStep("lend", "lend the USDC", "lend"))
	return plan
}

// fakeRunner answers every run from fn and records the run ids it saw.
type fakeRunner struct {
	mu     sync.Mutex
	runIDs []string
	fn     func(runID string, call int) (*flow.ExecutionResult, error)
}

func (f *fakeRunner) Execute(_ context.Context, runID string, plan *flow.DynamicFlowPlan) (*flow.ExecutionResult, error) {
	f.mu.Lock()
	f.runIDs = append(f.runIDs, runID)
	call := len(f.runIDs)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(runID, call)
	}
	return succeededResult(runID, plan), nil
}

func (f *fakeRunner) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.runIDs...)
}

func succeededResult(runID string, plan *flow.DynamicFlowPlan) *flow.ExecutionResult {
	return &flow.ExecutionResult{
		ExecutionID:    runID,
		FlowID:         plan.FlowID,
		Success:        true,
		TotalSteps:     len(plan.Steps),
		CompletedSteps: len(plan.Steps),
		ConsolidatedID: runID + "_consolidated_1",
	}
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *recordingDispatcher) all() []alerting.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]alerting.Event(nil), d.events...)
}
