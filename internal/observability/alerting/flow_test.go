package alerting

import (
	"context"
	"sync"
	"testing"

	xerrors "reev-harness/internal/errors"
	"reev-harness/internal/flow"
	"reev-harness/pkg/logger"
)

type captureDispatcher struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureDispatcher) Notify(_ context.Context, event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

type countingObserver struct {
	steps, flows int
}

func (c *countingObserver) StepFinished(string, flow.StepSession) { c.steps++ }

func (c *countingObserver) FlowFinished(*flow.ExecutionResult, error) { c.flows++ }

func TestFlowObserverAlertsOnMissingSessions(t *testing.T) {
	dispatcher := &captureDispatcher{}
	next := &countingObserver{}
	observer := NewFlowObserver(dispatcher, next)

	observer.StepFinished("swap-flow", flow.StepSession{StepID: "swap"})
	err := xerrors.New(xerrors.CodeNoSessionsFound, "", xerrors.WithMetadata(logger.KeySessionID, "exec-1_step_0"))
	observer.FlowFinished(&flow.ExecutionResult{ExecutionID: "exec-1", FlowID: "swap-flow"}, err)

	if next.steps != 1 || next.flows != 1 {
		t.Fatalf("expected forwarding to next observer, got %+v", next)
	}
	if len(dispatcher.events) != 1 {
		t.Fatalf("expected one alert, got %d", len(dispatcher.events))
	}
	event := dispatcher.events[0]
	if event.Code != xerrors.CodeNoSessionsFound || event.ExecutionID != "exec-1" || event.FlowID != "swap-flow" {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.SessionID != "exec-1_step_0" {
		t.Fatalf("expected session id from metadata, got %q", event.SessionID)
	}
}

func TestFlowObserverIgnoresQuietErrors(t *testing.T) {
	dispatcher := &captureDispatcher{}
	observer := NewFlowObserver(dispatcher, nil)

	observer.FlowFinished(&flow.ExecutionResult{ExecutionID: "exec-2"}, nil)
	observer.FlowFinished(&flow.ExecutionResult{ExecutionID: "exec-2"},
		xerrors.New(xerrors.CodeConsolidationWriteConflict, ""))
	observer.FlowFinished(nil, xerrors.New(xerrors.CodeConsolidationFailed, ""))

	if len(dispatcher.events) != 1 || dispatcher.events[0].Code != xerrors.CodeConsolidationFailed {
		t.Fatalf("expected a single consolidation alert, got %+v", dispatcher.events)
	}
}
