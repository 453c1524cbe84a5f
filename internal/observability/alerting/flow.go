package alerting

import (
	"context"
	"log/slog"
	"time"

	xerrors "reev-harness/internal/errors"
	"reev-harness/internal/flow"
	"reev-harness/pkg/logger"
)

const flowAlertTimeout = 10 * time.Second

type flowObserver struct {
	dispatcher Dispatcher
	next       flow.Observer
}

// NewFlowObserver alerts when a flow ends with an alerting error, such as a
// consolidation that found no sessions. Notifications are forwarded to next
// first when it is set.
func NewFlowObserver(dispatcher Dispatcher, next flow.Observer) flow.Observer {
	return flowObserver{dispatcher: dispatcher, next: next}
}

func (o flowObserver) StepFinished(flowID string, step flow.StepSession) {
	if o.next != nil {
		o.next.StepFinished(flowID, step)
	}
}

func (o flowObserver) FlowFinished(result *flow.ExecutionResult, err error) {
	if o.next != nil {
		o.next.FlowFinished(result, err)
	}
	if err == nil || o.dispatcher == nil || !xerrors.ShouldAlert(err) {
		return
	}

	var executionID, flowID string
	if result != nil {
		executionID = result.ExecutionID
		flowID = result.FlowID
	}
	event := EventFromError(err, executionID)
	event.FlowID = flowID

	ctx, cancel := context.WithTimeout(context.Background(), flowAlertTimeout)
	defer cancel()
	if notifyErr := o.dispatcher.Notify(ctx, event); notifyErr != nil {
		logger.Named("alerting").Warn("flow alert delivery failed",
			slog.String(logger.KeyExecutionID, executionID),
			slog.Any("error", notifyErr))
	}
}
