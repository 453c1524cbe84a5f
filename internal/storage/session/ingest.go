package session

import (
	"context"
	"encoding/json"
	"log/slog"

	"reev-harness/pkg/logger"
)

// ToolEvent is one raw tool log entry as emitted by the agent pipeline.
// An invocation usually produces two events: one when it starts (input only)
// and one when it finishes (output and duration).
type ToolEvent struct {
	ToolName     string          `json:"tool_name"`
	StartTime    int64           `json:"start_time"`
	DurationMS   int64           `json:"duration_ms"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Success      *bool           `json:"success,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// ToolCall converts the event into an observation for sessionID.
func (e ToolEvent) ToolCall(sessionID string) ToolCall {
	call := ToolCall{
		SessionID:       sessionID,
		ToolName:        e.ToolName,
		StartTime:       e.StartTime,
		ExecutionTimeMS: e.DurationMS,
		InputParams:     e.Input,
		OutputResult:    e.Output,
		ErrorMessage:    e.ErrorMessage,
		Metadata:        e.Metadata,
	}
	if e.Success != nil {
		if *e.Success {
			call.Status = "success"
		} else {
			call.Status = "failed"
		}
	}
	return call
}

// IngestToolEvents consolidates every event of a session in order. It stops
// at the first failure and returns the outcomes written so far.
func (s *Store) IngestToolEvents(ctx context.Context, sessionID string, events []ToolEvent) ([]ConsolidationOutcome, error) {
	outcomes := make([]ConsolidationOutcome, 0, len(events))
	for _, event := range events {
		outcome, err := s.StoreConsolidated(ctx, event.ToolCall(sessionID))
		if err != nil {
			s.log.Error("ingest tool event failed",
				slog.String(logger.KeySessionID, sessionID),
				slog.String("tool_name", event.ToolName),
				slog.Any("error", err))
			return outcomes, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}
