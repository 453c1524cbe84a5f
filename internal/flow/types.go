package flow

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"reev-harness/internal/storage/session"
	"reev-harness/internal/wallet"
)

// StepState is the lifecycle state of one step within an execution.
type StepState string

const (
	StepPending   StepState = "pending"
	StepRunning   StepState = "running"
	StepSucceeded StepState = "succeeded"
	StepFailed    StepState = "failed"
	StepStored    StepState = "stored"
)

// StepSession is the persisted record of one executed step.
type StepSession struct {
	SessionID       string          `json:"session_id"`
	StepID          string          `json:"step_id"`
	StepIndex       int             `json:"step_index"`
	Success         bool            `json:"success"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ToolCalls       []string        `json:"tool_calls"`
	Output          json.RawMessage `json:"output,omitempty"`
	ExecutionTimeMS int64           `json:"execution_time_ms"`
	TimedOut        bool            `json:"timed_out,omitempty"`
	Critical        bool            `json:"critical"`
}

// ExecutionContext identifies the execution a step belongs to.
type ExecutionContext struct {
	ExecutionID string
	FlowID      string
}

// SessionID returns the session id of the step at index.
func (e ExecutionContext) SessionID(index int) string {
	return e.ExecutionID + "_step_" + strconv.Itoa(index)
}

// ExecutionResult summarises one run of a flow plan.
type ExecutionResult struct {
	ExecutionID    string                       `json:"execution_id"`
	FlowID         string                       `json:"flow_id"`
	Success        bool                         `json:"success"`
	TotalSteps     int                          `json:"total_steps"`
	CompletedSteps int                          `json:"completed_steps"`
	StoppedAt      string                       `json:"stopped_at,omitempty"`
	Steps          []StepSession                `json:"steps"`
	StepStates     map[string]StepState         `json:"step_states"`
	ConsolidatedID string                       `json:"consolidated_id,omitempty"`
	Consolidated   *session.ConsolidatedSession `json:"consolidated,omitempty"`
	Assertions     []AssertionResult            `json:"assertions,omitempty"`
	InitialWallet  *wallet.Context              `json:"initial_wallet,omitempty"`
	FinalWallet    *wallet.Context              `json:"final_wallet,omitempty"`
	StartedAt      time.Time                    `json:"started_at"`
	FinishedAt     time.Time                    `json:"finished_at"`
}

// SessionStore is the persistence the orchestrator needs.
type SessionStore interface {
	StoreSessionToDatabase(ctx context.Context, rec session.StoredSession) error
	GetSessionsForConsolidation(ctx context.Context, executionID string) ([]session.StoredSession, error)
	StoreConsolidatedSession(ctx context.Context, cs *session.ConsolidatedSession) error
}

// ToolCallRecorder consolidates raw tool events reported by the agent.
type ToolCallRecorder interface {
	IngestToolEvents(ctx context.Context, sessionID string, events []session.ToolEvent) ([]session.ConsolidationOutcome, error)
}

// Observer is notified as steps and flows finish.
type Observer interface {
	StepFinished(flowID string, step StepSession)
	FlowFinished(result *ExecutionResult, err error)
}
