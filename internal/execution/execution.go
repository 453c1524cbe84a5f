package execution

import (
	stdErrors "errors"
	"strconv"

	xerrors "reev-harness/internal/errors"
	"reev-harness/internal/flow"
)

// Status is the lifecycle state of a queued execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Summary is the stored outcome of a finished run.
type Summary struct {
	RunID          string  `json:"run_id"`
	Success        bool    `json:"success"`
	TotalSteps     int     `json:"total_steps"`
	CompletedSteps int     `json:"completed_steps"`
	StoppedAt      string  `json:"stopped_at,omitempty"`
	SuccessRate    float64 `json:"success_rate"`
	AvgScore       float64 `json:"avg_score"`
	TotalTools     int     `json:"total_tools"`
	ConsolidatedID string  `json:"consolidated_id,omitempty"`
}

// SummaryOf condenses an orchestrator result. A nil result yields nil.
func SummaryOf(result *flow.ExecutionResult) *Summary {
	if result == nil {
		return nil
	}
	summary := &Summary{
		RunID:          result.ExecutionID,
		Success:        result.Success,
		TotalSteps:     result.TotalSteps,
		CompletedSteps: result.CompletedSteps,
		StoppedAt:      result.StoppedAt,
		ConsolidatedID: result.ConsolidatedID,
	}
	if cs := result.Consolidated; cs != nil {
		summary.SuccessRate = cs.Metadata.SuccessRate
		summary.AvgScore = cs.Metadata.AvgScore
		summary.TotalTools = cs.Metadata.TotalTools
	}
	return summary
}

// Execution is a flow plan submitted for asynchronous processing.
type Execution struct {
	ID             string                `json:"execution_id"`
	FlowID         string                `json:"flow_id"`
	Plan           *flow.DynamicFlowPlan `json:"plan,omitempty"`
	Status         Status                `json:"status"`
	Attempts       int                   `json:"attempts"`
	MaxRetries     int                   `json:"max_retries"`
	LastError      string                `json:"last_error,omitempty"`
	ErrorCode      string                `json:"error_code,omitempty"`
	Result         *Summary              `json:"result,omitempty"`
	ConsolidatedID string                `json:"consolidated_id,omitempty"`
	CreatedAt      int64                 `json:"created_at"`
	UpdatedAt      int64                 `json:"updated_at"`
}

// RunID returns the orchestrator execution id of the current attempt. Every
// attempt needs its own id so step sessions of a retry never collide with
// the ones already stored.
func (e *Execution) RunID() string {
	if e.Attempts <= 1 {
		return e.ID
	}
	return e.ID + "_retry_" + strconv.Itoa(e.Attempts-1)
}

// Failure describes why an attempt failed.
type Failure struct {
	Code     xerrors.Code
	Message  string
	Terminal bool
	Summary  *Summary
}

const (
	CodeExecutionNotFound   xerrors.Code = "EXECUTION_NOT_FOUND"
	CodeExecutionConflict   xerrors.Code = "EXECUTION_CONFLICT"
	CodeExecutionCompleted  xerrors.Code = "EXECUTION_COMPLETED"
	CodeExecutionExhausted  xerrors.Code = "EXECUTION_RETRIES_EXHAUSTED"
	CodeExecutionValidation xerrors.Code = "EXECUTION_VALIDATION_FAILED"
	CodeExecutionPublish    xerrors.Code = "EXECUTION_PUBLISH_FAILED"
	CodeExecutionProcessing xerrors.Code = "EXECUTION_PROCESSING_FAILED"
)

var (
	ErrNotFound  = xerrors.New(CodeExecutionNotFound, "execution not found")
	ErrConflict  = xerrors.New(CodeExecutionConflict, "execution conflict")
	ErrCompleted = xerrors.New(CodeExecutionCompleted, "execution already completed")
	ErrExhausted = xerrors.New(CodeExecutionExhausted, "execution retries exhausted")
)

func init() {
	xerrors.Register(CodeExecutionNotFound, xerrors.Attributes{
		Message:  "execution not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeExecutionConflict, xerrors.Attributes{
		Message:  "execution conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeExecutionCompleted, xerrors.Attributes{
		Message:  "execution already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeExecutionExhausted, xerrors.Attributes{
		Message:  "execution retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeExecutionValidation, xerrors.Attributes{
		Message:  "execution validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeExecutionPublish, xerrors.Attributes{
		Message:   "failed to publish execution",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeExecutionProcessing, xerrors.Attributes{
		Message:   "execution processing failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsSkippable reports whether a claim error means another worker already
// owns or finished the execution.
func IsSkippable(err error) bool {
	return stdErrors.Is(err, ErrNotFound) || stdErrors.Is(err, ErrCompleted) || stdErrors.Is(err, ErrExhausted)
}

// IsValidStatus reports whether status is a known lifecycle state.
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneExecution(e *Execution) *Execution {
	clone := *e
	if e.Result != nil {
		result := *e.Result
		clone.Result = &result
	}
	return &clone
}
