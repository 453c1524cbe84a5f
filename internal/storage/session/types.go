package session

import (
	"bytes"
	"encoding/json"
	"time"
)

// StoredSession is one persisted step session. Payload holds the derived
// step session document; RawPayload holds the agent's document verbatim.
type StoredSession struct {
	ExecutionID string    `json:"execution_id"`
	StepIndex   int       `json:"step_index"`
	SessionID   string    `json:"session_id"`
	StepID      string    `json:"step_id"`
	Success     bool      `json:"success"`
	Payload     []byte    `json:"-"`
	RawPayload  []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// ToolCall is a single tool-call observation or the canonical row built from
// several of them. StartTime is in unix seconds.
type ToolCall struct {
	ID              int64           `json:"id,omitempty"`
	SessionID       string          `json:"session_id"`
	ToolName        string          `json:"tool_name"`
	StartTime       int64           `json:"start_time"`
	ExecutionTimeMS int64           `json:"execution_time_ms"`
	InputParams     json.RawMessage `json:"input_params,omitempty"`
	OutputResult    json.RawMessage `json:"output_result,omitempty"`
	Status          string          `json:"status,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
}

// ToolStat aggregates the canonical rows of one tool within a session.
type ToolStat struct {
	ToolName     string  `json:"tool_name"`
	CallCount    int64   `json:"call_count"`
	AvgTimeMS    float64 `json:"avg_time_ms"`
	MinTimeMS    int64   `json:"min_time_ms"`
	MaxTimeMS    int64   `json:"max_time_ms"`
	SuccessCount int64   `json:"success_count"`
	ErrorCount   int64   `json:"error_count"`
	TimeoutCount int64   `json:"timeout_count"`
}

// ToolCallStats is the per-session summary returned by GetToolCallStats.
type ToolCallStats struct {
	SessionID  string     `json:"session_id"`
	ToolStats  []ToolStat `json:"tool_stats"`
	TotalTools int        `json:"total_tools"`
}

// ConsolidationMetadata carries the aggregate outcome of an execution.
// SuccessRate is a fraction in [0,1].
type ConsolidationMetadata struct {
	SuccessfulSteps int     `json:"successful_steps"`
	FailedSteps     int     `json:"failed_steps"`
	TotalSteps      int     `json:"total_steps"`
	SuccessRate     float64 `json:"success_rate"`
	AvgScore        float64 `json:"avg_score"`
	TotalTools      int     `json:"total_tools"`
	ExecutionTimeMS int64   `json:"execution_time_ms,omitempty"`
}

// ConsolidatedStep is one step as embedded in a consolidated session.
type ConsolidatedStep struct {
	StepIndex  int             `json:"step_index"`
	SessionID  string          `json:"session_id"`
	StepID     string          `json:"step_id"`
	Success    bool            `json:"success"`
	Session    json.RawMessage `json:"session"`
	RawPayload json.RawMessage `json:"raw_payload,omitempty"`
}

// ConsolidatedSession is the execution-level record. It is written once.
type ConsolidatedSession struct {
	ConsolidatedSessionID string                `json:"consolidated_session_id"`
	ExecutionID           string                `json:"execution_id"`
	Steps                 []ConsolidatedStep    `json:"steps"`
	Metadata              ConsolidationMetadata `json:"metadata"`
	CreatedAt             time.Time             `json:"created_at"`
}

// emptyDocument reports whether raw carries no information. Empty objects,
// arrays, strings and null all count as empty.
func emptyDocument(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	switch string(trimmed) {
	case "", "{}", "[]", "null", `""`:
		return true
	}
	if len(trimmed) >= 2 && (trimmed[0] == '{' || trimmed[0] == '[') {
		inner := bytes.TrimSpace(trimmed[1 : len(trimmed)-1])
		return len(inner) == 0
	}
	return false
}
