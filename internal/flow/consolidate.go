package flow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"reev-harness/internal/storage/session"
)

// ConsolidatedID returns <execution_id>_consolidated_<unix_ms>.
func ConsolidatedID(executionID string, now time.Time) string {
	return fmt.Sprintf("%s_consolidated_%d", executionID, now.UnixMilli())
}

// PerformConsolidation builds the consolidated session of an execution from
// its stored step sessions. A step counts as successful when it was stored as
// successful and its document does not report a failure.
func PerformConsolidation(executionID string, sessions []session.StoredSession, now time.Time) *session.ConsolidatedSession {
	cs := &session.ConsolidatedSession{
		ConsolidatedSessionID: ConsolidatedID(executionID, now),
		ExecutionID:           executionID,
		Steps:                 make([]session.ConsolidatedStep, 0, len(sessions)),
		CreatedAt:             now.UTC(),
	}

	meta := &cs.Metadata
	for _, rec := range sessions {
		success := rec.Success && AnalyzeSessionSuccess(rec.Payload)
		if success {
			meta.SuccessfulSteps++
		} else {
			meta.FailedSteps++
		}
		meta.TotalTools += ExtractToolCount(rec.Payload)
		meta.ExecutionTimeMS += executionTime(rec.Payload)

		cs.Steps = append(cs.Steps, session.ConsolidatedStep{
			StepIndex:  rec.StepIndex,
			SessionID:  rec.SessionID,
			StepID:     rec.StepID,
			Success:    success,
			Session:    sessionDocument(rec.Payload),
			RawPayload: rawDocument(rec.RawPayload),
		})
	}
	meta.TotalSteps = len(sessions)
	if meta.TotalSteps > 0 {
		meta.SuccessRate = float64(meta.SuccessfulSteps) / float64(meta.TotalSteps)
	}
	meta.AvgScore = scoreBucket(meta.SuccessRate)
	return cs
}

// scoreBucket maps a success fraction onto the coarse score scale.
func scoreBucket(rate float64) float64 {
	switch {
	case rate >= 1:
		return 1.0
	case rate >= 0.75:
		return 0.75
	case rate >= 0.5:
		return 0.5
	case rate > 0:
		return 0.25
	default:
		return 0
	}
}

func executionTime(raw []byte) int64 {
	doc, err := normalizeDocument(raw)
	if err != nil {
		return 0
	}
	var fields struct {
		ExecutionTimeMS int64 `json:"execution_time_ms"`
	}
	if json.Unmarshal(doc, &fields) != nil {
		return 0
	}
	return fields.ExecutionTimeMS
}

// sessionDocument embeds a stored payload as JSON. Non-JSON content is
// converted from YAML or, failing that, embedded as a string.
func sessionDocument(raw []byte) json.RawMessage {
	if doc, err := normalizeDocument(raw); err == nil {
		return json.RawMessage(doc)
	}
	quoted, _ := json.Marshal(string(raw))
	return quoted
}

// rawDocument embeds the agent's document untouched: JSON as is, anything
// else as a JSON string holding the original text.
func rawDocument(raw []byte) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(string(raw))
	return quoted
}
