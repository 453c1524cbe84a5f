package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"reev-harness/internal/storage/session"
	"reev-harness/internal/wallet"
)

// RunRequest is what a step hands to the agent runner.
type RunRequest struct {
	ExecutionID   string          `json:"execution_id"`
	SessionID     string          `json:"session_id"`
	StepID        string          `json:"step_id"`
	Prompt        string          `json:"prompt"`
	RequiredTools []string        `json:"required_tools,omitempty"`
	Wallet        *wallet.Context `json:"wallet,omitempty"`
}

// Runner executes one prompt against a wallet and reports what the agent did.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (*SessionPayload, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req RunRequest) (*SessionPayload, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, req RunRequest) (*SessionPayload, error) {
	return f(ctx, req)
}

// ToolNames is a list of tool names. It decodes from plain strings or from
// objects carrying a tool_name field.
type ToolNames []string

// UnmarshalJSON accepts ["a","b"] and [{"tool_name":"a"}].
func (t *ToolNames) UnmarshalJSON(data []byte) error {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		var name string
		if err := json.Unmarshal(item, &name); err == nil {
			names = append(names, name)
			continue
		}
		var obj struct {
			ToolName string `json:"tool_name"`
			Name     string `json:"name"`
		}
		if err := json.Unmarshal(item, &obj); err != nil {
			return fmt.Errorf("decode tool call: %w", err)
		}
		if obj.ToolName == "" {
			obj.ToolName = obj.Name
		}
		if obj.ToolName != "" {
			names = append(names, obj.ToolName)
		}
	}
	*t = names
	return nil
}

// SessionPayload is the agent's report for one step.
type SessionPayload struct {
	StepID          string              `json:"step_id,omitempty"`
	Success         *bool               `json:"success,omitempty"`
	Error           string              `json:"error,omitempty"`
	ToolCalls       ToolNames           `json:"tool_calls,omitempty"`
	ToolEvents      []session.ToolEvent `json:"tool_events,omitempty"`
	Output          json.RawMessage     `json:"output,omitempty"`
	ExecutionTimeMS int64               `json:"execution_time_ms,omitempty"`
	// Raw is the document as the agent sent it.
	Raw []byte `json:"-"`
}

// Succeeded applies the lenient success rule to the payload.
func (p *SessionPayload) Succeeded() bool {
	if p == nil {
		return false
	}
	if p.Success != nil && !*p.Success {
		return false
	}
	return p.Error == ""
}

// document returns Raw, or the encoded payload when the runner built it in
// process and never had a wire document.
func (p *SessionPayload) document() []byte {
	if len(p.Raw) > 0 {
		return p.Raw
	}
	doc, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	return doc
}

// ParseSessionPayload decodes a JSON payload, falling back to YAML.
func ParseSessionPayload(raw []byte) (*SessionPayload, error) {
	doc, err := normalizeDocument(raw)
	if err != nil {
		return nil, err
	}
	var payload SessionPayload
	if err := json.Unmarshal(doc, &payload); err != nil {
		return nil, fmt.Errorf("decode session payload: %w", err)
	}
	payload.Raw = append([]byte(nil), raw...)
	return &payload, nil
}

// normalizeDocument returns raw as JSON. YAML input is converted.
func normalizeDocument(raw []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("session payload is empty")
	}
	if json.Valid(trimmed) {
		return trimmed, nil
	}
	var value any
	if err := yaml.Unmarshal(trimmed, &value); err != nil {
		return nil, fmt.Errorf("session payload is neither JSON nor YAML: %w", err)
	}
	doc, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("convert yaml session payload: %w", err)
	}
	return doc, nil
}
