package flow

import (
	"bytes"
	"encoding/json"
	"strings"
)

// knownTools is the last resort of ExtractToolCount for free-text payloads.
var knownTools = []string{
	"jupiter_swap",
	"jupiter_lend_earn_deposit",
	"get_account_balance",
	"get_jupiter_lend_earn_position",
}

// AnalyzeSessionSuccess judges a stored session document. It fails only when
// the document says success is false, carries a non-empty error, or reports a
// failed status. A document without any marker counts as a success.
//
// TODO(consolidation): a payload with no marker at all is scored as a success;
// revisit once runners always report an explicit success flag.
func AnalyzeSessionSuccess(raw []byte) bool {
	doc, err := normalizeDocument(raw)
	if err == nil {
		var fields map[string]any
		if json.Unmarshal(doc, &fields) == nil {
			return fieldsSucceeded(fields)
		}
	}
	return textSucceeded(string(raw))
}

func fieldsSucceeded(fields map[string]any) bool {
	if ok, present := fields["success"].(bool); present && !ok {
		return false
	}
	for _, key := range []string{"error", "error_message"} {
		if hasContent(fields[key]) {
			return false
		}
	}
	if status, ok := fields["status"].(string); ok {
		switch strings.ToLower(status) {
		case "failed", "error", "failure":
			return false
		}
	}
	return true
}

func hasContent(v any) bool {
	switch value := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(value) != ""
	case map[string]any:
		return len(value) > 0
	case []any:
		return len(value) > 0
	case bool:
		return value
	default:
		return true
	}
}

func textSucceeded(content string) bool {
	if strings.Contains(content, "status: success") ||
		strings.Contains(content, "success: true") ||
		strings.Contains(content, `"success":true`) {
		return true
	}
	lower := strings.ToLower(content)
	return !strings.Contains(lower, "error") && !strings.Contains(lower, "failed")
}

// ExtractToolCount counts tool invocations referenced by a session document
// without decoding it fully. It counts tool_name markers, then falls back to
// the length of a tool_calls list, then to well-known tool names.
func ExtractToolCount(raw []byte) int {
	content := string(raw)
	count := strings.Count(content, "tool_name:") + strings.Count(content, `"tool_name":`)
	if count > 0 {
		return count
	}

	if doc, err := normalizeDocument(raw); err == nil {
		var listed struct {
			ToolCalls []json.RawMessage `json:"tool_calls"`
		}
		if json.Unmarshal(doc, &listed) == nil && len(listed.ToolCalls) > 0 {
			return len(listed.ToolCalls)
		}
	}

	for _, name := range knownTools {
		if bytes.Contains(raw, []byte(name)) {
			count++
		}
	}
	return count
}
