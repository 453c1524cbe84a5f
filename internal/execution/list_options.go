package execution

import (
	"strings"
	"time"

	xerrors "reev-harness/internal/errors"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// SortOrder defines how listed executions are ordered.
type SortOrder int

const (
	// SortByUpdatedDesc puts the most recently updated execution first.
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc puts the oldest execution first.
	SortByUpdatedAsc
)

// ListOptions selects flow executions. Zero values disable a filter.
type ListOptions struct {
	Limit        int
	Offset       int
	Statuses     []Status
	FlowID       string
	ErrorCodes   []xerrors.Code
	UpdatedSince int64
	HasResult    *bool
	Order        SortOrder
	// Query is matched case-insensitively against the execution id, flow id,
	// last error, error code and consolidated session id.
	Query string
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit caps the number of executions returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

// WithOffset skips the first n matches.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithStatuses keeps executions in one of statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithFlowID keeps executions of one flow plan.
func WithFlowID(flowID string) ListOption {
	return func(opts *ListOptions) { opts.FlowID = flowID }
}

// WithErrorCodes keeps executions whose last failure carries one of codes,
// for example NO_SESSIONS_FOUND for flows that never stored a step.
func WithErrorCodes(codes ...xerrors.Code) ListOption {
	return func(opts *ListOptions) {
		opts.ErrorCodes = append(opts.ErrorCodes[:0], codes...)
	}
}

// WithUpdatedSince keeps executions updated at or after ts.
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.UpdatedSince = 0
		if !ts.IsZero() {
			opts.UpdatedSince = ts.Unix()
		}
	}
}

// WithResultPresence filters on whether a run summary was recorded.
func WithResultPresence(hasResult bool) ListOption {
	return func(opts *ListOptions) { opts.HasResult = &hasResult }
}

// WithSortOrder changes the returned order.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) { opts.Order = order }
}

// WithQuery sets a free-text match; see ListOptions.Query.
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) { opts.Query = query }
}

// BuildListOptions applies opts on top of the defaults.
func BuildListOptions(opts ...ListOption) ListOptions {
	var options ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options.normalized()
}

// normalized clamps paging, drops unknown statuses and lowercases the query.
func (options ListOptions) normalized() ListOptions {
	switch {
	case options.Limit <= 0:
		options.Limit = defaultListLimit
	case options.Limit > maxListLimit:
		options.Limit = maxListLimit
	}
	if options.Offset < 0 {
		options.Offset = 0
	}
	if options.Order != SortByUpdatedAsc {
		options.Order = SortByUpdatedDesc
	}
	options.Statuses = normalizeStatuses(options.Statuses)
	options.ErrorCodes = normalizeCodes(options.ErrorCodes)
	options.FlowID = strings.TrimSpace(options.FlowID)
	options.Query = strings.ToLower(strings.TrimSpace(options.Query))
	return options
}

// Matches reports whether exec passes every filter. Stores that
// cannot push filters down to a query language use it directly.
func (options ListOptions) Matches(exec *Execution) bool {
	if len(options.Statuses) > 0 && !containsStatus(options.Statuses, exec.Status) {
		return false
	}
	if options.FlowID != "" && exec.FlowID != options.FlowID {
		return false
	}
	if len(options.ErrorCodes) > 0 && !containsCode(options.ErrorCodes, xerrors.Code(exec.ErrorCode)) {
		return false
	}
	if options.UpdatedSince > 0 && exec.UpdatedAt < options.UpdatedSince {
		return false
	}
	if options.HasResult != nil && (exec.Result != nil) != *options.HasResult {
		return false
	}
	if options.Query == "" {
		return true
	}
	for _, field := range queryFields(exec) {
		if strings.Contains(strings.ToLower(field), options.Query) {
			return true
		}
	}
	return false
}

// queryFields lists the execution columns a free-text query searches, in
// the same order as queryColumns.
func queryFields(exec *Execution) []string {
	return []string{exec.ID, exec.FlowID, exec.LastError, exec.ErrorCode, exec.ConsolidatedID}
}

var queryColumns = []string{"execution_id", "flow_id", "last_error", "error_code", "consolidated_id"}

func containsStatus(list []Status, status Status) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}

func containsCode(list []xerrors.Code, code xerrors.Code) bool {
	for _, c := range list {
		if c == code {
			return true
		}
	}
	return false
}

func normalizeStatuses(input []Status) []Status {
	var result []Status
	for _, status := range input {
		if IsValidStatus(status) && !containsStatus(result, status) {
			result = append(result, status)
		}
	}
	return result
}

func normalizeCodes(input []xerrors.Code) []xerrors.Code {
	var result []xerrors.Code
	for _, code := range input {
		code = xerrors.Code(strings.ToUpper(strings.TrimSpace(string(code))))
		if code != "" && !containsCode(result, code) {
			result = append(result, code)
		}
	}
	return result
}
