package flow

import xerrors "reev-harness/internal/errors"

const (
	CodeInvalidFlowPlan xerrors.Code = "INVALID_FLOW_PLAN"
	CodeAssertionFailed xerrors.Code = "ASSERTION_FAILED"
	CodeRunnerFailed    xerrors.Code = "RUNNER_FAILED"
)

func init() {
	xerrors.Register(CodeInvalidFlowPlan, xerrors.Attributes{
		Message:  "invalid flow plan",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAssertionFailed, xerrors.Attributes{
		Message:  "final state assertion failed",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeRunnerFailed, xerrors.Attributes{
		Message:   "agent runner failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}
