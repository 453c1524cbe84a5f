package flow

import (
	"fmt"
	"strings"

	xerrors "reev-harness/internal/errors"
	"reev-harness/internal/wallet"
)

// AssertionKind tags a final-state assertion.
type AssertionKind string

const (
	AssertSolBalanceChange    AssertionKind = "SolBalanceChange"
	AssertTokenBalanceChange  AssertionKind = "TokenBalanceChange"
	AssertPositionValueChange AssertionKind = "PositionValueChange"
)

// FinalStateAssertion bounds the change of one wallet quantity between the
// start and the end of a flow. SOL changes are in lamports, token changes in
// base units and position changes in USD.
type FinalStateAssertion struct {
	AssertionType     AssertionKind  `json:"assertion_type" yaml:"assertion_type"`
	Pubkey            string         `json:"pubkey" yaml:"pubkey"`
	ExpectedChangeGte *float64       `json:"expected_change_gte,omitempty" yaml:"expected_change_gte,omitempty"`
	ExpectedChangeLte *float64       `json:"expected_change_lte,omitempty" yaml:"expected_change_lte,omitempty"`
	Parameters        map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Validate checks the assertion is well formed.
func (a FinalStateAssertion) Validate() error {
	if _, ok := assertionCheckers[a.AssertionType]; !ok {
		return fmt.Errorf("unknown assertion_type %q", a.AssertionType)
	}
	if strings.TrimSpace(a.Pubkey) == "" {
		return fmt.Errorf("%s has no pubkey", a.AssertionType)
	}
	if a.ExpectedChangeGte != nil && a.ExpectedChangeLte != nil && *a.ExpectedChangeGte > *a.ExpectedChangeLte {
		return fmt.Errorf("%s has expected_change_gte above expected_change_lte", a.AssertionType)
	}
	if a.AssertionType == AssertTokenBalanceChange && a.mint() == "" {
		return fmt.Errorf("%s needs parameters.mint", a.AssertionType)
	}
	return nil
}

func (a FinalStateAssertion) mint() string {
	if a.Parameters == nil {
		return ""
	}
	mint, _ := a.Parameters["mint"].(string)
	return mint
}

// AssertionResult is the outcome of one assertion.
type AssertionResult struct {
	AssertionType AssertionKind `json:"assertion_type"`
	Passed        bool          `json:"passed"`
	Change        float64       `json:"change"`
	Message       string        `json:"message,omitempty"`
}

type assertionChecker func(a FinalStateAssertion, initial, final *wallet.Context) (float64, error)

var assertionCheckers = map[AssertionKind]assertionChecker{
	AssertSolBalanceChange: func(_ FinalStateAssertion, initial, final *wallet.Context) (float64, error) {
		return float64(final.SolBalance) - float64(initial.SolBalance), nil
	},
	AssertTokenBalanceChange: func(a FinalStateAssertion, initial, final *wallet.Context) (float64, error) {
		mint := a.mint()
		before := initial.TokenBalances[mint].Balance
		after := final.TokenBalances[mint].Balance
		return float64(after) - float64(before), nil
	},
	AssertPositionValueChange: func(_ FinalStateAssertion, initial, final *wallet.Context) (float64, error) {
		before := initial.Clone()
		after := final.Clone()
		return after.CalculateTotalValue() - before.CalculateTotalValue(), nil
	},
}

// EvaluateAssertions checks every assertion against the wallet at the start
// and at the end of a flow.
func EvaluateAssertions(assertions []FinalStateAssertion, initial, final *wallet.Context) []AssertionResult {
	results := make([]AssertionResult, 0, len(assertions))
	for _, a := range assertions {
		results = append(results, evaluateAssertion(a, initial, final))
	}
	return results
}

func evaluateAssertion(a FinalStateAssertion, initial, final *wallet.Context) AssertionResult {
	result := AssertionResult{AssertionType: a.AssertionType}
	if err := a.Validate(); err != nil {
		result.Message = err.Error()
		return result
	}
	if initial == nil || final == nil {
		result.Message = "wallet state unavailable"
		return result
	}
	if a.Pubkey != final.Owner {
		result.Message = fmt.Sprintf("pubkey %s does not match wallet owner %s", a.Pubkey, final.Owner)
		return result
	}
	change, err := assertionCheckers[a.AssertionType](a, initial, final)
	if err != nil {
		result.Message = err.Error()
		return result
	}
	result.Change = change
	switch {
	case a.ExpectedChangeGte != nil && change < *a.ExpectedChangeGte:
		result.Message = fmt.Sprintf("change %g below %g", change, *a.ExpectedChangeGte)
	case a.ExpectedChangeLte != nil && change > *a.ExpectedChangeLte:
		result.Message = fmt.Sprintf("change %g above %g", change, *a.ExpectedChangeLte)
	default:
		result.Passed = true
	}
	return result
}

// AssertionError folds failed results into one coded error, or nil.
func AssertionError(results []AssertionResult) error {
	var failed []string
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, fmt.Sprintf("%s: %s", r.AssertionType, r.Message))
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return xerrors.New(CodeAssertionFailed, strings.Join(failed, "; "))
}
