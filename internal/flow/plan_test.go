package flow

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "reev-harness/internal/errors"
	"reev-harness/internal/wallet"
)

const samplePlan = `
flow_id: swap_and_lend
user_prompt: swap 1 SOL to USDC then lend it
context:
  owner: USER1111111111111111111111111111111111111111
  sol_balance: 5000000000
steps:
  - step_id: swap
    prompt_template: swap 1 SOL to USDC
    description: swap on jupiter
    required_tools: [jupiter_swap]
  - step_id: lend
    prompt_template: lend the USDC
    critical: false
    estimated_time_seconds: 90
    recovery_strategy:
      type: retry
      attempts: 3
final_state_assertions:
  - assertion_type: SolBalanceChange
    pubkey: USER1111111111111111111111111111111111111111
    expected_change_lte: -1000000000
`

func TestParsePlanAppliesDefaults(t *testing.T) {
	plan, err := ParsePlan([]byte(samplePlan))
	require.NoError(t, err)

	require.Equal(t, "swap_and_lend", plan.FlowID)
	require.Equal(t, AtomicStrict, plan.AtomicMode)
	require.Equal(t, "general", plan.Metadata.Category)
	require.Equal(t, "1.0", plan.Metadata.Version)
	require.Equal(t, 2, plan.Metadata.ComplexityScore)
	require.False(t, plan.Metadata.CreatedAt.IsZero())
	require.Equal(t, uint64(5_000_000_000), plan.Context.SolBalance)

	require.Len(t, plan.Steps, 2)
	require.True(t, plan.Steps[0].Critical)
	require.Equal(t, 30, plan.Steps[0].EstimatedTimeSeconds)
	require.Equal(t, []string{"jupiter_swap"}, plan.Steps[0].RequiredTools)
	require.False(t, plan.Steps[1].Critical)
	require.Equal(t, 90, plan.Steps[1].EstimatedTimeSeconds)
	require.Equal(t, RecoveryRetry, plan.Steps[1].RecoveryStrategy.Kind)
	require.Equal(t, 3, plan.Steps[1].RecoveryStrategy.Attempts)

	require.Equal(t, []string{"swap"}, plan.CriticalSteps())
	require.Equal(t, "2m0s", plan.EstimatedDuration().String())
	require.Len(t, plan.FinalStateAssertions, 1)
}

func TestClonePlanIsIndependent(t *testing.T) {
	plan, err := ParsePlan([]byte(samplePlan))
	require.NoError(t, err)
	plan.Metadata.Tags = []string{"defi"}
	plan.FinalStateAssertions[0].Parameters = map[string]any{"mint": "EPjF"}

	clone := plan.Clone()
	require.Equal(t, plan.Steps, clone.Steps)
	require.Equal(t, plan.Metadata, clone.Metadata)
	require.Equal(t, plan.FinalStateAssertions, clone.FinalStateAssertions)
	require.Equal(t, plan.Context.SolBalance, clone.Context.SolBalance)

	clone.Steps[0].RequiredTools[0] = "raydium_swap"
	clone.Steps[1].RecoveryStrategy.Attempts = 9
	clone.Context.SolBalance = 1
	clone.Metadata.Tags[0] = "changed"
	*clone.FinalStateAssertions[0].ExpectedChangeLte = 0
	clone.FinalStateAssertions[0].Parameters["mint"] = "So11"

	require.Equal(t, "jupiter_swap", plan.Steps[0].RequiredTools[0])
	require.Equal(t, 3, plan.Steps[1].RecoveryStrategy.Attempts)
	require.Equal(t, uint64(5_000_000_000), plan.Context.SolBalance)
	require.Equal(t, "defi", plan.Metadata.Tags[0])
	require.Equal(t, -1_000_000_000.0, *plan.FinalStateAssertions[0].ExpectedChangeLte)
	require.Equal(t, "EPjF", plan.FinalStateAssertions[0].Parameters["mint"])

	var nilPlan *DynamicFlowPlan
	require.Nil(t, nilPlan.Clone())
}

func TestDecodeStepDefaultsFromJSON(t *testing.T) {
	var step DynamicStep
	require.NoError(t, json.Unmarshal([]byte(`{"step_id":"a","prompt_template":"p"}`), &step))
	require.True(t, step.Critical)
	require.Equal(t, 30, step.EstimatedTimeSeconds)

	require.NoError(t, json.Unmarshal([]byte(`{"step_id":"a","prompt_template":"p","critical":false}`), &step))
	require.False(t, step.Critical)
}

func TestLoadPlan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePlan), 0o600))
	plan, err := LoadPlan(path)
	require.NoError(t, err)
	require.Equal(t, "swap_and_lend", plan.FlowID)

	_, err = LoadPlan(filepath.Join(t.TempDir(), "missing.yaml"))
	require.True(t, xerrors.HasCode(err, CodeInvalidFlowPlan))
}

func TestValidateRejectsBrokenPlans(t *testing.T) {
	cases := map[string]func(p *DynamicFlowPlan){
		"empty flow id":     func(p *DynamicFlowPlan) { p.FlowID = "" },
		"empty prompt":      func(p *DynamicFlowPlan) { p.UserPrompt = " " },
		"no wallet":         func(p *DynamicFlowPlan) { p.Context = nil },
		"no steps":          func(p *DynamicFlowPlan) { p.Steps = nil },
		"step without id":   func(p *DynamicFlowPlan) { p.Steps[0].StepID = "" },
		"duplicate step id": func(p *DynamicFlowPlan) { p.Steps[1].StepID = p.Steps[0].StepID },
		"empty step prompt": func(p *DynamicFlowPlan) { p.Steps[0].PromptTemplate = "" },
		"bad atomic mode":   func(p *DynamicFlowPlan) { p.AtomicMode = "eventual" },
		"bad assertion": func(p *DynamicFlowPlan) {
			p.FinalStateAssertions = []FinalStateAssertion{{AssertionType: "Unknown", Pubkey: testOwner}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			plan := threeStepPlan(true)
			require.NoError(t, plan.Validate())
			mutate(plan)
			err := plan.Validate()
			require.True(t, xerrors.HasCode(err, CodeInvalidFlowPlan), "got %v", err)
		})
	}
}

func bound(v float64) *float64 { return &v }

func TestEvaluateAssertions(t *testing.T) {
	six := uint8(6)
	initial := wallet.New(testOwner)
	initial.SolBalance = 3_000_000_000
	initial.SetTokenBalance(wallet.TokenBalance{Mint: wallet.USDCMint, Balance: 0, Decimals: &six})
	initial.SetTokenPrice(wallet.USDCMint, 1)

	final := initial.Clone()
	final.SolBalance = 2_000_000_000
	final.SetTokenBalance(wallet.TokenBalance{Mint: wallet.USDCMint, Balance: 150_000_000, Decimals: &six})

	assertions := []FinalStateAssertion{
		{AssertionType: AssertSolBalanceChange, Pubkey: testOwner, ExpectedChangeGte: bound(-1_100_000_000), ExpectedChangeLte: bound(-900_000_000)},
		{AssertionType: AssertTokenBalanceChange, Pubkey: testOwner, ExpectedChangeGte: bound(100_000_000), Parameters: map[string]any{"mint": wallet.USDCMint}},
		{AssertionType: AssertPositionValueChange, Pubkey: testOwner, ExpectedChangeGte: bound(0)},
		{AssertionType: AssertSolBalanceChange, Pubkey: "someone-else"},
	}
	results := EvaluateAssertions(assertions, initial, final)
	require.Len(t, results, 4)
	require.True(t, results[0].Passed, results[0].Message)
	require.InDelta(t, -1_000_000_000, results[0].Change, 1e-6)
	require.True(t, results[1].Passed, results[1].Message)
	// -1 SOL at 150 USD plus 150 USDC.
	require.True(t, results[2].Passed, results[2].Message)
	require.InDelta(t, 0, results[2].Change, 1e-6)
	require.False(t, results[3].Passed)
	require.Contains(t, results[3].Message, "does not match")

	err := AssertionError(results)
	require.True(t, xerrors.HasCode(err, CodeAssertionFailed))
	require.NoError(t, AssertionError(results[:3]))
}

func TestAssertionValidation(t *testing.T) {
	require.Error(t, FinalStateAssertion{AssertionType: AssertSolBalanceChange}.Validate())
	require.Error(t, FinalStateAssertion{AssertionType: AssertTokenBalanceChange, Pubkey: testOwner}.Validate())
	require.Error(t, FinalStateAssertion{
		AssertionType:     AssertSolBalanceChange,
		Pubkey:            testOwner,
		ExpectedChangeGte: bound(10),
		ExpectedChangeLte: bound(1),
	}.Validate())
	require.NoError(t, FinalStateAssertion{AssertionType: AssertPositionValueChange, Pubkey: testOwner}.Validate())
}
