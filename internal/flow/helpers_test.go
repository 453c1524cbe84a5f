package flow

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"reev-harness/internal/storage/pool"
	"reev-harness/internal/storage/session"
	"reev-harness/internal/wallet"
	"reev-harness/pkg/logger"
)

const testOwner = "USER1111111111111111111111111111111111111111"

func newSessionStore(t *testing.T) *session.Store {
	t.Helper()
	schema, err := pool.EmbeddedSchema(pool.DialectSQLite)
	require.NoError(t, err)
	p, err := pool.New(pool.Config{
		Driver:         pool.DialectSQLite,
		Path:           filepath.Join(t.TempDir(), "flow.db"),
		MaxConnections: 4,
		AcquireTimeout: 5 * time.Second,
	}, pool.WithSchema(schema), pool.WithLogger(logger.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	store, err := session.NewStore(p, session.WithLogger(logger.Discard()))
	require.NoError(t, err)
	return store
}

// scriptedRunner answers each step from a table keyed by step id and records
// every request it receives.
type scriptedRunner struct {
	mu       sync.Mutex
	requests []RunRequest
	script   map[string]func(ctx context.Context, req RunRequest) (*SessionPayload, error)
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{script: map[string]func(context.Context, RunRequest) (*SessionPayload, error){}}
}

func (r *scriptedRunner) on(stepID string, fn func(ctx context.Context, req RunRequest) (*SessionPayload, error)) *scriptedRunner {
	r.script[stepID] = fn
	return r
}

func (r *scriptedRunner) Run(ctx context.Context, req RunRequest) (*SessionPayload, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	fn := r.script[req.StepID]
	r.mu.Unlock()
	if fn == nil {
		return succeed(req.StepID, "ok"), nil
	}
	return fn(ctx, req)
}

func (r *scriptedRunner) calls() []RunRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RunRequest(nil), r.requests...)
}

func succeed(stepID, output string, tools ...string) *SessionPayload {
	ok := true
	out, _ := json.Marshal(map[string]string{"result": output})
	return &SessionPayload{StepID: stepID, Success: &ok, Output: out, ToolCalls: tools, ExecutionTimeMS: 10}
}

func fail(stepID, message string) *SessionPayload {
	no := false
	return &SessionPayload{StepID: stepID, Success: &no, Error: message}
}

func threeStepPlan(criticalSecond bool) *DynamicFlowPlan {
	w := wallet.New(testOwner)
	w.SolBalance = 5_000_000_000
	second := NewStep("step-2", "swap 1 SOL to USDC", "swap")
	second.Critical = criticalSecond
	return NewFlowPlan("swap_then_lend", "swap then lend", w).
		AddStep(NewStep("step-1", "check balance", "balance")).
		AddStep(second).
		AddStep(NewStep("step-3", "lend USDC", "lend"))
}

func newTestOrchestrator(t *testing.T, runner Runner, store SessionStore, opts ...Option) *Orchestrator {
	t.Helper()
	executor, err := NewExecutor(runner, store,
		WithExecutorLogger(logger.Discard()),
		WithStepTimeouts(2*time.Second, 5*time.Second))
	require.NoError(t, err)
	opts = append([]Option{WithLogger(logger.Discard())}, opts...)
	orch, err := NewOrchestrator(executor, opts...)
	require.NoError(t, err)
	return orch
}

type stepIDs []StepSession

func (s stepIDs) ids() []string {
	out := make([]string, 0, len(s))
	for _, step := range s {
		out = append(out, step.StepID)
	}
	return out
}
