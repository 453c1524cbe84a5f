package execution

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"reev-harness/internal/storage/pool"
	"reev-harness/pkg/logger"
)

func newSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	schema, err := pool.EmbeddedSchema(pool.DialectSQLite)
	require.NoError(t, err)
	p, err := pool.New(pool.Config{
		Driver:         pool.DialectSQLite,
		Path:           filepath.Join(t.TempDir(), "executions.db"),
		MaxConnections: 2,
		AcquireTimeout: 5 * time.Second,
	}, pool.WithSchema(schema), pool.WithLogger(logger.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	store, err := NewSQLStore(p)
	require.NoError(t, err)
	return store
}

func TestSQLStoreRoundTripsPlanAndSummary(t *testing.T) {
	ctx := context.Background()
	store := newSQLStore(t)
	plan := testPlan("sql-flow")

	require.NoError(t, store.Create(ctx, &Execution{ID: "e1", FlowID: plan.FlowID, Plan: plan, Status: StatusPending, MaxRetries: 2}))
	require.ErrorIs(t, store.Create(ctx, &Execution{ID: "e1", Plan: plan, Status: StatusPending}), ErrConflict)

	got, err := store.Get(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.NotNil(t, got.Plan)
	require.Len(t, got.Plan.Steps, 2)
	require.Equal(t, "lend", got.Plan.Steps[1].StepID)
	require.Equal(t, testOwner, got.Plan.Context.Owner)
	require.Nil(t, got.Result)

	claimed, err := store.Claim(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, claimed.Status)
	require.Equal(t, 1, claimed.Attempts)

	_, err = store.Claim(ctx, "e1")
	require.ErrorIs(t, err, ErrConflict)

	summary := Summary{RunID: "e1", Success: true, TotalSteps: 2, CompletedSteps: 2, SuccessRate: 1, AvgScore: 1, ConsolidatedID: "e1_consolidated_1"}
	require.NoError(t, store.MarkSucceeded(ctx, "e1", summary))

	done, err := store.Get(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, done.Status)
	require.Equal(t, "e1_consolidated_1", done.ConsolidatedID)
	require.Equal(t, &summary, done.Result)

	_, err = store.Claim(ctx, "e1")
	require.ErrorIs(t, err, ErrCompleted)

	_, err = store.Get(ctx, "missing")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLStoreTerminalFailureExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	store := newSQLStore(t)
	require.NoError(t, store.Create(ctx, &Execution{ID: "e1", FlowID: "f", Plan: testPlan("f"), Status: StatusPending, MaxRetries: 3}))
	_, err := store.Claim(ctx, "e1")
	require.NoError(t, err)

	partial := &Summary{RunID: "e1", TotalSteps: 2, StoppedAt: "swap"}
	require.NoError(t, store.MarkFailed(ctx, "e1", Failure{Code: CodeExecutionProcessing, Message: "no sessions", Terminal: true, Summary: partial}))

	got, err := store.Get(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, 1, got.MaxRetries)
	require.Equal(t, "swap", got.Result.StoppedAt)
	require.True(t, Finished(got))

	_, err = store.Claim(ctx, "e1")
	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, store.MarkFailed(ctx, "missing", Failure{}), ErrNotFound)
}

func TestSQLStoreListAndStats(t *testing.T) {
	ctx := context.Background()
	store := newSQLStore(t)
	base := time.Unix(1_700_000_000, 0)
	tick := base
	store.now = func() time.Time { return tick }

	for i, id := range []string{"swap-1", "swap-2", "lend-1"} {
		tick = base.Add(time.Duration(i) * time.Minute)
		flowID := "swap"
		if id == "lend-1" {
			flowID = "lend"
		}
		require.NoError(t, store.Create(ctx, &Execution{ID: id, FlowID: flowID, Plan: testPlan(flowID), Status: StatusPending, MaxRetries: 1}))
	}
	tick = base.Add(10 * time.Minute)
	require.NoError(t, store.MarkSucceeded(ctx, "swap-1", Summary{Success: true}))
	require.NoError(t, store.MarkFailed(ctx, "lend-1", Failure{Code: CodeExecutionProcessing, Message: "pool exhausted"}))

	all, err := store.List(ctx, BuildListOptions())
	require.NoError(t, err)
	require.Equal(t, []string{"lend-1", "swap-1", "swap-2"}, ids(all))

	asc, err := store.List(ctx, BuildListOptions(WithSortOrder(SortByUpdatedAsc), WithLimit(2)))
	require.NoError(t, err)
	require.Equal(t, []string{"swap-2", "swap-1"}, ids(asc))

	swaps, err := store.List(ctx, BuildListOptions(WithFlowID("swap"), WithStatuses(StatusPending)))
	require.NoError(t, err)
	require.Equal(t, []string{"swap-2"}, ids(swaps))

	results, err := store.List(ctx, BuildListOptions(WithResultPresence(true)))
	require.NoError(t, err)
	require.Equal(t, []string{"swap-1"}, ids(results))

	matched, err := store.List(ctx, BuildListOptions(WithQuery("EXHAUSTED")))
	require.NoError(t, err)
	require.Equal(t, []string{"lend-1"}, ids(matched))

	stats, err := store.Stats(ctx, BuildListOptions())
	require.NoError(t, err)
	require.Equal(t, Stats{
		Total:           3,
		Pending:         1,
		Succeeded:       1,
		Failed:          1,
		OldestUpdatedAt: base.Add(time.Minute).Unix(),
		NewestUpdatedAt: base.Add(10 * time.Minute).Unix(),
	}, stats)

	empty, err := store.Stats(ctx, BuildListOptions(WithFlowID("nothing")))
	require.NoError(t, err)
	require.Equal(t, Stats{}, empty)
}
