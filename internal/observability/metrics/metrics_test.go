package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "reev-harness/internal/errors"
	"reev-harness/internal/flow"
	"reev-harness/internal/storage/pool"
)

func scrape(t *testing.T, r *Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestRegistryRendersHTTPMetrics(t *testing.T) {
	r := NewRegistry()
	r.ObserveHTTPRequest("/api/v1/flows", "POST", 202, 30*time.Millisecond)
	r.ObserveHTTPRequest("/api/v1/flows", "POST", 500, 20*time.Second)

	out := scrape(t, r)
	for _, want := range []string{
		`reev_http_requests_total{handler="/api/v1/flows",method="POST",code="202"} 1`,
		`reev_http_request_errors_total{handler="/api/v1/flows",method="POST"} 1`,
		`reev_http_request_duration_seconds_bucket{handler="/api/v1/flows",method="POST",le="0.05"} 1`,
		`reev_http_request_duration_seconds_bucket{handler="/api/v1/flows",method="POST",le="+Inf"} 2`,
		`reev_http_request_duration_seconds_count{handler="/api/v1/flows",method="POST"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in\n%s", want, out)
		}
	}
}

func TestFlowObserverCountsOutcomes(t *testing.T) {
	r := NewRegistry()
	obs := r.FlowObserver()
	obs.StepFinished("f", flow.StepSession{Success: true, ExecutionTimeMS: 1500})
	obs.StepFinished("f", flow.StepSession{Success: false, TimedOut: true})
	obs.StepFinished("f", flow.StepSession{Success: false})

	start := time.Unix(100, 0)
	obs.FlowFinished(&flow.ExecutionResult{Success: true, StartedAt: start, FinishedAt: start.Add(3 * time.Second)}, nil)
	obs.FlowFinished(&flow.ExecutionResult{}, xerrors.New(xerrors.CodeNoSessionsFound, ""))
	obs.FlowFinished(nil, errors.New("plain"))

	out := scrape(t, r)
	for _, want := range []string{
		`reev_flow_steps_total{outcome="succeeded"} 1`,
		`reev_flow_steps_total{outcome="timed_out"} 1`,
		`reev_flow_steps_total{outcome="failed"} 1`,
		`reev_flow_executions_total{outcome="succeeded"} 1`,
		`reev_flow_executions_total{outcome="error_no_sessions_found"} 1`,
		`reev_flow_executions_total{outcome="error_unknown"} 1`,
		`reev_flow_duration_seconds_bucket{le="5"} 1`,
		`reev_flow_step_duration_seconds_sum 1.5`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in\n%s", want, out)
		}
	}
}

func TestRegistryRendersPoolGauges(t *testing.T) {
	r := NewRegistry()
	if strings.Contains(scrape(t, r), "reev_pool_") {
		t.Fatal("pool gauges rendered without a tracked pool")
	}
	r.TrackPool(func() pool.Stats { return pool.Stats{Max: 10, CurrentSize: 3, Idle: 1, Active: 2} })
	out := scrape(t, r)
	for _, want := range []string{
		"reev_pool_max_connections 10",
		"reev_pool_connections 3",
		"reev_pool_idle_connections 1",
		"reev_pool_active_connections 2",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in\n%s", want, out)
		}
	}
}
