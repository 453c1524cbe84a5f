package metrics

import (
	"fmt"
	"sort"
	"strings"

	xerrors "reev-harness/internal/errors"
	"reev-harness/internal/flow"
)

// FlowObserver returns a flow.Observer that records step and flow outcomes on r.
func (r *Registry) FlowObserver() flow.Observer {
	return flowObserver{r: r}
}

type flowObserver struct {
	r *Registry
}

func (o flowObserver) StepFinished(_ string, step flow.StepSession) {
	outcome := "succeeded"
	switch {
	case step.TimedOut:
		outcome = "timed_out"
	case !step.Success:
		outcome = "failed"
	}
	o.r.mu.Lock()
	defer o.r.mu.Unlock()
	o.r.steps[outcome]++
	o.r.stepLatency.observe(float64(step.ExecutionTimeMS) / 1000)
}

func (o flowObserver) FlowFinished(result *flow.ExecutionResult, err error) {
	outcome := "succeeded"
	switch {
	case err != nil:
		outcome = "error_" + strings.ToLower(string(xerrors.CodeOf(err)))
	case result == nil || !result.Success:
		outcome = "failed"
	}
	o.r.mu.Lock()
	defer o.r.mu.Unlock()
	o.r.flows[outcome]++
	if result != nil && !result.FinishedAt.IsZero() {
		o.r.flowLatency.observe(result.FinishedAt.Sub(result.StartedAt).Seconds())
	}
}

func (r *Registry) renderFlows(b *strings.Builder) {
	b.WriteString("# HELP reev_flow_executions_total Flow executions by outcome.\n")
	b.WriteString("# TYPE reev_flow_executions_total counter\n")
	for _, outcome := range sortedKeys(r.flows) {
		fmt.Fprintf(b, "reev_flow_executions_total{outcome=\"%s\"} %d\n", escape(outcome), r.flows[outcome])
	}
	b.WriteString("# HELP reev_flow_duration_seconds Wall time of a flow execution.\n")
	b.WriteString("# TYPE reev_flow_duration_seconds histogram\n")
	r.flowLatency.render(b, "reev_flow_duration_seconds", "")

	b.WriteString("# HELP reev_flow_steps_total Flow steps by outcome.\n")
	b.WriteString("# TYPE reev_flow_steps_total counter\n")
	for _, outcome := range sortedKeys(r.steps) {
		fmt.Fprintf(b, "reev_flow_steps_total{outcome=\"%s\"} %d\n", escape(outcome), r.steps[outcome])
	}
	b.WriteString("# HELP reev_flow_step_duration_seconds Reported execution time of a flow step.\n")
	b.WriteString("# TYPE reev_flow_step_duration_seconds histogram\n")
	r.stepLatency.render(b, "reev_flow_step_duration_seconds", "")
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
