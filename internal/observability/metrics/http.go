package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"reev-harness/internal/storage/pool"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type routeKey struct {
	handler string
	method  string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

// Registry collects the harness metrics and renders them in the Prometheus
// text exposition format.
type Registry struct {
	mu          sync.Mutex
	requests    map[requestKey]uint64
	errors      map[routeKey]uint64
	latency     map[routeKey]*histogram
	flows       map[string]uint64
	flowLatency *histogram
	steps       map[string]uint64
	stepLatency *histogram
	poolStats   func() pool.Stats
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		requests:    make(map[requestKey]uint64),
		errors:      make(map[routeKey]uint64),
		latency:     make(map[routeKey]*histogram),
		flows:       make(map[string]uint64),
		flowLatency: newHistogram([]float64{1, 5, 15, 30, 60, 120, 300, 600}),
		steps:       make(map[string]uint64),
		stepLatency: newHistogram([]float64{0.5, 1, 2.5, 5, 10, 30, 60, 120}),
	}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

// ObserveHTTPRequest records one request on the default registry.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultRegistry.ObserveHTTPRequest(handler, method, status, duration)
}

// ObserveHTTPRequest records one request.
func (r *Registry) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requests[requestKey{handler: handler, method: method, code: strconv.Itoa(status)}]++
	key := routeKey{handler: handler, method: method}
	if status >= 500 {
		r.errors[key]++
	}
	hist := r.latency[key]
	if hist == nil {
		hist = newHistogram([]float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10})
		r.latency[key] = hist
	}
	hist.observe(duration.Seconds())
}

// TrackPool exposes gauges read from stats on every scrape.
func (r *Registry) TrackPool(stats func() pool.Stats) {
	r.mu.Lock()
	r.poolStats = stats
	r.mu.Unlock()
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// observe counts value in every bucket whose bound it does not exceed.
// Values above the last bound only show up in the +Inf bucket via count.
func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

func (h *histogram) render(b *strings.Builder, name, labels string) {
	sep := ""
	if labels != "" {
		sep = ","
	}
	for idx, bound := range h.buckets {
		fmt.Fprintf(b, "%s_bucket{%s%sle=\"%s\"} %d\n", name, labels, sep, formatFloat(bound), h.counts[idx])
	}
	fmt.Fprintf(b, "%s_bucket{%s%sle=\"+Inf\"} %d\n", name, labels, sep, h.count)
	fmt.Fprintf(b, "%s_sum%s %s\n", name, braces(labels), formatFloat(h.sum))
	fmt.Fprintf(b, "%s_count%s %d\n", name, braces(labels), h.count)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return defaultRegistry.Handler()
}

// Handler serves r in Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, r.render())
	})
}

func (r *Registry) render() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	b.Grow(2048)

	reqKeys := make([]requestKey, 0, len(r.requests))
	for key := range r.requests {
		reqKeys = append(reqKeys, key)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].handler == reqKeys[j].handler {
			if reqKeys[i].method == reqKeys[j].method {
				return reqKeys[i].code < reqKeys[j].code
			}
			return reqKeys[i].method < reqKeys[j].method
		}
		return reqKeys[i].handler < reqKeys[j].handler
	})
	b.WriteString("# HELP reev_http_requests_total Total number of HTTP requests processed.\n")
	b.WriteString("# TYPE reev_http_requests_total counter\n")
	for _, key := range reqKeys {
		fmt.Fprintf(&b, "reev_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(key.handler), escape(key.method), escape(key.code), r.requests[key])
	}

	routes := sortedRoutes(r.errors)
	b.WriteString("# HELP reev_http_request_errors_total Total number of HTTP requests that resulted in a server error.\n")
	b.WriteString("# TYPE reev_http_request_errors_total counter\n")
	for _, key := range routes {
		fmt.Fprintf(&b, "reev_http_request_errors_total{handler=\"%s\",method=\"%s\"} %d\n",
			escape(key.handler), escape(key.method), r.errors[key])
	}

	routes = sortedRoutes(r.latency)
	b.WriteString("# HELP reev_http_request_duration_seconds HTTP request duration in seconds.\n")
	b.WriteString("# TYPE reev_http_request_duration_seconds histogram\n")
	for _, key := range routes {
		labels := fmt.Sprintf("handler=\"%s\",method=\"%s\"", escape(key.handler), escape(key.method))
		r.latency[key].render(&b, "reev_http_request_duration_seconds", labels)
	}

	r.renderFlows(&b)
	r.renderPool(&b)
	return b.String()
}

func (r *Registry) renderPool(b *strings.Builder) {
	if r.poolStats == nil {
		return
	}
	stats := r.poolStats()
	gauges := []struct {
		name  string
		help  string
		value int
	}{
		{"reev_pool_max_connections", "Configured connection pool capacity.", stats.Max},
		{"reev_pool_connections", "Physical connections currently held by the pool.", stats.CurrentSize},
		{"reev_pool_idle_connections", "Idle pooled connections.", stats.Idle},
		{"reev_pool_active_connections", "Connections checked out of the pool.", stats.Active},
	}
	for _, g := range gauges {
		fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n", g.name, g.help, g.name, g.name, g.value)
	}
}

func sortedRoutes[V any](m map[routeKey]V) []routeKey {
	keys := make([]routeKey, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].handler == keys[j].handler {
			return keys[i].method < keys[j].method
		}
		return keys[i].handler < keys[j].handler
	})
	return keys
}

func braces(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer serves /metrics of the default registry on addr until ctx is done.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
