// Package telemetry provides in-process metrics for the billing server:
// counters, gauges and latency histograms, plus a Prometheus text exposition
// endpoint. It follows OpenTelemetry naming conventions without importing the
// go.opentelemetry.io SDK.
package telemetry

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// Config holds telemetry provider configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "hms-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// defaultDurationBuckets are histogram bucket boundaries in seconds for HTTP
// request duration.
var defaultDurationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// histogram is a thread-safe histogram with fixed bucket boundaries. Bucket
// counts are non-cumulative in storage; cumulative counts are computed at
// export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits for atomic add
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			h.mu.Unlock()
			return
		}
	}
	// Exceeds all boundaries: counted in +Inf at export.
	h.mu.Unlock()
}

func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	cum := make([]int64, len(raw))
	var running int64
	for i, c := range raw {
		running += c
		cum[i] = running
	}
	return cum
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		newVal := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(newVal)) {
			return
		}
	}
}

type counterStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newCounterStore() *counterStore {
	return &counterStore{items: make(map[string]*int64)}
}

func (s *counterStore) inc(key string) {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		atomic.AddInt64(p, 1)
		return
	}
	s.mu.Lock()
	p, ok = s.items[key]
	if !ok {
		v := int64(1)
		s.items[key] = &v
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	atomic.AddInt64(p, 1)
}

func (s *counterStore) get(key string) int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

func (s *counterStore) snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]int64, len(s.items))
	for k, p := range s.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

type gaugeStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newGaugeStore() *gaugeStore {
	return &gaugeStore{items: make(map[string]*int64)}
}

func (s *gaugeStore) set(name string, val int64) {
	s.mu.RLock()
	p, ok := s.items[name]
	s.mu.RUnlock()
	if ok {
		atomic.StoreInt64(p, val)
		return
	}
	s.mu.Lock()
	p, ok = s.items[name]
	if !ok {
		v := val
		s.items[name] = &v
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	atomic.StoreInt64(p, val)
}

func (s *gaugeStore) add(name string, delta int64) {
	s.mu.RLock()
	p, ok := s.items[name]
	s.mu.RUnlock()
	if ok {
		atomic.AddInt64(p, delta)
		return
	}
	s.mu.Lock()
	p, ok = s.items[name]
	if !ok {
		v := delta
		s.items[name] = &v
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	atomic.AddInt64(p, delta)
}

func (s *gaugeStore) get(name string) int64 {
	s.mu.RLock()
	p, ok := s.items[name]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

// Provider manages all metrics state for the server.
type Provider struct {
	cfg Config

	durationHist *histogram
	counters     *counterStore
	gauges       *gaugeStore

	shutdownOnce sync.Once
	done         chan struct{}
}

// NewProvider creates and initialises the telemetry provider.
func NewProvider(cfg Config) *Provider {
	cfg.applyDefaults()
	return &Provider{
		cfg:          cfg,
		durationHist: newHistogram(defaultDurationBuckets),
		counters:     newCounterStore(),
		gauges:       newGaugeStore(),
		done:         make(chan struct{}),
	}
}

// Shutdown releases provider resources.
func (p *Provider) Shutdown(_ context.Context) error {
	p.shutdownOnce.Do(func() {
		close(p.done)
	})
	return nil
}

// Resource returns the service resource attributes.
func (p *Provider) Resource() map[string]string {
	return map[string]string{
		"service.name":           p.cfg.ServiceName,
		"service.version":        p.cfg.ServiceVersion,
		"deployment.environment": p.cfg.Environment,
	}
}

// BillingOperationCounter increments the billing.operation.count metric for
// the given entity (bill, payment, return, patient) and operation.
func (p *Provider) BillingOperationCounter(entity, operation string) {
	p.counters.inc("billing.operation.count|" + entity + "|" + operation)
}

// GetCounter returns the current value of a billing operation counter.
func (p *Provider) GetCounter(entity, operation string) int64 {
	return p.counters.get("billing.operation.count|" + entity + "|" + operation)
}

// GetGauge returns the current value of the named gauge.
func (p *Provider) GetGauge(name string) int64 {
	return p.gauges.get(name)
}

// RequestCount returns the total number of observed HTTP requests.
func (p *Provider) RequestCount() int64 {
	return p.durationHist.Count()
}

// HealthMetricsRecorder updates health-related gauges.
type HealthMetricsRecorder struct {
	p *Provider
}

// HealthMetrics returns a recorder for health-related metrics.
func (p *Provider) HealthMetrics() *HealthMetricsRecorder {
	return &HealthMetricsRecorder{p: p}
}

// SetDBPoolActive sets the db.pool.active_connections gauge.
func (h *HealthMetricsRecorder) SetDBPoolActive(n int64) {
	h.p.gauges.set("db.pool.active_connections", n)
}

// SetDBPoolIdle sets the db.pool.idle_connections gauge.
func (h *HealthMetricsRecorder) SetDBPoolIdle(n int64) {
	h.p.gauges.set("db.pool.idle_connections", n)
}

// MetricsMiddleware records request duration and active request count for
// every HTTP request.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p.gauges.add("http.server.active_requests", 1)
			start := time.Now()

			err := next(c)

			p.gauges.add("http.server.active_requests", -1)
			p.durationHist.Observe(time.Since(start).Seconds())

			status := c.Response().Status
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			p.counters.inc(fmt.Sprintf("http.server.request.count|%s %s|%d", c.Request().Method, route, status))

			return err
		}
	}
}

// PrometheusHandler serves all metrics in Prometheus text exposition format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		b.WriteString("# HELP http_server_request_duration_seconds Duration of HTTP requests in seconds.\n")
		b.WriteString("# TYPE http_server_request_duration_seconds histogram\n")
		cum := p.durationHist.cumulativeBuckets()
		for i, boundary := range defaultDurationBuckets {
			fmt.Fprintf(&b, "http_server_request_duration_seconds_bucket{le=\"%g\"} %d\n", boundary, cum[i])
		}
		fmt.Fprintf(&b, "http_server_request_duration_seconds_bucket{le=\"+Inf\"} %d\n", p.durationHist.Count())
		fmt.Fprintf(&b, "http_server_request_duration_seconds_sum %g\n", p.durationHist.Sum())
		fmt.Fprintf(&b, "http_server_request_duration_seconds_count %d\n", p.durationHist.Count())
		b.WriteByte('\n')

		b.WriteString("# HELP http_server_active_requests Number of active HTTP requests.\n")
		b.WriteString("# TYPE http_server_active_requests gauge\n")
		fmt.Fprintf(&b, "http_server_active_requests %d\n", p.gauges.get("http.server.active_requests"))
		b.WriteByte('\n')

		counters := p.counters.snapshot()

		b.WriteString("# HELP http_server_request_count Total HTTP requests by route and status.\n")
		b.WriteString("# TYPE http_server_request_count counter\n")
		for key, val := range counters {
			parts := strings.SplitN(key, "|", 3)
			if len(parts) == 3 && parts[0] == "http.server.request.count" {
				fmt.Fprintf(&b, "http_server_request_count{route=%q,status=%q} %d\n", parts[1], parts[2], val)
			}
		}
		b.WriteByte('\n')

		b.WriteString("# HELP billing_operation_count Total billing operations by entity and operation.\n")
		b.WriteString("# TYPE billing_operation_count counter\n")
		for key, val := range counters {
			parts := strings.SplitN(key, "|", 3)
			if len(parts) == 3 && parts[0] == "billing.operation.count" {
				fmt.Fprintf(&b, "billing_operation_count{entity=%q,operation=%q} %d\n", parts[1], parts[2], val)
			}
		}
		b.WriteByte('\n')

		for _, g := range []struct {
			promName string
			name     string
			help     string
		}{
			{"db_pool_active_connections", "db.pool.active_connections", "Number of active database pool connections."},
			{"db_pool_idle_connections", "db.pool.idle_connections", "Number of idle database pool connections."},
		} {
			fmt.Fprintf(&b, "# HELP %s %s\n", g.promName, g.help)
			fmt.Fprintf(&b, "# TYPE %s gauge\n", g.promName)
			fmt.Fprintf(&b, "%s %d\n", g.promName, p.gauges.get(g.name))
			b.WriteByte('\n')
		}

		return c.String(http.StatusOK, b.String())
	}
}
