// Package telemetry keeps gateway metrics (counters, gauges, histograms) in
// process and exposes them in the Prometheus text format. The Provider is an
// mllp.Observer, so wiring it into the MLLP server is all it takes to get
// connection and message metrics.
package telemetry

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/mllp-gateway/internal/platform/mllp"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config holds the identity reported alongside the metrics.
type Config struct {
	ServiceName    string `json:"service_name"`
	ServiceVersion string `json:"service_version"`
	Environment    string `json:"environment"`
	GatewayID      string `json:"gateway_id"`
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "mllp-gateway"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// ---------------------------------------------------------------------------
// Histogram: Prometheus-style histogram with buckets
// ---------------------------------------------------------------------------

// histogram is a thread-safe histogram with configurable bucket boundaries.
// Bucket counts are non-cumulative in storage; cumulative counts are computed
// at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits, updated with CAS
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

// Observe records a single value.
func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
	// Above every boundary: only the +Inf bucket, which is the total count.
}

// Count returns the total number of observations.
func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

// Sum returns the total sum of all observations.
func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(next)) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Labeled stores
// ---------------------------------------------------------------------------

// LabelsKey builds the map key for a labeled metric. Exported so tests can
// construct the same key.
func LabelsKey(name string, labels ...string) string {
	return strings.Join(append([]string{name}, labels...), "|")
}

type histogramStore struct {
	mu    sync.RWMutex
	items map[string]*histogram
}

func newHistogramStore() *histogramStore {
	return &histogramStore{items: make(map[string]*histogram)}
}

func (s *histogramStore) getOrCreate(key string, boundaries []float64) *histogram {
	s.mu.RLock()
	h, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return h
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok = s.items[key]; !ok {
		h = newHistogram(boundaries)
		s.items[key] = h
	}
	return h
}

func (s *histogramStore) get(key string) *histogram {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items[key]
}

func (s *histogramStore) snapshot() map[string]*histogram {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]*histogram, len(s.items))
	for k, v := range s.items {
		cp[k] = v
	}
	return cp
}

// int64Store backs both counters and gauges.
type int64Store struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newInt64Store() *int64Store {
	return &int64Store{items: make(map[string]*int64)}
}

func (s *int64Store) ptr(key string) *int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return p
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok = s.items[key]; !ok {
		p = new(int64)
		s.items[key] = p
	}
	return p
}

func (s *int64Store) add(key string, delta int64) { atomic.AddInt64(s.ptr(key), delta) }

func (s *int64Store) get(key string) int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

func (s *int64Store) snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]int64, len(s.items))
	for k, p := range s.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// Metric names, in their dotted internal form.
const (
	metricConnsActive    = "mllp.connections.active"
	metricConnsOpened    = "mllp.connections.opened"
	metricConnsClosed    = "mllp.connections.closed"
	metricFramesRejected = "mllp.frames.rejected"
	metricMessages       = "mllp.messages"
	metricLatency        = "mllp.message.duration"
	metricHTTPActive     = "http.server.active_requests"
	metricHTTPDuration   = "http.server.request.duration"
)

// defaultDurationBuckets are histogram boundaries in seconds.
var defaultDurationBuckets = []float64{
	0.001, 0.005, 0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// Provider collects gateway metrics.
type Provider struct {
	cfg        Config
	counters   *int64Store
	gauges     *int64Store
	histograms *histogramStore
}

// NewProvider creates an empty Provider.
func NewProvider(cfg Config) *Provider {
	cfg.applyDefaults()
	return &Provider{
		cfg:        cfg,
		counters:   newInt64Store(),
		gauges:     newInt64Store(),
		histograms: newHistogramStore(),
	}
}

// Resource returns the service identity attributes.
func (p *Provider) Resource() map[string]string {
	return map[string]string{
		"service.name":           p.cfg.ServiceName,
		"service.version":        p.cfg.ServiceVersion,
		"deployment.environment": p.cfg.Environment,
		"gateway.id":             p.cfg.GatewayID,
	}
}

// GetCounter returns the current value of a counter.
func (p *Provider) GetCounter(name string, labels ...string) int64 {
	return p.counters.get(LabelsKey(name, labels...))
}

// GetGauge returns the current value of a gauge.
func (p *Provider) GetGauge(name string) int64 {
	return p.gauges.get(name)
}

// GetHistogram returns a histogram, or nil if nothing was observed yet.
func (p *Provider) GetHistogram(name string, labels ...string) *histogram {
	return p.histograms.get(LabelsKey(name, labels...))
}

// ---------------------------------------------------------------------------
// mllp.Observer
// ---------------------------------------------------------------------------

var _ mllp.Observer = (*Provider)(nil)

func (p *Provider) ConnOpened(mllp.ConnInfo) {
	p.gauges.add(metricConnsActive, 1)
	p.counters.add(LabelsKey(metricConnsOpened), 1)
}

func (p *Provider) ConnClosed(_ mllp.ConnInfo, err error) {
	p.gauges.add(metricConnsActive, -1)
	p.counters.add(LabelsKey(metricConnsClosed, closeReason(err)), 1)
}

func (p *Provider) FrameRejected(_ mllp.ConnInfo, err error) {
	reason := "malformed"
	if errors.Is(err, mllp.ErrFrameTooLarge) {
		reason = "too_large"
	}
	p.counters.add(LabelsKey(metricFramesRejected, reason), 1)
}

func (p *Provider) MessageHandled(_ mllp.ConnInfo, ev mllp.MessageEvent) {
	code := ev.MessageType
	if i := strings.IndexByte(code, '^'); i >= 0 {
		code = code[:i]
	}
	if code == "" {
		code = "unknown"
	}
	ack := string(ev.Ack)
	if ack == "" {
		ack = "none"
	}
	p.counters.add(LabelsKey(metricMessages, code, ack), 1)
	p.histograms.getOrCreate(LabelsKey(metricLatency), defaultDurationBuckets).Observe(ev.Latency.Seconds())
}

func closeReason(err error) string {
	switch {
	case err == nil:
		return "peer_closed"
	case errors.Is(err, mllp.ErrServerClosed):
		return "shutdown"
	case errors.Is(err, mllp.ErrIdleTimeout):
		return "idle_timeout"
	case errors.Is(err, mllp.ErrTooManyMalformedFrames):
		return "malformed"
	}
	return "error"
}

// ---------------------------------------------------------------------------
// MetricsMiddleware
// ---------------------------------------------------------------------------

// MetricsMiddleware returns an Echo middleware that records admin API request
// metrics.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p.gauges.add(metricHTTPActive, 1)
			start := time.Now()

			err := next(c)

			p.gauges.add(metricHTTPActive, -1)

			status := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			key := LabelsKey(metricHTTPDuration, c.Request().Method, route, fmt.Sprintf("%d", status))
			p.histograms.getOrCreate(key, defaultDurationBuckets).Observe(time.Since(start).Seconds())

			return err
		}
	}
}

// ---------------------------------------------------------------------------
// PrometheusHandler
// ---------------------------------------------------------------------------

// PrometheusHandler returns an Echo handler that serves metrics in Prometheus
// text exposition format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		b.WriteString("# HELP mllp_connections_active Number of open MLLP connections.\n")
		b.WriteString("# TYPE mllp_connections_active gauge\n")
		fmt.Fprintf(&b, "mllp_connections_active %d\n\n", p.gauges.get(metricConnsActive))

		counters := p.counters.snapshot()

		b.WriteString("# HELP mllp_connections_opened_total Accepted MLLP connections.\n")
		b.WriteString("# TYPE mllp_connections_opened_total counter\n")
		fmt.Fprintf(&b, "mllp_connections_opened_total %d\n\n", counters[LabelsKey(metricConnsOpened)])

		writeCounter(&b, counters, metricConnsClosed, "mllp_connections_closed_total",
			"Closed MLLP connections by reason.", "reason")
		writeCounter(&b, counters, metricFramesRejected, "mllp_frames_rejected_total",
			"Rejected MLLP frames by reason.", "reason")
		writeCounter(&b, counters, metricMessages, "mllp_messages_total",
			"Handled HL7 messages by message code and acknowledgment code.", "message_code", "ack_code")

		hists := p.histograms.snapshot()
		writeHistogram(&b, hists, metricLatency, "mllp_message_duration_seconds",
			"Time from frame decode to response write, in seconds.")

		b.WriteString("# HELP http_server_active_requests Number of active admin API requests.\n")
		b.WriteString("# TYPE http_server_active_requests gauge\n")
		fmt.Fprintf(&b, "http_server_active_requests %d\n\n", p.gauges.get(metricHTTPActive))

		writeHistogram(&b, hists, metricHTTPDuration, "http_server_request_duration_seconds",
			"Duration of admin API requests in seconds.", "method", "route", "status_code")

		return c.String(http.StatusOK, b.String())
	}
}

// ---------------------------------------------------------------------------
// Prometheus format helpers
// ---------------------------------------------------------------------------

// seriesOf returns the label values of every key under name, sorted.
func seriesOf[V any](items map[string]V, name string, labelCount int) [][]string {
	var out [][]string
	for key := range items {
		parts := strings.Split(key, "|")
		if parts[0] != name || len(parts) != labelCount+1 {
			continue
		}
		out = append(out, parts[1:])
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Join(out[i], "|") < strings.Join(out[j], "|")
	})
	return out
}

func formatLabels(names, values []string) string {
	pairs := make([]string, len(names))
	for i := range names {
		pairs[i] = fmt.Sprintf("%s=%q", names[i], values[i])
	}
	return strings.Join(pairs, ",")
}

func writeCounter(b *strings.Builder, items map[string]int64, name, promName, help string, labelNames ...string) {
	fmt.Fprintf(b, "# HELP %s %s\n", promName, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", promName)
	for _, values := range seriesOf(items, name, len(labelNames)) {
		fmt.Fprintf(b, "%s{%s} %d\n", promName, formatLabels(labelNames, values), items[LabelsKey(name, values...)])
	}
	b.WriteByte('\n')
}

func writeHistogram(b *strings.Builder, items map[string]*histogram, name, promName, help string, labelNames ...string) {
	fmt.Fprintf(b, "# HELP %s %s\n", promName, help)
	fmt.Fprintf(b, "# TYPE %s histogram\n", promName)
	for _, values := range seriesOf(items, name, len(labelNames)) {
		writeSingleHistogram(b, promName, formatLabels(labelNames, values), items[LabelsKey(name, values...)])
	}
	b.WriteByte('\n')
}

func writeSingleHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := h.Count()

	labelsPrefix, labelsSuffix := "", ""
	if labels != "" {
		labelsPrefix = labels + ","
		labelsSuffix = "{" + labels + "}"
	}

	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, labelsPrefix, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, labelsPrefix, total)
	fmt.Fprintf(b, "%s_sum%s %g\n", name, labelsSuffix, h.Sum())
	fmt.Fprintf(b, "%s_count%s %d\n", name, labelsSuffix, total)
}
