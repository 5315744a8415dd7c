// Package metrics exposes the admission gateway's Prometheus registry
// plus a lightweight JSON debug snapshot for inspection without a
// scraper.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric the admission gateway exports:
// gate1_decisions_total, gate1_correlation_score, gate2_actions_total,
// gate2_log_security_total, gate2_transition_count,
// plab_registry_occupancy, session_pool_occupancy, and HTTP endpoint
// latency histograms.
type Registry struct {
	prom *prometheus.Registry

	gate1DecisionsTotal   *prometheus.CounterVec
	gate1CorrelationScore prometheus.Histogram
	gate2ActionsTotal     *prometheus.CounterVec
	gate2LogSecurityTotal prometheus.Counter
	gate2TransitionCount  prometheus.Histogram
	plabRegistryOccupancy prometheus.Gauge
	sessionPoolOccupancy  prometheus.Gauge
	kafkaConsumerLag      prometheus.Gauge
	httpLatency           *prometheus.HistogramVec

	mu       sync.RWMutex
	endpoint map[string]*EndpointStat

	// Histograms is kept for the JSON debug snapshot's latency
	// breakdown, independent of the Prometheus registration above.
	Histograms *HistogramRegistry
}

// EndpointStat summarizes one HTTP endpoint's request volume and
// latency for the JSON debug snapshot.
type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

// Snapshot is the JSON debug view of the registry's counters.
type Snapshot struct {
	GeneratedAt string                  `json:"generated_at"`
	Endpoints   map[string]EndpointStat `json:"endpoints"`
	Histograms  []HistogramSnapshot     `json:"histograms,omitempty"`
}

// NewRegistry constructs a Registry and registers every metric with a
// fresh Prometheus registry.
func NewRegistry() *Registry {
	r := &Registry{
		prom:       prometheus.NewRegistry(),
		endpoint:   map[string]*EndpointStat{},
		Histograms: NewHistogramRegistry(),

		gate1DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gate1_decisions_total",
			Help: "Gate 1 admission decisions by outcome.",
		}, []string{"decision"}),

		gate1CorrelationScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gate1_correlation_score",
			Help:    "Distribution of Gate 1 correlation scores.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),

		gate2ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gate2_actions_total",
			Help: "Gate 2 state machine actions by triggering event and state transition.",
		}, []string{"event", "from", "to"}),

		gate2LogSecurityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gate2_log_security_total",
			Help: "Gate 2 actions that set the log-security flag.",
		}),

		gate2TransitionCount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gate2_transition_count",
			Help:    "Per-context transition counter observed at each step.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),

		plabRegistryOccupancy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plab_registry_occupancy",
			Help: "Number of valid entries in the PLAB binding registry.",
		}),

		sessionPoolOccupancy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "session_pool_occupancy",
			Help: "Number of allocated slots in the session context pool.",
		}),

		kafkaConsumerLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nas_event_consumer_lag",
			Help: "Messages the NAS event consumer group trails behind the topic's newest offset.",
		}),

		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP endpoint latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}

	r.prom.MustRegister(
		r.gate1DecisionsTotal,
		r.gate1CorrelationScore,
		r.gate2ActionsTotal,
		r.gate2LogSecurityTotal,
		r.gate2TransitionCount,
		r.plabRegistryOccupancy,
		r.sessionPoolOccupancy,
		r.kafkaConsumerLag,
		r.httpLatency,
	)
	return r
}

// ObserveGate1Decision records one Gate 1 decision and, if a score
// was computed, its value.
func (r *Registry) ObserveGate1Decision(decision string, score float64, hasScore bool) {
	r.gate1DecisionsTotal.WithLabelValues(decision).Inc()
	if hasScore {
		r.gate1CorrelationScore.Observe(score)
	}
}

// ObserveGate2Action records one Gate 2 transition, its log-security
// flag, and the context's transition counter at that step.
func (r *Registry) ObserveGate2Action(event, from, to string, logSecurity bool, transitionCount int) {
	r.gate2ActionsTotal.WithLabelValues(event, from, to).Inc()
	if logSecurity {
		r.gate2LogSecurityTotal.Inc()
	}
	r.gate2TransitionCount.Observe(float64(transitionCount))
}

// SetPLABOccupancy sets the plab_registry_occupancy gauge.
func (r *Registry) SetPLABOccupancy(n int) {
	r.plabRegistryOccupancy.Set(float64(n))
}

// SetSessionPoolOccupancy sets the session_pool_occupancy gauge.
func (r *Registry) SetSessionPoolOccupancy(n int) {
	r.sessionPoolOccupancy.Set(float64(n))
}

// SetKafkaConsumerLag sets the nas_event_consumer_lag gauge from the
// NAS event consumer's last Stats() read.
func (r *Registry) SetKafkaConsumerLag(lag int64) {
	r.kafkaConsumerLag.Set(float64(lag))
}

// ObserveHTTP records one HTTP request's latency and updates the JSON
// debug snapshot's per-endpoint counters.
func (r *Registry) ObserveHTTP(endpoint string, status int, d time.Duration) {
	r.httpLatency.WithLabelValues(endpoint).Observe(d.Seconds())
	r.Histograms.ObserveDuration(endpoint, d)

	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[endpoint]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[endpoint] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// Snapshot returns the current JSON debug view.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Endpoints:   make(map[string]EndpointStat, len(r.endpoint)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

// Handler returns the Prometheus exposition handler for GET /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
}

// DebugSnapshotHandler returns the lightweight JSON debug endpoint.
func (r *Registry) DebugSnapshotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}
