package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics   *Metrics
	globalCollector *Collector
	globalMu        sync.RWMutex
)

// Metrics holds all Prometheus metrics for chatblast
type Metrics struct {
	// Recipient counters
	RecipientsSentTotal   prometheus.Counter
	RecipientsFailedTotal *prometheus.CounterVec
	DispatchesTotal       prometheus.Counter
	ConfirmationSeconds   prometheus.Histogram

	// Campaign gauges/counters
	CampaignsRunning  prometheus.Gauge
	CampaignsStored   prometheus.Gauge
	RecipientsPending prometheus.Gauge
	CampaignRunsTotal *prometheus.CounterVec

	// Rate limiting
	ThrottledTotal prometheus.Counter

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RecipientsSentTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatblast_recipients_sent_total",
				Help: "Total number of recipients with a confirmed dispatch",
			},
		),
		RecipientsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatblast_recipients_failed_total",
				Help: "Total number of recipients marked failed",
			},
			[]string{"reason"},
		),
		DispatchesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatblast_dispatches_total",
				Help: "Total number of messages handed to the gateway",
			},
		),
		ConfirmationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chatblast_confirmation_seconds",
				Help:    "Time from dispatch to confirmation or timeout",
				Buckets: []float64{.1, .25, .5, 1, 2, 3, 5, 7, 10},
			},
		),

		CampaignsRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatblast_campaigns_running",
				Help: "Number of campaigns with an active dispatch loop",
			},
		),
		CampaignsStored: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatblast_campaigns_stored",
				Help: "Number of campaigns in storage",
			},
		),
		RecipientsPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatblast_recipients_pending",
				Help: "Number of pending recipients across all campaigns",
			},
		),
		CampaignRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatblast_campaign_runs_total",
				Help: "Total number of finished dispatch loops by result",
			},
			[]string{"result"},
		),

		ThrottledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatblast_throttled_total",
				Help: "Total number of dispatches delayed by the rate limiter",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatblast_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatblast_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatblast_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatblast_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatblast_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatblast_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.RecipientsSentTotal,
		m.RecipientsFailedTotal,
		m.DispatchesTotal,
		m.ConfirmationSeconds,
		m.CampaignsRunning,
		m.CampaignsStored,
		m.RecipientsPending,
		m.CampaignRunsTotal,
		m.ThrottledTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// SetGlobalCollector routes the counter helpers through c so their values
// are persisted. Pass nil to detach.
func SetGlobalCollector(c *Collector) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalCollector = c
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

func global() (*Metrics, *Collector) {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics, globalCollector
}

// IncRecipientsSent increments the sent recipient counter
func IncRecipientsSent() {
	m, c := global()
	switch {
	case c != nil:
		c.TrackRecipientSent()
	case m != nil:
		m.RecipientsSentTotal.Inc()
	}
}

// IncRecipientsFailed increments the failed recipient counter
func IncRecipientsFailed(reason string) {
	m, c := global()
	switch {
	case c != nil:
		c.TrackRecipientFailed(reason)
	case m != nil:
		m.RecipientsFailedTotal.WithLabelValues(reason).Inc()
	}
}

// IncDispatches increments the dispatch counter
func IncDispatches() {
	m, c := global()
	switch {
	case c != nil:
		c.TrackDispatch()
	case m != nil:
		m.DispatchesTotal.Inc()
	}
}

// IncCampaignRuns counts a finished dispatch loop
func IncCampaignRuns(result string) {
	m, c := global()
	switch {
	case c != nil:
		c.TrackCampaignRun(result)
	case m != nil:
		m.CampaignRunsTotal.WithLabelValues(result).Inc()
	}
}

// IncThrottled counts a dispatch delayed by the rate limiter
func IncThrottled() {
	m, c := global()
	switch {
	case c != nil:
		c.TrackThrottled()
	case m != nil:
		m.ThrottledTotal.Inc()
	}
}

// ObserveConfirmation records the confirmation wait of one dispatch
func ObserveConfirmation(d time.Duration) {
	if m := Global(); m != nil {
		m.ConfirmationSeconds.Observe(d.Seconds())
	}
}

// IncCampaignsRunning increments the running campaigns gauge
func IncCampaignsRunning() {
	if m := Global(); m != nil {
		m.CampaignsRunning.Inc()
	}
}

// DecCampaignsRunning decrements the running campaigns gauge
func DecCampaignsRunning() {
	if m := Global(); m != nil {
		m.CampaignsRunning.Dec()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	m, c := global()
	switch {
	case c != nil:
		c.TrackAPIError(errorType)
	case m != nil:
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
