package metrics

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/chatblast/internal/campaign"
)

// StoreStatsProvider provides campaign statistics for metrics
type StoreStatsProvider interface {
	Stats(ctx context.Context) (*campaign.Stats, error)
}

var bucketMetrics = []byte("metrics")

// ShadowCounters stores counter values for persistence
type ShadowCounters struct {
	RecipientsSent   float64            `json:"recipients_sent"`
	RecipientsFailed map[string]float64 `json:"recipients_failed"`
	Dispatches       float64            `json:"dispatches"`
	CampaignRuns     map[string]float64 `json:"campaign_runs"`
	Throttled        float64            `json:"throttled"`
	APIRequests      map[string]float64 `json:"api_requests"`
	APIErrors        map[string]float64 `json:"api_errors"`
}

// Collector handles metrics persistence and system gauge updates
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	storeStats    StoreStatsProvider
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	shadow ShadowCounters
	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a new metrics collector
func NewCollector(db *bolt.DB, m *Metrics, storeStats StoreStatsProvider, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, err
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		storeStats:    storeStats,
		storagePath:   storagePath,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		shadow: ShadowCounters{
			RecipientsFailed: make(map[string]float64),
			CampaignRuns:     make(map[string]float64),
			APIRequests:      make(map[string]float64),
			APIErrors:        make(map[string]float64),
		},
		stopCh: make(chan struct{}),
	}

	if err := c.loadCounters(); err != nil {
		return nil, err
	}

	return c, nil
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.persistLoop(ctx)
	go c.updateSystemMetrics(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	close(c.stopCh)
	c.wg.Wait()
	return c.persistCounters()
}

// loadCounters restores persisted counter values into the registry
func (c *Collector) loadCounters() error {
	return c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}

		data := bucket.Get([]byte("counters"))
		if data == nil {
			return nil
		}

		var shadow ShadowCounters
		if err := json.Unmarshal(data, &shadow); err != nil {
			return nil // Skip invalid data
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		c.shadow.RecipientsSent = shadow.RecipientsSent
		c.metrics.RecipientsSentTotal.Add(shadow.RecipientsSent)
		c.shadow.Dispatches = shadow.Dispatches
		c.metrics.DispatchesTotal.Add(shadow.Dispatches)
		c.shadow.Throttled = shadow.Throttled
		c.metrics.ThrottledTotal.Add(shadow.Throttled)

		restoreVec(c.shadow.RecipientsFailed, shadow.RecipientsFailed, c.metrics.RecipientsFailedTotal, splitSingleLabelKey)
		restoreVec(c.shadow.CampaignRuns, shadow.CampaignRuns, c.metrics.CampaignRunsTotal, splitSingleLabelKey)
		restoreVec(c.shadow.APIRequests, shadow.APIRequests, c.metrics.APIRequestsTotal, splitTripleLabelKey)
		restoreVec(c.shadow.APIErrors, shadow.APIErrors, c.metrics.APIErrorsTotal, splitSingleLabelKey)

		return nil
	})
}

// restoreVec copies persisted values into dst and adds them to vec
func restoreVec(dst, src map[string]float64, vec *prometheus.CounterVec, labels func(string) []string) {
	for k, v := range src {
		dst[k] = v
		vec.WithLabelValues(labels(k)...).Add(v)
	}
}

// persistCounters saves counter values to BoltDB
func (c *Collector) persistCounters() error {
	c.mu.Lock()
	data, err := json.Marshal(c.shadow)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}
		return bucket.Put([]byte("counters"), data)
	})
}

// persistLoop periodically persists counter values
func (c *Collector) persistLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.persistCounters()
		}
	}
}

// updateSystemMetrics periodically updates system gauges
func (c *Collector) updateSystemMetrics(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collectSystemMetrics(ctx)
		}
	}
}

// collectSystemMetrics collects current system state
func (c *Collector) collectSystemMetrics(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.storeStats != nil {
		stats, err := c.storeStats.Stats(ctx)
		if err == nil {
			c.metrics.CampaignsStored.Set(float64(stats.Campaigns))
			c.metrics.RecipientsPending.Set(float64(stats.Pending))
		}
	}
}

// track updates the shadow counters under the lock
func (c *Collector) track(fn func(s *ShadowCounters)) {
	c.mu.Lock()
	fn(&c.shadow)
	c.mu.Unlock()
}

// TrackRecipientSent counts a recipient moved to Sent
func (c *Collector) TrackRecipientSent() {
	c.track(func(s *ShadowCounters) { s.RecipientsSent++ })
	c.metrics.RecipientsSentTotal.Inc()
}

// TrackRecipientFailed counts a recipient moved to Failed
func (c *Collector) TrackRecipientFailed(reason string) {
	c.track(func(s *ShadowCounters) { s.RecipientsFailed[reason]++ })
	c.metrics.RecipientsFailedTotal.WithLabelValues(reason).Inc()
}

// TrackDispatch counts a gateway dispatch
func (c *Collector) TrackDispatch() {
	c.track(func(s *ShadowCounters) { s.Dispatches++ })
	c.metrics.DispatchesTotal.Inc()
}

// TrackCampaignRun counts a finished run by result
func (c *Collector) TrackCampaignRun(result string) {
	c.track(func(s *ShadowCounters) { s.CampaignRuns[result]++ })
	c.metrics.CampaignRunsTotal.WithLabelValues(result).Inc()
}

// TrackThrottled counts a dispatch delayed by the rate limiter
func (c *Collector) TrackThrottled() {
	c.track(func(s *ShadowCounters) { s.Throttled++ })
	c.metrics.ThrottledTotal.Inc()
}

// TrackAPIRequest counts an API request
func (c *Collector) TrackAPIRequest(method, path, status string) {
	key := makeTripleLabelKey(method, path, status)
	c.track(func(s *ShadowCounters) { s.APIRequests[key]++ })
	c.metrics.APIRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// TrackAPIError counts an API error by type
func (c *Collector) TrackAPIError(errorType string) {
	c.track(func(s *ShadowCounters) { s.APIErrors[errorType]++ })
	c.metrics.APIErrorsTotal.WithLabelValues(errorType).Inc()
}

func makeTripleLabelKey(a, b, c string) string {
	return a + "|" + b + "|" + c
}

func splitTripleLabelKey(key string) []string {
	parts := strings.SplitN(key, "|", 3)
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	return parts
}

func splitSingleLabelKey(key string) []string {
	return []string{key}
}
