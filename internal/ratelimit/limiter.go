package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRateLimits = []byte("rate_limits")

// Level represents the scope a counter applies to
type Level string

const (
	// LevelAccount counts every dispatch made through the sending account
	LevelAccount Level = "account"
	// LevelCampaign counts dispatches of one campaign
	LevelCampaign Level = "campaign"
)

// Config contains rate limit configuration
type Config struct {
	// Account caps all campaigns together
	Account *LimitConfig `yaml:"account,omitempty"`

	// Campaign caps each campaign separately
	Campaign *LimitConfig `yaml:"campaign,omitempty"`

	// Persistence settings
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// LimitConfig contains rate limit values
type LimitConfig struct {
	MessagesPerHour int `yaml:"messages_per_hour" json:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day" json:"messages_per_day"`
}

// Counter tracks rate limit counters
type Counter struct {
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Limiter caps the number of dispatches per hour and per day.
// Counters survive restarts through the rate_limits bucket.
type Limiter struct {
	db       *bolt.DB
	config   *Config
	counters map[string]*Counter // key -> counter
	dirty    map[string]struct{} // keys changed since the last flush
	mu       sync.RWMutex
	stopCh   chan struct{}
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewLimiter creates a new rate limiter
func NewLimiter(db *bolt.DB, cfg *Config) (*Limiter, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRateLimits)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limits bucket: %w", err)
	}

	l := &Limiter{
		db:       db,
		config:   cfg,
		counters: make(map[string]*Counter),
		dirty:    make(map[string]struct{}),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}

	if err := l.loadCounters(); err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}

	l.wg.Add(1)
	go l.persistLoop()

	return l, nil
}

// Allow checks if one more dispatch is allowed and, if so, counts it
func (l *Limiter) Allow(ctx context.Context, req *Request) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	checks := l.getChecks(req)

	for _, check := range checks {
		counter := l.getOrCreateCounter(check.key, now)
		counter.roll(now)

		if result := evaluate(check, counter, now); result != nil {
			return result, nil
		}
	}

	for _, check := range checks {
		counter := l.counters[check.key]
		counter.HourlyCount++
		counter.DailyCount++
		l.dirty[check.key] = struct{}{}
	}

	return &Result{Allowed: true}, nil
}

// Check reports whether a dispatch would be allowed without counting it
func (l *Limiter) Check(ctx context.Context, req *Request) (*Result, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.now()

	for _, check := range l.getChecks(req) {
		counter, exists := l.counters[check.key]
		if !exists {
			continue
		}

		// Evaluate a rolled copy, Check never mutates
		current := *counter
		current.roll(now)

		if result := evaluate(check, &current, now); result != nil {
			return result, nil
		}
	}

	return &Result{Allowed: true}, nil
}

// GetStats returns current counters for one scope
func (l *Limiter) GetStats(ctx context.Context, level Level, key string) (*Stats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := &Stats{
		Level: level,
		Key:   key,
	}

	counter, exists := l.counters[makeKey(level, key)]
	if !exists {
		return stats, nil
	}

	current := *counter
	current.roll(l.now())

	stats.HourlyCount = current.HourlyCount
	stats.DailyCount = current.DailyCount
	stats.HourStart = counter.HourStart
	stats.DayStart = counter.DayStart

	return stats, nil
}

// Forget drops the counters of a campaign
func (l *Limiter) Forget(campaignID string) error {
	key := makeKey(LevelCampaign, campaignID)

	l.mu.Lock()
	delete(l.counters, key)
	delete(l.dirty, key)
	l.mu.Unlock()

	err := l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRateLimits).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete counters of %s: %w", campaignID, err)
	}
	return nil
}

// Stop stops the background flush and persists counters
func (l *Limiter) Stop() error {
	close(l.stopCh)
	l.wg.Wait()
	return l.persistCounters()
}

// Request identifies the dispatch being counted
type Request struct {
	CampaignID string
}

// Result contains the rate limit check result
type Result struct {
	Allowed    bool
	DeniedBy   Level
	DeniedKey  string
	RetryAfter time.Duration
}

// Stats contains rate limit statistics
type Stats struct {
	Level       Level
	Key         string
	HourlyCount int
	DailyCount  int
	HourStart   time.Time
	DayStart    time.Time
}

type limitCheck struct {
	level Level
	key   string
	limit *LimitConfig
}

func (l *Limiter) getChecks(req *Request) []limitCheck {
	var checks []limitCheck

	if l.config.Account != nil {
		checks = append(checks, limitCheck{
			level: LevelAccount,
			key:   makeKey(LevelAccount, "default"),
			limit: l.config.Account,
		})
	}

	if req.CampaignID != "" && l.config.Campaign != nil {
		checks = append(checks, limitCheck{
			level: LevelCampaign,
			key:   makeKey(LevelCampaign, req.CampaignID),
			limit: l.config.Campaign,
		})
	}

	return checks
}

// evaluate returns a denial when counter has reached a limit of check, nil otherwise
func evaluate(check limitCheck, counter *Counter, now time.Time) *Result {
	deny := func(windowEnd time.Time) *Result {
		return &Result{
			DeniedBy:   check.level,
			DeniedKey:  check.key,
			RetryAfter: windowEnd.Sub(now),
		}
	}

	if limit := check.limit.MessagesPerHour; limit > 0 && counter.HourlyCount >= limit {
		return deny(counter.HourStart.Add(time.Hour))
	}
	if limit := check.limit.MessagesPerDay; limit > 0 && counter.DailyCount >= limit {
		return deny(counter.DayStart.Add(24 * time.Hour))
	}
	return nil
}

func (l *Limiter) getOrCreateCounter(key string, now time.Time) *Counter {
	counter, exists := l.counters[key]
	if !exists {
		counter = &Counter{
			HourStart: now,
			DayStart:  now,
		}
		l.counters[key] = counter
	}
	return counter
}

// roll starts a new hourly or daily window once the current one has elapsed
func (c *Counter) roll(now time.Time) {
	if now.Sub(c.HourStart) >= time.Hour {
		c.HourlyCount = 0
		c.HourStart = now
	}
	if now.Sub(c.DayStart) >= 24*time.Hour {
		c.DailyCount = 0
		c.DayStart = now
	}
}

func (l *Limiter) loadCounters() error {
	return l.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var counter Counter
			if err := json.Unmarshal(v, &counter); err != nil {
				return nil // Skip invalid entries
			}
			l.counters[string(k)] = &counter
			return nil
		})
	})
}

// persistCounters writes the counters changed since the last flush
func (l *Limiter) persistCounters() error {
	l.mu.Lock()
	if len(l.dirty) == 0 {
		l.mu.Unlock()
		return nil
	}
	snapshot := make(map[string][]byte, len(l.dirty))
	for key := range l.dirty {
		counter, ok := l.counters[key]
		if !ok {
			continue
		}
		data, err := json.Marshal(counter)
		if err != nil {
			continue
		}
		snapshot[key] = data
	}
	l.dirty = make(map[string]struct{})
	l.mu.Unlock()

	err := l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		for key, data := range snapshot {
			if err := bucket.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// Retry on the next flush
		l.mu.Lock()
		for key := range snapshot {
			l.dirty[key] = struct{}{}
		}
		l.mu.Unlock()
		return fmt.Errorf("failed to persist rate limit counters: %w", err)
	}
	return nil
}

func (l *Limiter) persistLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.persistCounters()
		}
	}
}

func makeKey(level Level, key string) string {
	return string(level) + ":" + key
}
