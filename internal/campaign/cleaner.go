package campaign

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CleanerConfig contains history retention settings
type CleanerConfig struct {
	FinishedMaxAge time.Duration
	Interval       time.Duration
}

// Cleaner prunes finished campaigns from the store.
// Campaigns that are running or still have pending recipients are never touched.
type Cleaner struct {
	store  *BoltStore
	cfg    CleanerConfig
	logger *slog.Logger
	wg     sync.WaitGroup
	done   chan struct{}
}

// NewCleaner creates a new cleaner service
func NewCleaner(store *BoltStore, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		store:  store,
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start starts the cleanup goroutine if retention is enabled
func (c *Cleaner) Start(ctx context.Context) {
	if c.cfg.FinishedMaxAge <= 0 || c.cfg.Interval <= 0 {
		c.logger.Info("campaign retention disabled")
		return
	}

	c.wg.Add(1)
	go c.loop(ctx)

	c.logger.Info("cleaner started",
		"finished_max_age", c.cfg.FinishedMaxAge,
		"interval", c.cfg.Interval,
	)
}

// Stop stops the cleaner and waits for the goroutine to finish
func (c *Cleaner) Stop() {
	close(c.done)
	c.wg.Wait()
	c.logger.Info("cleaner stopped")
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single cleanup pass
func (c *Cleaner) RunOnce(ctx context.Context) int {
	deleted, err := c.store.CleanupFinished(ctx, c.cfg.FinishedMaxAge)
	if err != nil {
		c.logger.Error("failed to cleanup finished campaigns", "error", err)
		return 0
	}

	if deleted > 0 {
		c.logger.Info("cleaned up finished campaigns", "deleted", deleted)
	}
	return deleted
}
