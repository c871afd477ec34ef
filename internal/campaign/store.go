package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Store defines the durable storage operations for campaigns.
// It is the source of truth for every resume decision.
type Store interface {
	// Upsert inserts or replaces a campaign record
	Upsert(ctx context.Context, c *Campaign) error

	// Get retrieves a campaign by ID
	// Returns ErrNotFound if it does not exist
	Get(ctx context.Context, id string) (*Campaign, error)

	// UpdateRecipientStatus atomically moves one recipient out of Pending
	// and recomputes the sent/failed counters
	UpdateRecipientStatus(ctx context.Context, id, identifier string, status Status) (*Campaign, error)

	// SetRunState updates the running/stopped flags without touching recipients
	SetRunState(ctx context.Context, id string, running, stopped bool, lastError string) (*Campaign, error)

	// RequestStop durably marks the campaign as stopped
	RequestStop(ctx context.Context, id string) (*Campaign, error)

	// List returns campaigns newest first
	List(ctx context.Context, filter ListFilter) ([]*Campaign, error)

	// Delete removes a campaign
	Delete(ctx context.Context, id string) error

	// Close closes the storage connection
	Close() error
}

var (
	bucketCampaigns = []byte("campaigns")
	bucketByCreated = []byte("campaigns_by_created")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at path
func NewBoltStore(path string) (*BoltStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store, err := NewBoltStoreFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewBoltStoreFromDB creates the campaign buckets in an already opened database
func NewBoltStoreFromDB(db *bolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCampaigns, bucketByCreated} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Upsert inserts or replaces a campaign record
func (s *BoltStore) Upsert(ctx context.Context, c *Campaign) error {
	if c.ID == "" {
		return fmt.Errorf("campaign id is required")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now()
		}
		c.UpdatedAt = time.Now()
		c.Recount()

		if err := putCampaign(tx, c); err != nil {
			return err
		}

		index := tx.Bucket(bucketByCreated)
		if err := index.Put(makeIndexKey(c.CreatedAt, c.ID), []byte(c.ID)); err != nil {
			return fmt.Errorf("failed to add to created index: %w", err)
		}
		return nil
	})
}

// Get retrieves a campaign by ID
func (s *BoltStore) Get(ctx context.Context, id string) (*Campaign, error) {
	var c *Campaign

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		c, err = getCampaign(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// UpdateRecipientStatus moves one recipient out of Pending inside a single transaction
func (s *BoltStore) UpdateRecipientStatus(ctx context.Context, id, identifier string, status Status) (*Campaign, error) {
	return s.mutate(id, func(c *Campaign, now time.Time) error {
		if err := c.Transition(identifier, status, now); err != nil {
			return fmt.Errorf("failed to update recipient %s: %w", identifier, err)
		}
		return nil
	})
}

// SetRunState updates the run flags and run timestamps
func (s *BoltStore) SetRunState(ctx context.Context, id string, running, stopped bool, lastError string) (*Campaign, error) {
	return s.mutate(id, func(c *Campaign, now time.Time) error {
		if running && !c.IsRunning {
			c.StartedAt = &now
			c.FinishedAt = nil
		}
		if !running && c.IsRunning {
			c.FinishedAt = &now
		}
		c.IsRunning = running
		c.IsStopped = stopped
		c.LastError = lastError
		return nil
	})
}

// RequestStop durably marks the campaign as stopped
func (s *BoltStore) RequestStop(ctx context.Context, id string) (*Campaign, error) {
	return s.mutate(id, func(c *Campaign, now time.Time) error {
		c.IsStopped = true
		return nil
	})
}

// List returns campaigns newest first
func (s *BoltStore) List(ctx context.Context, filter ListFilter) ([]*Campaign, error) {
	var campaigns []*Campaign

	err := s.db.View(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketByCreated)
		c := index.Cursor()

		count := 0
		skipped := 0

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			camp, err := getCampaign(tx, string(v))
			if err != nil {
				continue
			}

			if filter.Running != nil && camp.IsRunning != *filter.Running {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			campaigns = append(campaigns, camp)
			count++

			if filter.Limit > 0 && count >= filter.Limit {
				break
			}
		}

		return nil
	})

	return campaigns, err
}

// Delete removes a campaign and its index entry
func (s *BoltStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		c, err := getCampaign(tx, id)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketByCreated).Delete(makeIndexKey(c.CreatedAt, c.ID)); err != nil {
			return err
		}
		return tx.Bucket(bucketCampaigns).Delete([]byte(id))
	})
}

// CleanupFinished removes finished campaigns last updated before now-maxAge
func (s *BoltStore) CleanupFinished(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketByCreated)
		campaigns := tx.Bucket(bucketCampaigns)

		var toDelete [][2][]byte

		c := index.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			camp, err := getCampaign(tx, string(v))
			if err != nil {
				continue
			}
			if camp.Finished() && camp.UpdatedAt.Before(cutoff) {
				toDelete = append(toDelete, [2][]byte{append([]byte{}, k...), append([]byte{}, v...)})
			}
		}

		for _, item := range toDelete {
			if err := index.Delete(item[0]); err != nil {
				return err
			}
			if err := campaigns.Delete(item[1]); err != nil {
				return err
			}
			deleted++
		}

		return nil
	})

	return deleted, err
}

// Stats counts recipients across all campaigns
func (s *BoltStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCampaigns).ForEach(func(k, v []byte) error {
			var c Campaign
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			stats.Campaigns++
			if c.IsRunning {
				stats.Running++
			}
			p := c.Progress()
			stats.Pending += int64(p.Pending)
			stats.Sent += int64(p.Sent)
			stats.Failed += int64(p.Failed)
			return nil
		})
	})

	return stats, err
}

// Stats contains store-wide counters
type Stats struct {
	Campaigns int64 `json:"campaigns"`
	Running   int64 `json:"running"`
	Pending   int64 `json:"pending"`
	Sent      int64 `json:"sent"`
	Failed    int64 `json:"failed"`
}

// Close closes the database connection
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *BoltStore) DB() *bolt.DB {
	return s.db
}

func (s *BoltStore) mutate(id string, fn func(c *Campaign, now time.Time) error) (*Campaign, error) {
	var out *Campaign

	err := s.db.Update(func(tx *bolt.Tx) error {
		c, err := getCampaign(tx, id)
		if err != nil {
			return err
		}

		now := time.Now()
		if err := fn(c, now); err != nil {
			return err
		}
		c.UpdatedAt = now

		if err := putCampaign(tx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func getCampaign(tx *bolt.Tx, id string) (*Campaign, error) {
	data := tx.Bucket(bucketCampaigns).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	c := &Campaign{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal campaign %s: %w", id, err)
	}
	return c, nil
}

func putCampaign(tx *bolt.Tx, c *Campaign) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal campaign: %w", err)
	}
	if err := tx.Bucket(bucketCampaigns).Put([]byte(c.ID), data); err != nil {
		return fmt.Errorf("failed to store campaign: %w", err)
	}
	return nil
}

// indexTimeFormat is fixed-width so keys sort chronologically
const indexTimeFormat = "20060102T150405.000000000"

// makeIndexKey creates a sortable key from timestamp and ID
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(indexTimeFormat) + ":" + id)
}
