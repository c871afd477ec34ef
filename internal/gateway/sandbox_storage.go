package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSandbox = []byte("sandbox_dispatches")

// Capture is a dispatch recorded by the sandbox gateway
type Capture struct {
	ID            string    `json:"id"`
	CampaignID    string    `json:"campaign_id"`
	Identifier    string    `json:"identifier"`
	Message       string    `json:"message"`
	AttachmentRef string    `json:"attachment_ref,omitempty"`
	Generation    uint64    `json:"generation"`
	Outcome       string    `json:"outcome"` // success, failure or none when no confirmation is sent
	CapturedAt    time.Time `json:"captured_at"`
}

// SandboxStorage keeps captured dispatches in bbolt
type SandboxStorage struct {
	db *bolt.DB
}

// NewSandboxStorage creates the sandbox bucket in the provided database
func NewSandboxStorage(db *bolt.DB) (*SandboxStorage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSandbox)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox bucket: %w", err)
	}

	return &SandboxStorage{db: db}, nil
}

// Save stores a capture
func (s *SandboxStorage) Save(ctx context.Context, c *Capture) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal capture: %w", err)
		}
		return tx.Bucket(bucketSandbox).Put(makeIndexKey(c.CapturedAt, c.ID), data)
	})
}

// SandboxFilter contains filters for listing captures
type SandboxFilter struct {
	CampaignID string
	Identifier string
	Limit      int
	Offset     int
}

// List returns captures newest first
func (s *SandboxStorage) List(ctx context.Context, filter SandboxFilter) ([]*Capture, error) {
	var captures []*Capture

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSandbox).Cursor()

		skipped := 0
		count := 0

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var capture Capture
			if err := json.Unmarshal(v, &capture); err != nil {
				continue
			}

			if filter.CampaignID != "" && capture.CampaignID != filter.CampaignID {
				continue
			}
			if filter.Identifier != "" && capture.Identifier != filter.Identifier {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			captures = append(captures, &capture)
			count++

			if filter.Limit > 0 && count >= filter.Limit {
				break
			}
		}

		return nil
	})

	return captures, err
}

// Clear removes captures, optionally filtered by campaign or age
func (s *SandboxStorage) Clear(ctx context.Context, campaignID string, olderThan time.Duration) (int, error) {
	var count int
	cutoff := time.Now().Add(-olderThan)

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSandbox)
		c := bucket.Cursor()

		var keysToDelete [][]byte

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var capture Capture
			if err := json.Unmarshal(v, &capture); err != nil {
				continue
			}
			if campaignID != "" && capture.CampaignID != campaignID {
				continue
			}
			if olderThan > 0 && capture.CapturedAt.After(cutoff) {
				continue
			}
			keysToDelete = append(keysToDelete, append([]byte{}, k...))
		}

		for _, k := range keysToDelete {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			count++
		}

		return nil
	})

	return count, err
}

// SandboxStats summarizes captured dispatches
type SandboxStats struct {
	Total      int64            `json:"total"`
	ByCampaign map[string]int64 `json:"by_campaign"`
	ByOutcome  map[string]int64 `json:"by_outcome"`
	OldestAt   time.Time        `json:"oldest_at,omitempty"`
	NewestAt   time.Time        `json:"newest_at,omitempty"`
}

// Stats returns sandbox statistics
func (s *SandboxStorage) Stats(ctx context.Context) (*SandboxStats, error) {
	stats := &SandboxStats{
		ByCampaign: make(map[string]int64),
		ByOutcome:  make(map[string]int64),
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSandbox).ForEach(func(k, v []byte) error {
			var capture Capture
			if err := json.Unmarshal(v, &capture); err != nil {
				return nil
			}

			stats.Total++
			stats.ByCampaign[capture.CampaignID]++
			stats.ByOutcome[capture.Outcome]++

			if stats.OldestAt.IsZero() || capture.CapturedAt.Before(stats.OldestAt) {
				stats.OldestAt = capture.CapturedAt
			}
			if capture.CapturedAt.After(stats.NewestAt) {
				stats.NewestAt = capture.CapturedAt
			}
			return nil
		})
	})

	return stats, err
}

func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format("20060102T150405.000000000") + ":" + id)
}
