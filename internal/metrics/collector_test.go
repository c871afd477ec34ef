package metrics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/chatblast/internal/campaign"
)

type mockStoreStats struct {
	stats *campaign.Stats
}

func (m *mockStoreStats) Stats(ctx context.Context) (*campaign.Stats, error) {
	return m.stats, nil
}

func openTestDB(t *testing.T, path string) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	return db
}

func TestCollectorPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	db := openTestDB(t, path)

	m := New()
	c, err := NewCollector(db, m, nil, path, 10*time.Second)
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}

	c.TrackRecipientSent()
	c.TrackRecipientSent()
	c.TrackRecipientFailed("timeout")
	c.TrackDispatch()
	c.TrackCampaignRun("completed")
	c.TrackThrottled()
	c.TrackAPIRequest("GET", "/api/v1/campaigns", "200")

	if err := c.Stop(); err != nil {
		t.Errorf("Failed to stop collector: %v", err)
	}
	db.Close()

	db2 := openTestDB(t, path)
	defer db2.Close()

	m2 := New()
	c2, err := NewCollector(db2, m2, nil, path, 10*time.Second)
	if err != nil {
		t.Fatalf("Failed to recreate collector: %v", err)
	}
	defer c2.Stop()

	if c2.shadow.RecipientsSent != 2 {
		t.Errorf("Expected RecipientsSent = 2, got %f", c2.shadow.RecipientsSent)
	}
	if v := counterValue(t, m2.RecipientsSentTotal); v != 2 {
		t.Errorf("Expected restored counter 2, got %f", v)
	}
	if v := counterValue(t, m2.RecipientsFailedTotal.WithLabelValues("timeout")); v != 1 {
		t.Errorf("Expected restored failed{timeout} 1, got %f", v)
	}
	if v := counterValue(t, m2.APIRequestsTotal.WithLabelValues("GET", "/api/v1/campaigns", "200")); v != 1 {
		t.Errorf("Expected restored api request 1, got %f", v)
	}
}

func TestCollectorGlobalRouting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	db := openTestDB(t, path)
	defer db.Close()

	m := New()
	c, err := NewCollector(db, m, nil, path, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	SetGlobal(m)
	SetGlobalCollector(c)
	defer SetGlobal(nil)
	defer SetGlobalCollector(nil)

	IncRecipientsSent()
	IncRecipientsFailed("resolve")
	IncThrottled()

	if c.shadow.RecipientsSent != 1 || c.shadow.RecipientsFailed["resolve"] != 1 || c.shadow.Throttled != 1 {
		t.Errorf("helpers did not go through the collector: %+v", c.shadow)
	}
	if v := counterValue(t, m.RecipientsSentTotal); v != 1 {
		t.Errorf("Expected sent 1, got %f", v)
	}
}

func TestCollectSystemMetrics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	db := openTestDB(t, path)
	defer db.Close()

	m := New()
	stats := &mockStoreStats{stats: &campaign.Stats{Campaigns: 4, Pending: 17}}
	c, err := NewCollector(db, m, stats, path, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	c.collectSystemMetrics(context.Background())

	if v := gaugeValue(t, m.CampaignsStored); v != 4 {
		t.Errorf("Expected campaigns 4, got %f", v)
	}
	if v := gaugeValue(t, m.RecipientsPending); v != 17 {
		t.Errorf("Expected pending 17, got %f", v)
	}
	if v := gaugeValue(t, m.Goroutines); v <= 0 {
		t.Errorf("Expected positive goroutine count, got %f", v)
	}
	if v := gaugeValue(t, m.StorageUsedBytes); v <= 0 {
		t.Errorf("Expected storage size, got %f", v)
	}
}

func TestLabelKeyHelpers(t *testing.T) {
	key := makeTripleLabelKey("GET", "/api/v1/campaigns/{id}", "404")
	parts := splitTripleLabelKey(key)
	if len(parts) != 3 || parts[0] != "GET" || parts[1] != "/api/v1/campaigns/{id}" || parts[2] != "404" {
		t.Errorf("split = %q", parts)
	}

	parts = splitTripleLabelKey("only")
	if len(parts) != 3 || parts[0] != "only" || parts[1] != "" || parts[2] != "" {
		t.Errorf("split short key = %q", parts)
	}

	if got := splitSingleLabelKey("timeout"); len(got) != 1 || got[0] != "timeout" {
		t.Errorf("single label = %q", got)
	}
}
