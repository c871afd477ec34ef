package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/chatblast/internal/campaign"
	"github.com/foxzi/chatblast/internal/config"
	"github.com/foxzi/chatblast/internal/gateway"
)

func loadTestConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	dir := t.TempDir()

	content := fmt.Sprintf(`
storage:
  path: %q
pacing:
  mode: fixed
  delay: 1ms
dispatch:
  confirm_timeout: 2s
  confirm_poll_interval: 5ms
gateway:
  type: sandbox
  sandbox:
    confirm_delay: 2ms
    fail_identifiers: ["+15550002"]
logging:
  level: error
%s`, filepath.Join(dir, "chatblast.db"), extra)

	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	return cfg
}

func TestNewAndShutdown(t *testing.T) {
	cfg := loadTestConfig(t, `
rate_limit:
  enabled: true
  account:
    messages_per_hour: 100
metrics:
  enabled: true
  listen_addr: "127.0.0.1:0"
`)
	cfg.Storage.Retention = &config.RetentionConfig{FinishedMaxAge: time.Hour, CleanupInterval: time.Hour}

	a, err := New(context.Background(), cfg, "test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if a.rateLimiter == nil {
		t.Error("rate limiter should be wired when enabled")
	}
	if a.collector == nil || a.metricsServer == nil {
		t.Error("metrics should be wired when enabled")
	}
	if a.cleaner == nil {
		t.Error("cleaner should be wired when retention is set")
	}
	if _, ok := a.gateway.(*gateway.Sandbox); !ok {
		t.Errorf("gateway = %T, want *gateway.Sandbox", a.gateway)
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	// The database lock must be released
	store, err := campaign.NewBoltStore(cfg.Storage.Path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	store.Close()
}

func TestNewFailsOnUnreachableRedis(t *testing.T) {
	cfg := loadTestConfig(t, `
outcome:
  backend: redis
  redis:
    addr: "127.0.0.1:1"
`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := New(ctx, cfg, "test"); err == nil {
		t.Fatal("New() should fail when redis is unreachable")
	}

	store, err := campaign.NewBoltStore(cfg.Storage.Path)
	if err != nil {
		t.Fatalf("store should be closed after a failed New(): %v", err)
	}
	store.Close()
}

func TestCampaignThroughAPI(t *testing.T) {
	cfg := loadTestConfig(t, "")

	a, err := New(context.Background(), cfg, "test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Shutdown(context.Background())

	ts := httptest.NewServer(a.apiServer.Handler())
	defer ts.Close()

	body, _ := json.Marshal(map[string]any{
		"name":             "launch",
		"message_template": "Hi {{name}}",
		"recipients": []map[string]string{
			{"identifier": "+15550001", "name": "Alice"},
			{"identifier": "+15550002", "name": "Bob"},
		},
	})
	resp, err := http.Post(ts.URL+"/api/v1/campaigns", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST campaigns: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	var started struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		t.Fatalf("decode: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := a.manager.Wait(ctx, started.ID); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	c, err := a.store.Get(context.Background(), started.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if c.SentCount != 1 || c.FailedCount != 1 || c.PendingCount() != 0 {
		t.Errorf("progress = %+v, want 1 sent 1 failed", c.Progress())
	}

	sandboxResp, err := http.Get(ts.URL + "/api/v1/sandbox/stats")
	if err != nil {
		t.Fatalf("GET sandbox stats: %v", err)
	}
	defer sandboxResp.Body.Close()

	var stats gateway.SandboxStats
	if err := json.NewDecoder(sandboxResp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 2 {
		t.Errorf("captured dispatches = %d, want 2", stats.Total)
	}
}
