package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/foxzi/chatblast/internal/campaign"
	"github.com/foxzi/chatblast/internal/control"
	"github.com/foxzi/chatblast/internal/dispatch"
	"github.com/foxzi/chatblast/internal/gateway"
	"github.com/foxzi/chatblast/internal/outcome"
	"github.com/foxzi/chatblast/internal/pacing"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type env struct {
	store    *campaign.BoltStore
	sandbox  *gateway.Sandbox
	captures *gateway.SandboxStorage
	manager  *Manager
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEnv(t *testing.T, delay time.Duration, opts ...Option) *env {
	t.Helper()

	store, err := campaign.NewBoltStore(filepath.Join(t.TempDir(), "chatblast.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	captures, err := gateway.NewSandboxStorage(store.DB())
	require.NoError(t, err)

	register := outcome.NewMemoryRegister()
	sandbox := gateway.NewSandbox(gateway.SandboxConfig{ConfirmDelay: 2 * time.Millisecond}, captures, register, discardLogger())
	t.Cleanup(func() { sandbox.Close() })

	engine := dispatch.NewEngine(store, sandbox, register, pacing.Fixed(delay), dispatch.Config{
		ConfirmTimeout: 500 * time.Millisecond,
		ConfirmPoll:    2 * time.Millisecond,
		PausePoll:      5 * time.Millisecond,
		PersistTimeout: time.Second,
	}, discardLogger())

	manager := NewManager(store, engine, sandbox, discardLogger(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.Shutdown(ctx)
	})

	return &env{store: store, sandbox: sandbox, captures: captures, manager: manager}
}

func newCampaign(identifiers ...string) *NewCampaign {
	nc := &NewCampaign{Name: "promo", MessageTemplate: "Hello {{name}}"}
	for _, ident := range identifiers {
		nc.Recipients = append(nc.Recipients, Recipient{Identifier: ident, Name: "n" + ident})
	}
	return nc
}

func waitResult(t *testing.T, m *Manager, id string) *dispatch.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := m.Wait(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func TestStartRunsToCompletion(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()

	id, err := e.manager.Start(ctx, newCampaign("+1", "+2", "+3"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	res := waitResult(t, e.manager, id)
	assert.True(t, res.Completed)
	assert.Equal(t, 3, res.Sent)

	progress, err := e.manager.Progress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, campaign.Progress{Sent: 3, Total: 3}, progress)

	c, err := e.manager.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, campaign.TypeSheetBased, c.Type)
	assert.False(t, c.IsRunning)

	captured, err := e.captures.List(ctx, gateway.SandboxFilter{CampaignID: id})
	require.NoError(t, err)
	require.Len(t, captured, 3)
}

func TestStartValidation(t *testing.T) {
	e := newEnv(t, 0)

	tests := []struct {
		name string
		nc   *NewCampaign
	}{
		{"nil", nil},
		{"no recipients", &NewCampaign{MessageTemplate: "hi"}},
		{"blank identifier", newCampaign("+1", " ")},
		{"duplicate", newCampaign("+1", "+2", "+1")},
		{"unknown type", &NewCampaign{Type: "broadcast", MessageTemplate: "hi", Recipients: []Recipient{{Identifier: "+1"}}}},
		{"no message", &NewCampaign{Recipients: []Recipient{{Identifier: "+1", Message: "x"}, {Identifier: "+2"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.manager.Start(context.Background(), tt.nc)
			assert.ErrorIs(t, err, ErrInvalidCampaign)
		})
	}

	all, err := e.manager.List(context.Background(), campaign.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStartPerRecipientMessages(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()

	id, err := e.manager.Start(ctx, &NewCampaign{
		Type:       campaign.TypeGroupBased,
		Recipients: []Recipient{{Identifier: "+1", Message: "one"}, {Identifier: "+2", Message: "two"}},
	})
	require.NoError(t, err)
	waitResult(t, e.manager, id)

	captured, err := e.captures.List(ctx, gateway.SandboxFilter{CampaignID: id, Identifier: "+2"})
	require.NoError(t, err)
	require.Len(t, captured, 1)
	assert.Equal(t, "two", captured[0].Message)
}

func TestStartPreflightFails(t *testing.T) {
	e := newEnv(t, 0)
	e.sandbox.SetAvailable(false)

	_, err := e.manager.Start(context.Background(), newCampaign("+1"))
	require.ErrorIs(t, err, gateway.ErrUnavailable)

	all, err := e.manager.List(context.Background(), campaign.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, all, "nothing is stored when the gateway is unreachable")
}

func TestStopAndResume(t *testing.T) {
	e := newEnv(t, 20*time.Millisecond)
	ctx := context.Background()

	id, err := e.manager.Start(ctx, newCampaign("+1", "+2", "+3", "+4"))
	require.NoError(t, err)
	require.NoError(t, e.manager.RequestStop(ctx, id))

	res := waitResult(t, e.manager, id)
	assert.True(t, res.Stopped)
	assert.Less(t, res.Sent, 4)
	assert.Equal(t, 4, res.Sent+res.Failed+res.Pending)

	c, err := e.manager.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, c.IsStopped)

	require.NoError(t, e.manager.Resume(ctx, id))
	res = waitResult(t, e.manager, id)
	assert.True(t, res.Completed)
	assert.Equal(t, 4, res.Sent)

	// Every recipient reached the gateway exactly once over both runs
	captured, err := e.captures.List(ctx, gateway.SandboxFilter{CampaignID: id})
	require.NoError(t, err)
	seen := map[string]int{}
	for _, c := range captured {
		seen[c.Identifier]++
	}
	assert.Equal(t, map[string]int{"+1": 1, "+2": 1, "+3": 1, "+4": 1}, seen)

	err = e.manager.Resume(ctx, id)
	assert.ErrorIs(t, err, ErrNothingPending)
}

func TestPauseUnpause(t *testing.T) {
	e := newEnv(t, 10*time.Millisecond)
	ctx := context.Background()

	id, err := e.manager.Start(ctx, newCampaign("+1", "+2", "+3", "+4", "+5"))
	require.NoError(t, err)
	require.NoError(t, e.manager.Pause(ctx, id))
	assert.True(t, e.manager.IsPaused(id))

	// Let the recipient in flight settle
	time.Sleep(100 * time.Millisecond)
	before, err := e.manager.Progress(ctx, id)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	after, err := e.manager.Progress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before, after, "no progress while paused")
	assert.Positive(t, after.Pending)

	require.NoError(t, e.manager.Unpause(ctx, id))
	res := waitResult(t, e.manager, id)
	assert.True(t, res.Completed)
	assert.Equal(t, 5, res.Sent)
}

func TestPauseUnknownCampaign(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()

	assert.ErrorIs(t, e.manager.Pause(ctx, "missing"), campaign.ErrNotFound)
	assert.ErrorIs(t, e.manager.Unpause(ctx, "missing"), campaign.ErrNotFound)
	assert.ErrorIs(t, e.manager.RequestStop(ctx, "missing"), campaign.ErrNotFound)
	assert.ErrorIs(t, e.manager.Resume(ctx, "missing"), campaign.ErrNotFound)
	_, err := e.manager.Progress(ctx, "missing")
	assert.ErrorIs(t, err, campaign.ErrNotFound)
	_, err = e.manager.Wait(ctx, "missing")
	assert.ErrorIs(t, err, ErrNoRun)
}

func TestRecover(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()

	orphan := &campaign.Campaign{
		ID:        "orphan",
		Type:      campaign.TypeSheetBased,
		IsRunning: true,
		Recipients: []campaign.ContactStatus{
			{Identifier: "+1", Status: campaign.StatusSent},
			{Identifier: "+2", Status: campaign.StatusPending},
		},
	}
	require.NoError(t, e.store.Upsert(ctx, orphan))

	n, err := e.manager.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c, err := e.store.Get(ctx, "orphan")
	require.NoError(t, err)
	assert.False(t, c.IsRunning)
	assert.True(t, c.IsStopped)
	assert.Equal(t, "interrupted", c.LastError)
	assert.Equal(t, campaign.StatusSent, c.Recipients[0].Status)

	c.MessageTemplate = "resume me"
	require.NoError(t, e.store.Upsert(ctx, c))
	require.NoError(t, e.manager.Resume(ctx, "orphan"))
	res := waitResult(t, e.manager, "orphan")
	assert.Equal(t, 2, res.Sent)
}

// blockingRunner runs until stopped or cancelled
type blockingRunner struct {
	started chan string
}

func (b *blockingRunner) Run(ctx context.Context, id string, ctl *control.Channel) (*dispatch.Result, error) {
	b.started <- id
	select {
	case <-ctx.Done():
	case <-ctl.StopC():
	}
	return &dispatch.Result{Stopped: true}, nil
}

type okProber struct{}

func (okProber) Check(ctx context.Context) error { return nil }

type recordingForgetter struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (f *recordingForgetter) Forget(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	return f.err
}

func newBlockingManager(t *testing.T, opts ...Option) (*Manager, *campaign.BoltStore, *blockingRunner) {
	t.Helper()
	store, err := campaign.NewBoltStore(filepath.Join(t.TempDir(), "chatblast.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	runner := &blockingRunner{started: make(chan string, 4)}
	m := NewManager(store, runner, okProber{}, discardLogger(), opts...)
	return m, store, runner
}

func TestAlreadyRunning(t *testing.T) {
	forgetter := &recordingForgetter{}
	m, _, runner := newBlockingManager(t, WithLimiter(forgetter))
	ctx := context.Background()

	id, err := m.Start(ctx, newCampaign("+1"))
	require.NoError(t, err)
	<-runner.started

	assert.ErrorIs(t, m.Resume(ctx, id), ErrAlreadyRunning)
	assert.ErrorIs(t, m.Delete(ctx, id), ErrAlreadyRunning)

	require.NoError(t, m.RequestStop(ctx, id))
	res := waitResult(t, m, id)
	assert.True(t, res.Stopped)

	require.NoError(t, m.Delete(ctx, id))
	assert.Equal(t, []string{id}, forgetter.ids)

	_, err = m.Get(ctx, id)
	assert.ErrorIs(t, err, campaign.ErrNotFound)
}

func TestDeleteForgetFailure(t *testing.T) {
	forgetter := &recordingForgetter{err: errors.New("database not open")}
	m, _, runner := newBlockingManager(t, WithLimiter(forgetter))
	ctx := context.Background()

	id, err := m.Start(ctx, newCampaign("+1"))
	require.NoError(t, err)
	<-runner.started
	require.NoError(t, m.RequestStop(ctx, id))
	waitResult(t, m, id)

	require.NoError(t, m.Delete(ctx, id))
	assert.Equal(t, []string{id}, forgetter.ids)

	_, err = m.Get(ctx, id)
	assert.ErrorIs(t, err, campaign.ErrNotFound)
}

func TestShutdownCancelsRuns(t *testing.T) {
	m, _, runner := newBlockingManager(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.Start(ctx, newCampaign("+1", "+2"))
		require.NoError(t, err)
		ids = append(ids, id)
		<-runner.started
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(shutdownCtx))

	for _, id := range ids {
		res := waitResult(t, m, id)
		assert.True(t, res.Stopped)
	}

	_, err := m.Start(ctx, newCampaign("+1"))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidCampaign))
}
