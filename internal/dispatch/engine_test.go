package dispatch

import (
	"context"
	"errors"
	"fmt"
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
	"github.com/foxzi/chatblast/internal/gateway"
	"github.com/foxzi/chatblast/internal/outcome"
	"github.com/foxzi/chatblast/internal/pacing"
	"github.com/foxzi/chatblast/internal/ratelimit"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeGateway confirms each dispatch according to a per-identifier script.
// Identifiers without a script entry succeed.
type fakeGateway struct {
	register outcome.Register

	mu       sync.Mutex
	script   map[string]outcome.Outcome
	errs     map[string]error
	hooks    map[string]func()
	async    time.Duration
	wg       sync.WaitGroup
	requests []gateway.Request
}

func newFakeGateway(register outcome.Register) *fakeGateway {
	return &fakeGateway{
		register: register,
		script:   make(map[string]outcome.Outcome),
		errs:     make(map[string]error),
		hooks:    make(map[string]func()),
	}
}

func (g *fakeGateway) Check(ctx context.Context) error { return nil }

func (g *fakeGateway) Dispatch(ctx context.Context, req *gateway.Request) error {
	g.mu.Lock()
	g.requests = append(g.requests, *req)
	err := g.errs[req.Identifier]
	hook := g.hooks[req.Identifier]
	result, scripted := g.script[req.Identifier]
	g.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return err
	}
	if !scripted {
		result = outcome.Success
	}
	if result == outcome.Unknown {
		return nil
	}

	if g.async > 0 {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			time.Sleep(g.async)
			g.register.SetFor(context.Background(), req.Generation, result)
		}()
		return nil
	}
	return g.register.SetFor(ctx, req.Generation, result)
}

func (g *fakeGateway) identifiers() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.requests))
	for _, r := range g.requests {
		out = append(out, r.Identifier)
	}
	return out
}

type failingStore struct {
	campaign.Store
	failUpdates bool
}

func (s *failingStore) UpdateRecipientStatus(ctx context.Context, id, identifier string, status campaign.Status) (*campaign.Campaign, error) {
	if s.failUpdates {
		return nil, errors.New("disk full")
	}
	return s.Store.UpdateRecipientStatus(ctx, id, identifier, status)
}

type fakeThrottle struct {
	mu    sync.Mutex
	deny  int
	calls int
	retry time.Duration
}

func (t *fakeThrottle) Allow(ctx context.Context, req *ratelimit.Request) (*ratelimit.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if t.deny > 0 {
		t.deny--
		return &ratelimit.Result{DeniedBy: ratelimit.LevelAccount, RetryAfter: t.retry}, nil
	}
	return &ratelimit.Result{Allowed: true}, nil
}

type testEnv struct {
	store    *campaign.BoltStore
	register *outcome.MemoryRegister
	gateway  *fakeGateway
	engine   *Engine
}

var testConfig = Config{
	ConfirmTimeout: 200 * time.Millisecond,
	ConfirmPoll:    5 * time.Millisecond,
	PausePoll:      10 * time.Millisecond,
	PersistTimeout: time.Second,
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	store, err := campaign.NewBoltStore(filepath.Join(t.TempDir(), "chatblast.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	register := outcome.NewMemoryRegister()
	gw := newFakeGateway(register)
	t.Cleanup(gw.wg.Wait)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &testEnv{
		store:    store,
		register: register,
		gateway:  gw,
		engine:   NewEngine(store, gw, register, pacing.Fixed(0), testConfig, logger, opts...),
	}
}

func (env *testEnv) createCampaign(t *testing.T, id string, identifiers ...string) {
	t.Helper()
	c := &campaign.Campaign{
		ID:              id,
		Name:            id,
		Type:            campaign.TypeSheetBased,
		MessageTemplate: "Hi {{phone}}",
	}
	for _, ident := range identifiers {
		c.Recipients = append(c.Recipients, campaign.ContactStatus{Identifier: ident, Status: campaign.StatusPending})
	}
	require.NoError(t, env.store.Upsert(context.Background(), c))
}

func (env *testEnv) statuses(t *testing.T, id string) map[string]campaign.Status {
	t.Helper()
	c, err := env.store.Get(context.Background(), id)
	require.NoError(t, err)
	out := make(map[string]campaign.Status, len(c.Recipients))
	for _, r := range c.Recipients {
		out[r.Identifier] = r.Status
	}
	return out
}

func TestRunAllSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.createCampaign(t, "c1", "A", "B", "C")

	res, err := env.engine.Run(context.Background(), "c1", control.NewChannel())
	require.NoError(t, err)

	assert.True(t, res.Completed)
	assert.False(t, res.Stopped)
	assert.Equal(t, campaign.Progress{Sent: 3, Failed: 0, Pending: 0, Total: 3}, res.Progress)
	assert.Equal(t, []string{"A", "B", "C"}, env.gateway.identifiers())

	c, err := env.store.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, c.IsRunning)
	assert.False(t, c.IsStopped)
	assert.NotNil(t, c.FinishedAt)
}

func TestRunMessageBody(t *testing.T) {
	env := newTestEnv(t)
	env.createCampaign(t, "c1", "A")

	_, err := env.engine.Run(context.Background(), "c1", control.NewChannel())
	require.NoError(t, err)

	require.Len(t, env.gateway.requests, 1)
	assert.Equal(t, "Hi A", env.gateway.requests[0].Message)
	assert.Equal(t, "c1", env.gateway.requests[0].CampaignID)
}

func TestRunFailureOutcome(t *testing.T) {
	env := newTestEnv(t)
	env.createCampaign(t, "c1", "A", "B", "C")
	env.gateway.script["B"] = outcome.Failure

	res, err := env.engine.Run(context.Background(), "c1", control.NewChannel())
	require.NoError(t, err)

	assert.True(t, res.Completed)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, campaign.StatusFailed, env.statuses(t, "c1")["B"])
}

func TestRunConfirmationTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.createCampaign(t, "c1", "A", "B")
	env.gateway.script["A"] = outcome.Unknown

	started := time.Now()
	res, err := env.engine.Run(context.Background(), "c1", control.NewChannel())
	require.NoError(t, err)

	elapsed := time.Since(started)
	assert.GreaterOrEqual(t, elapsed, testConfig.ConfirmTimeout)
	assert.Less(t, elapsed, testConfig.ConfirmTimeout+150*time.Millisecond)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, campaign.StatusFailed, env.statuses(t, "c1")["A"])
}

func TestRunStaleConfirmationIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.createCampaign(t, "c1", "A")

	// Someone else takes over the register after our dispatch
	env.gateway.script["A"] = outcome.Unknown
	env.gateway.hooks["A"] = func() {
		gen, err := env.register.Reset(context.Background())
		require.NoError(t, err)
		require.NoError(t, env.register.SetFor(context.Background(), gen, outcome.Success))
	}

	res, err := env.engine.Run(context.Background(), "c1", control.NewChannel())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
}

func TestRunStopAndResume(t *testing.T) {
	env := newTestEnv(t)
	env.createCampaign(t, "c1", "A", "B", "C")

	ctl := control.NewChannel()
	env.gateway.hooks["A"] = ctl.RequestStop

	res, err := env.engine.Run(context.Background(), "c1", ctl)
	require.NoError(t, err)

	// The in-flight recipient still gets its outcome recorded
	assert.True(t, res.Stopped)
	assert.False(t, res.Completed)
	assert.Equal(t, campaign.Progress{Sent: 1, Pending: 2, Total: 3}, res.Progress)

	c, err := env.store.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, c.IsStopped)
	assert.False(t, c.IsRunning)

	env.gateway.hooks["A"] = nil
	ctl.Clear()
	res, err = env.engine.Run(context.Background(), "c1", ctl)
	require.NoError(t, err)

	assert.True(t, res.Completed)
	assert.Equal(t, 3, res.Sent)
	// A is never sent twice
	assert.Equal(t, []string{"A", "B", "C"}, env.gateway.identifiers())
}

func TestRunStopDuringLastRecipient(t *testing.T) {
	env := newTestEnv(t)
	env.createCampaign(t, "c1", "A", "B")

	ctl := control.NewChannel()
	env.gateway.hooks["B"] = ctl.RequestStop

	res, err := env.engine.Run(context.Background(), "c1", ctl)
	require.NoError(t, err)

	assert.True(t, res.Completed)
	assert.False(t, res.Stopped)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 0, res.Pending)

	c, err := env.store.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, c.IsStopped)
	assert.False(t, c.IsRunning)
}

func TestRunStopFromStore(t *testing.T) {
	env := newTestEnv(t)
	env.createCampaign(t, "c1", "A", "B")

	env.gateway.hooks["A"] = func() {
		_, err := env.store.RequestStop(context.Background(), "c1")
		require.NoError(t, err)
	}

	res, err := env.engine.Run(context.Background(), "c1", control.NewChannel())
	require.NoError(t, err)
	assert.True(t, res.Stopped)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Pending)
}

func TestRunCancelLeavesPending(t *testing.T) {
	env := newTestEnv(t)
	env.createCampaign(t, "c1", "A", "B")
	env.gateway.script["A"] = outcome.Unknown

	ctx, cancel := context.WithCancel(context.Background())
	env.gateway.hooks["A"] = cancel
	defer cancel()

	res, err := env.engine.Run(ctx, "c1", control.NewChannel())
	require.NoError(t, err)

	assert.True(t, res.Stopped)
	assert.Equal(t, 2, res.Pending)
	assert.Equal(t, campaign.StatusPending, env.statuses(t, "c1")["A"])

	c, err := env.store.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, c.IsRunning)
}

func TestRunCancelKeepsArrivedOutcome(t *testing.T) {
	env := newTestEnv(t)
	env.createCampaign(t, "c1", "A", "B")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.gateway.script["A"] = outcome.Unknown
	env.gateway.hooks["A"] = func() {
		st, _ := env.register.Get(context.Background())
		env.register.SetFor(context.Background(), st.Generation, outcome.Success)
		cancel()
	}

	res, err := env.engine.Run(ctx, "c1", control.NewChannel())
	require.NoError(t, err)

	assert.True(t, res.Stopped)
	assert.Equal(t, campaign.StatusSent, env.statuses(t, "c1")["A"])
	assert.Equal(t, campaign.StatusPending, env.statuses(t, "c1")["B"])
}

func TestRunPause(t *testing.T) {
	env := newTestEnv(t)
	env.createCampaign(t, "c1", "A", "B")

	ctl := control.NewChannel()
	ctl.Pause()

	done := make(chan *Result, 1)
	go func() {
		res, err := env.engine.Run(context.Background(), "c1", ctl)
		assert.NoError(t, err)
		done <- res
	}()

	time.Sleep(5 * testConfig.PausePoll)
	assert.Empty(t, env.gateway.identifiers())

	ctl.Resume()

	select {
	case res := <-done:
		assert.True(t, res.Completed)
		assert.Equal(t, 2, res.Sent)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after resume")
	}
}

func TestRunPauseBetweenRecipients(t *testing.T) {
	env := newTestEnv(t)
	env.createCampaign(t, "c1", "A", "B")

	ctl := control.NewChannel()
	env.gateway.hooks["A"] = ctl.Pause

	done := make(chan *Result, 1)
	go func() {
		res, err := env.engine.Run(context.Background(), "c1", ctl)
		assert.NoError(t, err)
		done <- res
	}()

	// A is still confirmed and persisted after the pause
	require.Eventually(t, func() bool {
		c, err := env.store.Get(context.Background(), "c1")
		return err == nil && c.Recipients[0].Status == campaign.StatusSent
	}, 5*time.Second, testConfig.PausePoll)

	time.Sleep(5 * testConfig.PausePoll)
	assert.Equal(t, []string{"A"}, env.gateway.identifiers())
	statuses := env.statuses(t, "c1")
	assert.Equal(t, campaign.StatusSent, statuses["A"])
	assert.Equal(t, campaign.StatusPending, statuses["B"])

	ctl.Resume()

	select {
	case res := <-done:
		assert.True(t, res.Completed)
		assert.Equal(t, 2, res.Sent)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after resume")
	}
	assert.Equal(t, []string{"A", "B"}, env.gateway.identifiers())
}

func TestRunStopWhilePaused(t *testing.T) {
	env := newTestEnv(t)
	env.createCampaign(t, "c1", "A")

	ctl := control.NewChannel()
	ctl.Pause()

	done := make(chan *Result, 1)
	go func() {
		res, _ := env.engine.Run(context.Background(), "c1", ctl)
		done <- res
	}()

	time.Sleep(2 * testConfig.PausePoll)
	ctl.RequestStop()

	select {
	case res := <-done:
		assert.True(t, res.Stopped)
		assert.Equal(t, 1, res.Pending)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop while paused")
	}
	assert.Empty(t, env.gateway.identifiers())
}

func TestRunResolveError(t *testing.T) {
	env := newTestEnv(t)
	c := &campaign.Campaign{
		ID:   "c1",
		Type: campaign.TypeSheetBased,
		Recipients: []campaign.ContactStatus{
			{Identifier: "A", Status: campaign.StatusPending, Message: "hello"},
			{Identifier: "B", Status: campaign.StatusPending},
		},
	}
	require.NoError(t, env.store.Upsert(context.Background(), c))

	res, err := env.engine.Run(context.Background(), "c1", control.NewChannel())
	require.NoError(t, err)

	assert.True(t, res.Completed)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []string{"A"}, env.gateway.identifiers())
}

func TestRunResolveErrorTakesNoQuota(t *testing.T) {
	throttle := &fakeThrottle{}
	env := newTestEnv(t, WithThrottle(throttle))
	c := &campaign.Campaign{
		ID:   "c1",
		Type: campaign.TypeSheetBased,
		Recipients: []campaign.ContactStatus{
			{Identifier: "A", Status: campaign.StatusPending},
			{Identifier: "B", Status: campaign.StatusPending, Message: "hello"},
		},
	}
	require.NoError(t, env.store.Upsert(context.Background(), c))

	res, err := env.engine.Run(context.Background(), "c1", control.NewChannel())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, throttle.calls)
	assert.Equal(t, []string{"B"}, env.gateway.identifiers())
}

func TestRunDispatchError(t *testing.T) {
	env := newTestEnv(t)
	env.createCampaign(t, "c1", "A", "B")
	env.gateway.errs["A"] = errors.New("chat not found")

	res, err := env.engine.Run(context.Background(), "c1", control.NewChannel())
	require.NoError(t, err)

	assert.Equal(t, campaign.StatusFailed, env.statuses(t, "c1")["A"])
	assert.Equal(t, 1, res.Sent)
}

func TestRunGatewayUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.createCampaign(t, "c1", "A", "B")
	env.gateway.errs["A"] = fmt.Errorf("browser gone: %w", gateway.ErrUnavailable)

	res, err := env.engine.Run(context.Background(), "c1", control.NewChannel())
	require.ErrorIs(t, err, gateway.ErrUnavailable)

	require.NotNil(t, res)
	assert.True(t, res.Stopped)
	assert.Equal(t, 2, res.Pending)

	c, err := env.store.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, c.IsStopped)
	assert.False(t, c.IsRunning)
	assert.NotEmpty(t, c.LastError)
}

func TestRunStoreWriteFailure(t *testing.T) {
	env := newTestEnv(t)
	env.createCampaign(t, "c1", "A", "B")

	store := &failingStore{Store: env.store, failUpdates: true}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := NewEngine(store, env.gateway, env.register, pacing.Fixed(0), testConfig, logger)

	res, err := engine.Run(context.Background(), "c1", control.NewChannel())
	require.Error(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Stopped)

	// Only one dispatch before halting
	assert.Equal(t, []string{"A"}, env.gateway.identifiers())
	assert.Equal(t, campaign.StatusPending, env.statuses(t, "c1")["A"])
}

func TestRunUnknownCampaign(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.Run(context.Background(), "missing", control.NewChannel())
	assert.ErrorIs(t, err, campaign.ErrNotFound)
}

func TestRunThrottled(t *testing.T) {
	throttle := &fakeThrottle{deny: 2, retry: 5 * time.Millisecond}
	env := newTestEnv(t, WithThrottle(throttle))
	env.createCampaign(t, "c1", "A")

	res, err := env.engine.Run(context.Background(), "c1", control.NewChannel())
	require.NoError(t, err)

	assert.True(t, res.Completed)
	assert.Equal(t, 3, throttle.calls)
}

func TestRunNothingPending(t *testing.T) {
	env := newTestEnv(t)
	c := &campaign.Campaign{
		ID:   "c1",
		Type: campaign.TypeSheetBased,
		Recipients: []campaign.ContactStatus{
			{Identifier: "A", Status: campaign.StatusSent},
		},
	}
	require.NoError(t, env.store.Upsert(context.Background(), c))

	res, err := env.engine.Run(context.Background(), "c1", control.NewChannel())
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Empty(t, env.gateway.identifiers())
}

func TestRunConcurrentCampaigns(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.async = 10 * time.Millisecond

	ids := []string{"c1", "c2", "c3"}
	for _, id := range ids {
		env.createCampaign(t, id, id+"-a", id+"-b", id+"-c")
	}

	var wg sync.WaitGroup
	results := make([]*Result, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			res, err := env.engine.Run(context.Background(), id, control.NewChannel())
			assert.NoError(t, err)
			results[i] = res
		}(i, id)
	}
	wg.Wait()

	// Each confirmation lands on the generation that was waiting for it
	for i, res := range results {
		require.NotNil(t, res, ids[i])
		assert.Equal(t, 3, res.Sent, ids[i])
		assert.Equal(t, 0, res.Failed, ids[i])
	}
}

func TestRunStopBeforeStart(t *testing.T) {
	env := newTestEnv(t)
	env.createCampaign(t, "c1", "A")

	ctl := control.NewChannel()
	ctl.RequestStop()

	res, err := env.engine.Run(context.Background(), "c1", ctl)
	require.NoError(t, err)
	assert.True(t, res.Stopped)
	assert.Empty(t, env.gateway.identifiers())
}
