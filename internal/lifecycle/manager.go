// Package lifecycle is the entry point for creating, resuming and steering
// campaigns. It owns the goroutine of every active run.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/foxzi/chatblast/internal/campaign"
	"github.com/foxzi/chatblast/internal/control"
	"github.com/foxzi/chatblast/internal/dispatch"
)

var (
	// ErrAlreadyRunning is returned when a campaign already has an active run
	ErrAlreadyRunning = errors.New("campaign is already running")

	// ErrNothingPending is returned when resuming a campaign with no pending recipients
	ErrNothingPending = errors.New("campaign has no pending recipients")

	// ErrInvalidCampaign is returned when a new campaign fails validation
	ErrInvalidCampaign = errors.New("invalid campaign")

	// ErrNoRun is returned by Wait when the campaign was not run by this process
	ErrNoRun = errors.New("campaign has no run in this process")
)

// Runner drives one campaign until it completes or halts
type Runner interface {
	Run(ctx context.Context, id string, ctl *control.Channel) (*dispatch.Result, error)
}

// Prober performs the gateway pre-flight check
type Prober interface {
	Check(ctx context.Context) error
}

// Forgetter drops per-campaign rate limit counters
type Forgetter interface {
	Forget(campaignID string) error
}

// NewCampaign is the finalized composition of a campaign
type NewCampaign struct {
	Name            string
	Type            campaign.Type
	MessageTemplate string
	Variables       map[string]string
	AttachmentRef   string
	Recipients      []Recipient
}

// Recipient is one row of a new campaign
type Recipient struct {
	Identifier string
	Name       string
	Variables  map[string]string
	Message    string
}

// Manager starts and steers campaign runs
type Manager struct {
	store    campaign.Store
	runner   Runner
	prober   Prober
	limiter  Forgetter
	controls *control.Registry
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
	result *dispatch.Result
	err    error
}

// Option configures a Manager
type Option func(*Manager)

// WithLimiter lets Delete drop the campaign's rate limit counters
func WithLimiter(f Forgetter) Option {
	return func(m *Manager) { m.limiter = f }
}

// WithControls shares a control registry with other components
func WithControls(r *control.Registry) Option {
	return func(m *Manager) { m.controls = r }
}

// NewManager creates a manager. Runs live until Shutdown.
func NewManager(store campaign.Store, runner Runner, prober Prober, logger *slog.Logger, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:    store,
		runner:   runner,
		prober:   prober,
		controls: control.NewRegistry(),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		runs:     make(map[string]*run),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start validates and persists a new campaign with every recipient pending,
// then launches its run. The gateway is checked first; when it is not
// reachable nothing is stored.
func (m *Manager) Start(ctx context.Context, nc *NewCampaign) (string, error) {
	if err := validate(nc); err != nil {
		return "", err
	}

	if err := m.prober.Check(ctx); err != nil {
		return "", fmt.Errorf("gateway pre-flight failed: %w", err)
	}

	c := &campaign.Campaign{
		ID:              uuid.New().String(),
		Name:            nc.Name,
		Type:            nc.Type,
		MessageTemplate: nc.MessageTemplate,
		Variables:       nc.Variables,
		AttachmentRef:   nc.AttachmentRef,
		Recipients:      make([]campaign.ContactStatus, 0, len(nc.Recipients)),
	}
	if c.Type == "" {
		c.Type = campaign.TypeSheetBased
	}
	for _, r := range nc.Recipients {
		c.Recipients = append(c.Recipients, campaign.ContactStatus{
			Identifier: strings.TrimSpace(r.Identifier),
			Name:       r.Name,
			Variables:  r.Variables,
			Message:    r.Message,
			Status:     campaign.StatusPending,
		})
	}

	if err := m.store.Upsert(ctx, c); err != nil {
		return "", fmt.Errorf("failed to store campaign: %w", err)
	}

	m.logger.Info("campaign created",
		"campaign_id", c.ID,
		"name", c.Name,
		"type", c.Type,
		"recipients", len(c.Recipients),
	)

	if err := m.launch(c.ID); err != nil {
		return c.ID, err
	}
	return c.ID, nil
}

// Resume launches a new run over the recipients still pending
func (m *Manager) Resume(ctx context.Context, id string) error {
	c, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if m.active(id) {
		return ErrAlreadyRunning
	}
	if c.PendingCount() == 0 {
		return ErrNothingPending
	}

	if err := m.prober.Check(ctx); err != nil {
		return fmt.Errorf("gateway pre-flight failed: %w", err)
	}

	return m.launch(id)
}

// RequestStop halts the campaign after the recipient in flight. The stop is
// written to the store so other processes observe it too.
func (m *Manager) RequestStop(ctx context.Context, id string) error {
	if _, err := m.store.RequestStop(ctx, id); err != nil {
		return fmt.Errorf("failed to request stop: %w", err)
	}
	if ctl, ok := m.controls.Lookup(id); ok {
		ctl.RequestStop()
	}

	m.logger.Info("campaign stop requested", "campaign_id", id)
	return nil
}

// Pause holds the campaign before its next dispatch
func (m *Manager) Pause(ctx context.Context, id string) error {
	if _, err := m.store.Get(ctx, id); err != nil {
		return err
	}
	m.controls.Get(id).Pause()
	m.logger.Info("campaign pause requested", "campaign_id", id)
	return nil
}

// Unpause lifts a pause
func (m *Manager) Unpause(ctx context.Context, id string) error {
	if _, err := m.store.Get(ctx, id); err != nil {
		return err
	}
	m.controls.Get(id).Resume()
	m.logger.Info("campaign unpaused", "campaign_id", id)
	return nil
}

// IsPaused reports whether a pause is set for the campaign
func (m *Manager) IsPaused(id string) bool {
	ctl, ok := m.controls.Lookup(id)
	return ok && ctl.IsPaused()
}

// Progress returns the sent/failed/pending/total projection from the store
func (m *Manager) Progress(ctx context.Context, id string) (campaign.Progress, error) {
	c, err := m.store.Get(ctx, id)
	if err != nil {
		return campaign.Progress{}, err
	}
	return c.Progress(), nil
}

func (m *Manager) Get(ctx context.Context, id string) (*campaign.Campaign, error) {
	return m.store.Get(ctx, id)
}

func (m *Manager) List(ctx context.Context, filter campaign.ListFilter) ([]*campaign.Campaign, error) {
	return m.store.List(ctx, filter)
}

// Delete removes a campaign that is not running
func (m *Manager) Delete(ctx context.Context, id string) error {
	if m.active(id) {
		return ErrAlreadyRunning
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	m.controls.Remove(id)
	if m.limiter != nil {
		// Leftover counters do not block the delete
		if err := m.limiter.Forget(id); err != nil {
			m.logger.Warn("failed to drop rate limit counters", "campaign_id", id, "error", err)
		}
	}
	m.logger.Info("campaign deleted", "campaign_id", id)
	return nil
}

// Wait blocks until the latest run of the campaign returns
func (m *Manager) Wait(ctx context.Context, id string) (*dispatch.Result, error) {
	m.mu.Lock()
	r, ok := m.runs[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNoRun
	}

	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Recover marks campaigns left running by a dead process as stopped so
// they can be resumed
func (m *Manager) Recover(ctx context.Context) (int, error) {
	running := true
	campaigns, err := m.store.List(ctx, campaign.ListFilter{Running: &running})
	if err != nil {
		return 0, fmt.Errorf("failed to list running campaigns: %w", err)
	}

	recovered := 0
	for _, c := range campaigns {
		if m.active(c.ID) {
			continue
		}
		if _, err := m.store.SetRunState(ctx, c.ID, false, true, "interrupted"); err != nil {
			return recovered, fmt.Errorf("failed to recover campaign %s: %w", c.ID, err)
		}
		recovered++
		m.logger.Warn("recovered interrupted campaign",
			"campaign_id", c.ID,
			"pending", c.PendingCount(),
		)
	}
	return recovered, nil
}

// Shutdown cancels every active run and waits for their final state to be persisted
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("campaign runs did not finish: %w", ctx.Err())
	}
}

func (m *Manager) active(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

func (m *Manager) launch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return fmt.Errorf("manager is shut down: %w", m.ctx.Err())
	}
	if r, ok := m.runs[id]; ok {
		select {
		case <-r.done:
		default:
			return ErrAlreadyRunning
		}
	}

	ctl := m.controls.Get(id)
	ctl.Clear()

	ctx, cancel := context.WithCancel(m.ctx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	m.runs[id] = r

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		defer close(r.done)

		r.result, r.err = m.runner.Run(ctx, id, ctl)
		if r.err != nil {
			m.logger.Error("campaign run failed", "campaign_id", id, "error", r.err)
		}
	}()

	return nil
}

func validate(nc *NewCampaign) error {
	if nc == nil || len(nc.Recipients) == 0 {
		return fmt.Errorf("%w: no recipients", ErrInvalidCampaign)
	}
	if nc.Type != "" && !nc.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidCampaign, nc.Type)
	}

	hasTemplate := strings.TrimSpace(nc.MessageTemplate) != ""
	seen := make(map[string]struct{}, len(nc.Recipients))
	for i, r := range nc.Recipients {
		ident := strings.TrimSpace(r.Identifier)
		if ident == "" {
			return fmt.Errorf("%w: recipient %d has no identifier", ErrInvalidCampaign, i)
		}
		if _, dup := seen[ident]; dup {
			return fmt.Errorf("%w: duplicate recipient %s", ErrInvalidCampaign, ident)
		}
		seen[ident] = struct{}{}

		if !hasTemplate && strings.TrimSpace(r.Message) == "" {
			return fmt.Errorf("%w: recipient %s has no message and there is no template", ErrInvalidCampaign, ident)
		}
	}
	return nil
}
