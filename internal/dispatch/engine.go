// Package dispatch drives one campaign at a time through the gateway,
// recipient by recipient.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/chatblast/internal/campaign"
	"github.com/foxzi/chatblast/internal/control"
	"github.com/foxzi/chatblast/internal/gateway"
	"github.com/foxzi/chatblast/internal/metrics"
	"github.com/foxzi/chatblast/internal/outcome"
	"github.com/foxzi/chatblast/internal/pacing"
	"github.com/foxzi/chatblast/internal/ratelimit"
)

// Failure reasons reported to metrics
const (
	ReasonFailure  = "failure"
	ReasonTimeout  = "timeout"
	ReasonResolve  = "resolve"
	ReasonDispatch = "dispatch"
)

// Config contains engine timing settings
type Config struct {
	ConfirmTimeout time.Duration
	ConfirmPoll    time.Duration
	PausePoll      time.Duration
	PersistTimeout time.Duration
}

// Throttle limits the dispatch rate of the sending account
type Throttle interface {
	Allow(ctx context.Context, req *ratelimit.Request) (*ratelimit.Result, error)
}

// Result is the state of a campaign when a run returns
type Result struct {
	campaign.Progress
	Stopped   bool `json:"stopped"`
	Completed bool `json:"completed"`
}

// Engine runs the dispatch loop. One engine serves all campaigns of the
// process; the gateway is used by one campaign at a time.
type Engine struct {
	store    campaign.Store
	gateway  gateway.Gateway
	register outcome.Register
	pacing   pacing.Policy
	throttle Throttle
	resolver Resolver
	cfg      Config
	logger   *slog.Logger

	// gate serializes register reset, dispatch and confirmation across campaigns
	gate chan struct{}
}

// Option configures optional engine collaborators
type Option func(*Engine)

// WithThrottle enables dispatch rate limiting
func WithThrottle(t Throttle) Option {
	return func(e *Engine) { e.throttle = t }
}

// WithResolver replaces the per-type resolvers with r
func WithResolver(r Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// NewEngine creates an engine
func NewEngine(
	store campaign.Store,
	gw gateway.Gateway,
	register outcome.Register,
	policy pacing.Policy,
	cfg Config,
	logger *slog.Logger,
	opts ...Option,
) *Engine {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 7 * time.Second
	}
	if cfg.ConfirmPoll <= 0 {
		cfg.ConfirmPoll = 100 * time.Millisecond
	}
	if cfg.PausePoll <= 0 {
		cfg.PausePoll = 500 * time.Millisecond
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}

	e := &Engine{
		store:    store,
		gateway:  gw,
		register: register,
		pacing:   policy,
		cfg:      cfg,
		logger:   logger,
		gate:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run drives the campaign from its persisted state until no recipient is
// pending, a stop is requested or ctx is cancelled. Fresh starts and resumes
// take the same path. The returned error is set only for fatal failures
// (store writes, unreachable gateway); the campaign is then left stopped.
//
// A stop already set on ctl is honoured, so callers clear it before a new run.
func (e *Engine) Run(ctx context.Context, id string, ctl *control.Channel) (*Result, error) {
	logger := e.logger.With("campaign_id", id)

	c, err := e.store.SetRunState(ctx, id, true, false, "")
	if err != nil {
		return nil, fmt.Errorf("failed to mark campaign running: %w", err)
	}

	metrics.IncCampaignsRunning()
	defer metrics.DecCampaignsRunning()

	logger.Info("campaign run started",
		"pending", c.PendingCount(),
		"total", c.TotalCount,
	)

	stopped, runErr := e.loop(ctx, id, ctl, logger)

	lastError := ""
	if runErr != nil {
		stopped = true
		lastError = runErr.Error()
	}

	persistCtx, cancel := e.persistContext(ctx)
	defer cancel()

	final, err := e.store.SetRunState(persistCtx, id, false, stopped, lastError)
	if err != nil {
		logger.Error("failed to persist final campaign state", "error", err)
		if runErr == nil {
			runErr = fmt.Errorf("failed to persist final campaign state: %w", err)
		}
		metrics.IncCampaignRuns("error")
		return nil, runErr
	}

	result := &Result{
		Progress:  final.Progress(),
		Stopped:   stopped,
		Completed: !stopped && final.PendingCount() == 0,
	}

	switch {
	case runErr != nil:
		metrics.IncCampaignRuns("error")
		logger.Error("campaign run halted", "error", runErr, "sent", result.Sent, "failed", result.Failed, "pending", result.Pending)
	case stopped:
		metrics.IncCampaignRuns("stopped")
		logger.Info("campaign run stopped", "sent", result.Sent, "failed", result.Failed, "pending", result.Pending)
	default:
		metrics.IncCampaignRuns("completed")
		logger.Info("campaign run completed", "sent", result.Sent, "failed", result.Failed)
	}

	return result, runErr
}

// loop returns whether the run was halted early and any fatal error
func (e *Engine) loop(ctx context.Context, id string, ctl *control.Channel, logger *slog.Logger) (bool, error) {
	for {
		// The store is the source of truth; a stop may come from another process
		c, err := e.store.Get(ctx, id)
		if err != nil {
			return true, fmt.Errorf("failed to reload campaign: %w", err)
		}

		// Nothing left to send means completed, even if a stop arrived meanwhile
		idx := c.NextPending()
		if idx < 0 {
			return false, nil
		}

		if ctx.Err() != nil || ctl.IsStopRequested() || c.IsStopped {
			return true, nil
		}

		if ctl.IsPaused() {
			e.waitWhilePaused(ctx, id, ctl, logger)
			continue
		}

		r := c.Recipients[idx]
		rlog := logger.With("recipient", r.Identifier)

		var status campaign.Status
		var reason string

		body, err := e.resolve(c, &r)
		if err != nil {
			rlog.Warn("failed to resolve message", "error", err)
			status, reason = campaign.StatusFailed, ReasonResolve
		} else {
			a, err := e.dispatchOne(ctx, c, &r, body, ctl, rlog)
			if err != nil {
				return true, err
			}
			if a.throttled {
				e.sleep(ctx, ctl, min(a.retryAfter, e.cfg.PausePoll))
				continue
			}
			if a.status == campaign.StatusPending {
				// Cancelled or stopped before an outcome was known, the recipient stays pending
				return true, nil
			}
			status, reason = a.status, a.reason
		}

		persistCtx, cancel := e.persistContext(ctx)
		c, err = e.store.UpdateRecipientStatus(persistCtx, id, r.Identifier, status)
		cancel()
		if err != nil {
			return true, fmt.Errorf("failed to persist status of %s: %w", r.Identifier, err)
		}

		if status == campaign.StatusSent {
			metrics.IncRecipientsSent()
			rlog.Info("recipient sent")
		} else {
			metrics.IncRecipientsFailed(reason)
			rlog.Warn("recipient failed", "reason", reason)
		}

		if c.HasPendingAfter(idx) {
			e.sleep(ctx, ctl, e.pacing.Next())
		}
	}
}

// attempt is the result of one dispatch attempt
type attempt struct {
	status     campaign.Status
	reason     string
	throttled  bool
	retryAfter time.Duration
}

func (e *Engine) resolve(c *campaign.Campaign, r *campaign.ContactStatus) (string, error) {
	resolver := e.resolver
	if resolver == nil {
		resolver = ResolverFor(c.Type)
	}
	return resolver.Resolve(c, r)
}

// dispatchOne sends body to one recipient and waits for its outcome. The
// status is Pending when the run was cancelled or stopped before the outcome
// was known, or when the throttle denied the dispatch. Quota is taken only
// once the gate is held, right before the dispatch.
func (e *Engine) dispatchOne(
	ctx context.Context,
	c *campaign.Campaign,
	r *campaign.ContactStatus,
	body string,
	ctl *control.Channel,
	logger *slog.Logger,
) (attempt, error) {
	pending := attempt{status: campaign.StatusPending}

	if !e.acquire(ctx, ctl) {
		return pending, nil
	}
	defer e.release()

	if e.throttle != nil {
		if allowed, retryAfter := e.allow(ctx, c.ID, logger); !allowed {
			return attempt{status: campaign.StatusPending, throttled: true, retryAfter: retryAfter}, nil
		}
	}

	generation, err := e.register.Reset(ctx)
	if err != nil {
		return pending, fmt.Errorf("failed to reset outcome register: %w", err)
	}

	err = e.gateway.Dispatch(ctx, &gateway.Request{
		CampaignID:    c.ID,
		Identifier:    r.Identifier,
		Message:       body,
		AttachmentRef: c.AttachmentRef,
		Generation:    generation,
	})
	if errors.Is(err, gateway.ErrUnavailable) {
		return pending, fmt.Errorf("failed to dispatch: %w", err)
	}
	if err != nil {
		logger.Warn("dispatch failed", "error", err)
		return attempt{status: campaign.StatusFailed, reason: ReasonDispatch}, nil
	}
	metrics.IncDispatches()

	logger.Debug("dispatched, awaiting confirmation", "generation", generation)

	started := time.Now()
	result := e.awaitConfirmation(ctx, generation, logger)
	metrics.ObserveConfirmation(time.Since(started))

	switch result {
	case outcome.Success:
		return attempt{status: campaign.StatusSent}, nil
	case outcome.Failure:
		return attempt{status: campaign.StatusFailed, reason: ReasonFailure}, nil
	}

	if ctx.Err() != nil {
		return pending, nil
	}
	return attempt{status: campaign.StatusFailed, reason: ReasonTimeout}, nil
}

// awaitConfirmation polls the register until it leaves Unknown, the
// timeout elapses or ctx is cancelled. A stop request does not interrupt it.
func (e *Engine) awaitConfirmation(ctx context.Context, generation uint64, logger *slog.Logger) outcome.Outcome {
	deadline := time.NewTimer(e.cfg.ConfirmTimeout)
	defer deadline.Stop()

	ticker := time.NewTicker(e.cfg.ConfirmPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// A result that already arrived is still worth keeping
			return e.peek(context.WithoutCancel(ctx), generation, logger)
		case <-deadline.C:
			return e.peek(ctx, generation, logger)
		case <-ticker.C:
			if o := e.peek(ctx, generation, logger); o != outcome.Unknown {
				return o
			}
		}
	}
}

func (e *Engine) peek(ctx context.Context, generation uint64, logger *slog.Logger) outcome.Outcome {
	st, err := e.register.Get(ctx)
	if err != nil {
		logger.Warn("failed to read outcome register", "error", err)
		return outcome.Unknown
	}
	// Another process reset the slot, our confirmation is lost
	if st.Generation != generation {
		return outcome.Unknown
	}
	return st.Outcome
}

// waitWhilePaused blocks until the pause is lifted, a stop is requested
// (in memory or in the store) or ctx is cancelled
func (e *Engine) waitWhilePaused(ctx context.Context, id string, ctl *control.Channel, logger *slog.Logger) {
	logger.Info("campaign paused")

	ticker := time.NewTicker(e.cfg.PausePoll)
	defer ticker.Stop()

	for ctl.IsPaused() {
		select {
		case <-ctx.Done():
			return
		case <-ctl.StopC():
			return
		case <-ticker.C:
		}

		c, err := e.store.Get(ctx, id)
		if err != nil {
			logger.Warn("failed to reload campaign while paused", "error", err)
			continue
		}
		if c.IsStopped {
			return
		}
	}

	logger.Info("campaign resumed")
}

func (e *Engine) allow(ctx context.Context, id string, logger *slog.Logger) (bool, time.Duration) {
	res, err := e.throttle.Allow(ctx, &ratelimit.Request{CampaignID: id})
	if err != nil {
		logger.Warn("rate limit check failed", "error", err)
		return true, 0
	}
	if res.Allowed {
		return true, 0
	}

	metrics.IncThrottled()
	logger.Debug("dispatch throttled",
		"denied_by", res.DeniedBy,
		"retry_after", res.RetryAfter,
	)
	return false, res.RetryAfter
}

// sleep waits for d unless ctx is cancelled or a stop is requested
func (e *Engine) sleep(ctx context.Context, ctl *control.Channel, d time.Duration) {
	if d <= 0 {
		return
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-ctl.StopC():
	case <-timer.C:
	}
}

func (e *Engine) acquire(ctx context.Context, ctl *control.Channel) bool {
	select {
	case e.gate <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	case <-ctl.StopC():
		return false
	}
}

func (e *Engine) release() {
	<-e.gate
}

// persistContext outlives cancellation of ctx so the last state is recorded
func (e *Engine) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PersistTimeout)
}
