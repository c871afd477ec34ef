package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/chatblast/internal/outcome"
)

// SandboxConfig controls the simulated confirmations
type SandboxConfig struct {
	// ConfirmDelay is how long after a dispatch the confirmation is written
	ConfirmDelay time.Duration

	// FailureProbability makes a random share of dispatches fail (0.0 to 1.0)
	FailureProbability float64

	// FailIdentifiers always receive a failure confirmation
	FailIdentifiers []string

	// SilentIdentifiers never receive a confirmation, so the engine times out
	SilentIdentifiers []string
}

// Sandbox records dispatches instead of sending them and plays the role of
// the confirmation agent
type Sandbox struct {
	cfg      SandboxConfig
	storage  *SandboxStorage
	register outcome.Register
	logger   *slog.Logger

	fail   map[string]bool
	silent map[string]bool

	mu          sync.Mutex
	rnd         *rand.Rand
	unavailable bool

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

// NewSandbox creates a sandbox gateway. storage may be nil to skip recording.
func NewSandbox(cfg SandboxConfig, storage *SandboxStorage, register outcome.Register, logger *slog.Logger) *Sandbox {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Sandbox{
		cfg:      cfg,
		storage:  storage,
		register: register,
		logger:   logger,
		fail:     make(map[string]bool),
		silent:   make(map[string]bool),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		done:     make(chan struct{}),
	}
	for _, id := range cfg.FailIdentifiers {
		s.fail[id] = true
	}
	for _, id := range cfg.SilentIdentifiers {
		s.silent[id] = true
	}
	return s
}

// SetRandSource replaces the source used for simulated failures
func (s *Sandbox) SetRandSource(src rand.Source) {
	s.mu.Lock()
	s.rnd = rand.New(src)
	s.mu.Unlock()
}

// SetAvailable toggles the result of the pre-flight check
func (s *Sandbox) SetAvailable(available bool) {
	s.mu.Lock()
	s.unavailable = !available
	s.mu.Unlock()
}

func (s *Sandbox) Check(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable {
		return fmt.Errorf("%w: sandbox disabled", ErrUnavailable)
	}
	return nil
}

// Dispatch records the request and schedules its confirmation
func (s *Sandbox) Dispatch(ctx context.Context, req *Request) error {
	if err := s.Check(ctx); err != nil {
		return err
	}

	result := s.decide(req.Identifier)

	capture := &Capture{
		ID:            uuid.New().String(),
		CampaignID:    req.CampaignID,
		Identifier:    req.Identifier,
		Message:       req.Message,
		AttachmentRef: req.AttachmentRef,
		Generation:    req.Generation,
		Outcome:       string(result),
		CapturedAt:    time.Now(),
	}
	if result == outcome.Unknown {
		capture.Outcome = "none"
	}

	if s.storage != nil {
		if err := s.storage.Save(ctx, capture); err != nil {
			return fmt.Errorf("sandbox: failed to save dispatch: %w", err)
		}
	}

	s.logger.Debug("sandbox: dispatch captured",
		"id", capture.ID,
		"campaign_id", req.CampaignID,
		"recipient", req.Identifier,
		"outcome", capture.Outcome,
	)

	if result == outcome.Unknown {
		return nil
	}

	s.wg.Add(1)
	go s.confirm(req.Generation, result)

	return nil
}

// Close cancels pending confirmations and waits for them to finish
func (s *Sandbox) Close() error {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}

func (s *Sandbox) decide(identifier string) outcome.Outcome {
	switch {
	case s.silent[identifier]:
		return outcome.Unknown
	case s.fail[identifier]:
		return outcome.Failure
	}

	if s.cfg.FailureProbability > 0 {
		s.mu.Lock()
		roll := s.rnd.Float64()
		s.mu.Unlock()
		if roll < s.cfg.FailureProbability {
			return outcome.Failure
		}
	}
	return outcome.Success
}

func (s *Sandbox) confirm(generation uint64, result outcome.Outcome) {
	defer s.wg.Done()

	timer := time.NewTimer(s.cfg.ConfirmDelay)
	defer timer.Stop()

	select {
	case <-s.done:
		return
	case <-timer.C:
	}

	if err := s.register.SetFor(context.Background(), generation, result); err != nil {
		s.logger.Warn("sandbox: confirmation rejected", "generation", generation, "error", err)
	}
}
