// Package pacing computes the delay inserted between two dispatches.
package pacing

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// DefaultFloor is the minimum delay of a Custom policy
const DefaultFloor = 3 * time.Second

// Mode selects a policy
type Mode string

const (
	ModeFixed  Mode = "fixed"
	ModeRandom Mode = "random"
	ModeCustom Mode = "custom"
)

// Policy returns the delay before the next dispatch
type Policy interface {
	Next() time.Duration
}

// Fixed always returns the same delay
type Fixed time.Duration

func (f Fixed) Next() time.Duration {
	return time.Duration(f)
}

// Random samples uniformly from [Min, Max] on every call
type Random struct {
	min time.Duration
	max time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandom creates a random policy. A nil src seeds from the clock.
func NewRandom(min, max time.Duration, src rand.Source) (*Random, error) {
	if min < 0 || max < min {
		return nil, fmt.Errorf("invalid random range [%s, %s]", min, max)
	}
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Random{min: min, max: max, rnd: rand.New(src)}, nil
}

func (r *Random) Next() time.Duration {
	if r.max == r.min {
		return r.min
	}

	r.mu.Lock()
	n := r.rnd.Int63n(int64(r.max-r.min) + 1)
	r.mu.Unlock()

	return r.min + time.Duration(n)
}

// Custom is a user supplied delay that never drops below a floor
type Custom struct {
	Delay time.Duration
	Floor time.Duration
}

func (c Custom) Next() time.Duration {
	floor := c.Floor
	if floor <= 0 {
		floor = DefaultFloor
	}
	if c.Delay < floor {
		return floor
	}
	return c.Delay
}

// Config describes a policy
type Config struct {
	Mode  Mode
	Delay time.Duration
	Min   time.Duration
	Max   time.Duration
	Floor time.Duration
}

// New builds the policy described by cfg. src is only used by ModeRandom.
func New(cfg Config, src rand.Source) (Policy, error) {
	switch cfg.Mode {
	case ModeFixed, "":
		if cfg.Delay < 0 {
			return nil, fmt.Errorf("fixed delay must not be negative")
		}
		return Fixed(cfg.Delay), nil
	case ModeRandom:
		return NewRandom(cfg.Min, cfg.Max, src)
	case ModeCustom:
		return Custom{Delay: cfg.Delay, Floor: cfg.Floor}, nil
	default:
		return nil, fmt.Errorf("unknown pacing mode: %s", cfg.Mode)
	}
}
