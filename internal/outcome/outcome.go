// Package outcome holds the single-slot confirmation cell shared between the
// dispatch engine and the external confirmation agent.
package outcome

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrStaleGeneration is returned by SetFor when the register was reset since the caller's dispatch
	ErrStaleGeneration = errors.New("stale outcome generation")

	// ErrInvalidOutcome is returned when a writer tries to store something other than success or failure
	ErrInvalidOutcome = errors.New("invalid outcome")
)

// Outcome is the result of the last dispatch as reported by the confirmation agent
type Outcome string

const (
	Unknown Outcome = "unknown"
	Success Outcome = "success"
	Failure Outcome = "failure"
)

// Parse converts a string into a writable outcome
func Parse(s string) (Outcome, error) {
	switch Outcome(s) {
	case Success, Failure:
		return Outcome(s), nil
	}
	return Unknown, fmt.Errorf("%w: %q", ErrInvalidOutcome, s)
}

// State is a snapshot of the register
type State struct {
	Generation uint64  `json:"generation"`
	Outcome    Outcome `json:"outcome"`
}

// Register is the process-wide outcome slot.
//
// The engine calls Reset before each dispatch and polls Get until the value
// leaves Unknown. Set is the unconditional write used by agents that do not
// know which dispatch they are answering, so a late confirmation can be
// attributed to the following dispatch. Agents that carry the generation
// returned by Reset should use SetFor.
type Register interface {
	Reset(ctx context.Context) (uint64, error)
	Get(ctx context.Context) (State, error)
	Set(ctx context.Context, o Outcome) error
	SetFor(ctx context.Context, generation uint64, o Outcome) error
}

func checkWritable(o Outcome) error {
	if o != Success && o != Failure {
		return fmt.Errorf("%w: %q", ErrInvalidOutcome, o)
	}
	return nil
}
