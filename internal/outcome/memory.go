package outcome

import (
	"context"
	"sync"
)

// MemoryRegister keeps the slot in process memory
type MemoryRegister struct {
	mu    sync.Mutex
	state State
}

// NewMemoryRegister creates a register holding Unknown at generation 0
func NewMemoryRegister() *MemoryRegister {
	return &MemoryRegister{state: State{Outcome: Unknown}}
}

func (r *MemoryRegister) Reset(ctx context.Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state.Generation++
	r.state.Outcome = Unknown
	return r.state.Generation, nil
}

func (r *MemoryRegister) Get(ctx context.Context) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, nil
}

func (r *MemoryRegister) Set(ctx context.Context, o Outcome) error {
	if err := checkWritable(o); err != nil {
		return err
	}

	r.mu.Lock()
	r.state.Outcome = o
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegister) SetFor(ctx context.Context, generation uint64, o Outcome) error {
	if err := checkWritable(o); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if generation != r.state.Generation {
		return ErrStaleGeneration
	}
	r.state.Outcome = o
	return nil
}
