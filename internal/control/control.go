// Package control provides the pause/stop signals an external controller
// uses to steer a running campaign.
package control

import (
	"sync"
	"sync/atomic"
)

// Channel carries the paused and stop-requested flags of one campaign.
// All methods are safe for concurrent use.
type Channel struct {
	paused  atomic.Bool
	stopped atomic.Bool

	mu    sync.Mutex
	stopC chan struct{}
}

// NewChannel creates a channel with both flags cleared
func NewChannel() *Channel {
	return &Channel{stopC: make(chan struct{})}
}

// RequestStop sets the stop flag. Repeated calls are no-ops.
func (c *Channel) RequestStop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped.CompareAndSwap(false, true) {
		close(c.stopC)
	}
}

// IsStopRequested reports whether a stop was requested since the last Clear
func (c *Channel) IsStopRequested() bool {
	return c.stopped.Load()
}

// StopC returns a channel that is closed once a stop is requested.
// Callers must fetch it again after Clear.
func (c *Channel) StopC() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopC
}

func (c *Channel) Pause() {
	c.paused.Store(true)
}

// Resume clears the pause flag
func (c *Channel) Resume() {
	c.paused.Store(false)
}

func (c *Channel) IsPaused() bool {
	return c.paused.Load()
}

// Clear resets the stop flag at the start of a new run. Pause is left as is.
func (c *Channel) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped.CompareAndSwap(true, false) {
		c.stopC = make(chan struct{})
	}
}

// Registry hands out one Channel per campaign id
type Registry struct {
	mu       sync.Mutex
	channels map[string]*Channel
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]*Channel)}
}

// Get returns the channel for id, creating it on first use
func (r *Registry) Get(id string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[id]
	if !ok {
		ch = NewChannel()
		r.channels[id] = ch
	}
	return ch
}

// Lookup returns the channel for id if one exists
func (r *Registry) Lookup(id string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[id]
	return ch, ok
}

// Remove forgets the channel for id
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.channels, id)
	r.mu.Unlock()
}
