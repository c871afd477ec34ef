package campaign

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a campaign id is not in the store
	ErrNotFound = errors.New("campaign not found")

	// ErrUnknownRecipient is returned when an identifier is not part of the campaign
	ErrUnknownRecipient = errors.New("recipient not in campaign")

	// ErrInvalidTransition is returned for any status change that does not start at Pending
	ErrInvalidTransition = errors.New("invalid recipient status transition")
)

// Status is the delivery status of a single recipient
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// IsTerminal reports whether the status can no longer change
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed:
		return true
	}
	return false
}

// Type records how the recipient list of a campaign was derived
type Type string

const (
	TypeSheetBased Type = "sheet"
	TypeGroupBased Type = "group"
)

// Valid reports whether t is a known campaign type
func (t Type) Valid() bool {
	return t == TypeSheetBased || t == TypeGroupBased
}

// ContactStatus is one recipient of a campaign and its delivery status
type ContactStatus struct {
	Identifier string            `json:"identifier"`
	Name       string            `json:"name,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`
	Message    string            `json:"message,omitempty"` // Pre-rendered body, wins over the template
	Status     Status            `json:"status"`
	UpdatedAt  time.Time         `json:"updated_at,omitempty"`
}

// Campaign is one bulk-send job over a fixed, ordered recipient list
type Campaign struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Type            Type              `json:"type"`
	MessageTemplate string            `json:"message_template"`
	Variables       map[string]string `json:"variables,omitempty"`
	AttachmentRef   string            `json:"attachment_ref,omitempty"`
	Recipients      []ContactStatus   `json:"recipients"`

	TotalCount  int `json:"total_count"`
	SentCount   int `json:"sent_count"`
	FailedCount int `json:"failed_count"`

	IsRunning bool   `json:"is_running"`
	IsStopped bool   `json:"is_stopped"`
	LastError string `json:"last_error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Progress is the projection of a campaign shown to users
type Progress struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
	Total   int `json:"total"`
}

// Recount recomputes the cached counters from the recipient statuses
func (c *Campaign) Recount() {
	c.TotalCount = len(c.Recipients)
	c.SentCount = 0
	c.FailedCount = 0
	for _, r := range c.Recipients {
		switch r.Status {
		case StatusSent:
			c.SentCount++
		case StatusFailed:
			c.FailedCount++
		}
	}
}

// PendingCount returns the number of recipients still in Pending
func (c *Campaign) PendingCount() int {
	n := 0
	for _, r := range c.Recipients {
		if r.Status == StatusPending {
			n++
		}
	}
	return n
}

// Progress returns the sent/failed/pending/total projection
func (c *Campaign) Progress() Progress {
	return Progress{
		Sent:    c.SentCount,
		Failed:  c.FailedCount,
		Pending: c.PendingCount(),
		Total:   c.TotalCount,
	}
}

// NextPending returns the index of the first Pending recipient, or -1
func (c *Campaign) NextPending() int {
	for i, r := range c.Recipients {
		if r.Status == StatusPending {
			return i
		}
	}
	return -1
}

// HasPendingAfter reports whether any recipient after index i is still Pending
func (c *Campaign) HasPendingAfter(i int) bool {
	for j := i + 1; j < len(c.Recipients); j++ {
		if c.Recipients[j].Status == StatusPending {
			return true
		}
	}
	return false
}

// Finished reports whether the campaign has no pending recipients and is not running
func (c *Campaign) Finished() bool {
	return !c.IsRunning && c.PendingCount() == 0
}

// Recipient returns the recipient with the given identifier
func (c *Campaign) Recipient(identifier string) (*ContactStatus, bool) {
	for i := range c.Recipients {
		if c.Recipients[i].Identifier == identifier {
			return &c.Recipients[i], true
		}
	}
	return nil, false
}

// Transition moves a Pending recipient to a terminal status and updates counters
func (c *Campaign) Transition(identifier string, to Status, at time.Time) error {
	if !to.IsTerminal() {
		return ErrInvalidTransition
	}
	r, ok := c.Recipient(identifier)
	if !ok {
		return ErrUnknownRecipient
	}
	if r.Status != StatusPending {
		return ErrInvalidTransition
	}
	r.Status = to
	r.UpdatedAt = at
	c.Recount()
	return nil
}

// ListFilter represents filter options for listing campaigns
type ListFilter struct {
	Running *bool
	Limit   int
	Offset  int
}
