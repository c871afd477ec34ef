// Package gateway hands single messages to the external chat application.
package gateway

import (
	"context"
	"errors"
)

// ErrUnavailable means the target application cannot be reached at all.
// It is a local precondition failure, not a per-recipient one.
var ErrUnavailable = errors.New("gateway unavailable")

// Request is one dispatch
type Request struct {
	CampaignID    string
	Identifier    string
	Message       string
	AttachmentRef string

	// Generation is the outcome register generation reset for this dispatch.
	// Confirmation agents that know it should write with SetFor.
	Generation uint64
}

// Gateway is a fire-and-forget sender. Dispatch returning nil says nothing
// about delivery; the result arrives later through the outcome register.
type Gateway interface {
	// Check is the pre-flight probe run once before a campaign starts
	Check(ctx context.Context) error

	Dispatch(ctx context.Context, req *Request) error
}
