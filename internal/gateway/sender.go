package gateway

import (
	"context"

	"github.com/karsvo/journey/pkg/schema"
)

// Request is the uniform payload handed to a sender. The idempotency key is
// stable across retries of the same node visit so the sender can deduplicate.
type Request struct {
	ActionType     string         `json:"action_type"`
	Params         map[string]any `json:"params,omitempty"`
	Contact        *schema.Contact `json:"contact"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// Result is a sender's verdict on one delivery attempt.
type Result struct {
	Status schema.ActionStatus `json:"status"`
	Detail string              `json:"detail,omitempty"`
}

// Sender delivers one action type to the outside world. Implementations own
// their transport; the engine only requires an eventual
// success/failure/retryable_failure verdict.
type Sender interface {
	ActionType() string
	Send(ctx context.Context, req Request) (*Result, error)
}

// SenderRegistry manages lookup of registered senders.
type SenderRegistry interface {
	Register(sender Sender) error
	Get(actionType string) (Sender, error)
	Has(actionType string) bool
}
