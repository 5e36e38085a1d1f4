package gateway

import (
	"context"
	"log/slog"

	"github.com/karsvo/journey/pkg/schema"
)

// Supported action types. Concrete delivery lives outside this module; the
// builtin senders acknowledge dispatch so workflows can be exercised end to
// end before real transports are plugged in.
const (
	ActionSendEmail     = "send_email"
	ActionSendSMS       = "send_sms"
	ActionAddTag        = "add_tag"
	ActionRemoveTag     = "remove_tag"
	ActionUpdateField   = "update_field"
	ActionCreateTask    = "create_task"
	ActionNotifyUser    = "notify_user"
	ActionWebhook       = "webhook"
	ActionAddToCampaign = "add_to_campaign"
)

// BuiltinActionTypes lists every action type with a builtin sender.
var BuiltinActionTypes = []string{
	ActionSendEmail,
	ActionSendSMS,
	ActionAddTag,
	ActionRemoveTag,
	ActionUpdateField,
	ActionCreateTask,
	ActionNotifyUser,
	ActionWebhook,
	ActionAddToCampaign,
}

// RegisterBuiltins fills a registry with the acknowledging sender for every
// builtin action type.
func RegisterBuiltins(r SenderRegistry, logger *slog.Logger) error {
	for _, actionType := range BuiltinActionTypes {
		if err := r.Register(&ackSender{actionType: actionType, logger: logger}); err != nil {
			return err
		}
	}
	return nil
}

// ackSender logs the dispatch and reports success. It deduplicates nothing
// itself; dispatch is already guarded by the caller's idempotency key.
type ackSender struct {
	actionType string
	logger     *slog.Logger
}

func (s *ackSender) ActionType() string { return s.actionType }

func (s *ackSender) Send(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	contactID := ""
	if req.Contact != nil {
		contactID = req.Contact.ID
	}
	if s.logger != nil {
		s.logger.Info("action acknowledged",
			"action_type", s.actionType,
			"contact_id", contactID,
			"idempotency_key", req.IdempotencyKey)
	}
	return &Result{Status: schema.ActionSuccess}, nil
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc struct {
	Type string
	Fn   func(ctx context.Context, req Request) (*Result, error)
}

func (s SenderFunc) ActionType() string { return s.Type }

func (s SenderFunc) Send(ctx context.Context, req Request) (*Result, error) {
	return s.Fn(ctx, req)
}
