package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/karsvo/journey/pkg/schema"
)

// DefaultTimeout bounds one sender call. A timeout is reported as a
// retryable failure so the calling worker can back off and retry with the
// same idempotency key.
const DefaultTimeout = 30 * time.Second

// Gateway is the uniform call surface in front of per-action-type senders.
type Gateway struct {
	registry SenderRegistry
	timeout  time.Duration
	logger   *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithTimeout overrides the per-call sender timeout.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// New creates a Gateway over a sender registry.
func New(registry SenderRegistry, opts ...Option) *Gateway {
	g := &Gateway{
		registry: registry,
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Execute dispatches one action to its sender under the gateway timeout.
// It always returns a Result; transport and sender errors are folded into
// the status so the interpreter has a single verdict to act on.
func (g *Gateway) Execute(ctx context.Context, req Request) *Result {
	sender, err := g.registry.Get(req.ActionType)
	if err != nil {
		// An unregistered action type cannot succeed on retry.
		return &Result{Status: schema.ActionFailure, Detail: err.Error()}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	result, err := sender.Send(callCtx, req)
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded):
		g.logger.Warn("action sender timed out",
			"action_type", req.ActionType,
			"idempotency_key", req.IdempotencyKey,
			"elapsed", elapsed)
		return &Result{Status: schema.ActionRetryableFailure, Detail: "sender timed out"}

	case err != nil:
		status := schema.ActionFailure
		var jErr *schema.JourneyError
		if errors.As(err, &jErr) && jErr.IsRetryable() {
			status = schema.ActionRetryableFailure
		}
		g.logger.Warn("action sender failed",
			"action_type", req.ActionType,
			"idempotency_key", req.IdempotencyKey,
			"status", status,
			"error", err)
		return &Result{Status: status, Detail: err.Error()}

	case result == nil:
		return &Result{Status: schema.ActionFailure, Detail: "sender returned no result"}
	}

	g.logger.Debug("action dispatched",
		"action_type", req.ActionType,
		"idempotency_key", req.IdempotencyKey,
		"status", result.Status,
		"elapsed", elapsed)
	return result
}
