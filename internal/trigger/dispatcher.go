package trigger

import (
	"context"
	"log/slog"

	"github.com/karsvo/journey/internal/contacts"
	"github.com/karsvo/journey/internal/expressions"
	"github.com/karsvo/journey/internal/store"
	"github.com/karsvo/journey/pkg/schema"
)

// Enroller is the slice of the coordinator the dispatcher needs: start an
// execution for a matched definition and drive its flow state.
type Enroller interface {
	Enroll(ctx context.Context, workflowID string, contact *schema.Contact, payload map[string]any, externalEventID string) (*store.Execution, error)
	Process(ctx context.Context, flowStateID string) error
}

// Dispatcher fans a domain event out to every active definition whose trigger
// type matches and whose filter (if any) accepts the event payload.
type Dispatcher struct {
	store    store.Store
	enroller Enroller
	provider contacts.AttributeProvider
	engines  *expressions.Engines
	logger   *slog.Logger
	inline   bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithoutInlineProcessing leaves new enrollments PENDING for the sweeper
// instead of processing them on the event path.
func WithoutInlineProcessing() Option {
	return func(d *Dispatcher) { d.inline = false }
}

// NewDispatcher wires the event dispatcher.
func NewDispatcher(st store.Store, enroller Enroller, provider contacts.AttributeProvider, engines *expressions.Engines, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    st,
		enroller: enroller,
		provider: provider,
		engines:  engines,
		logger:   slog.Default(),
		inline:   true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Result summarizes one event dispatch.
type Result struct {
	Matched    int                `json:"matched"`
	Enrolled   int                `json:"enrolled"`
	Skipped    int                `json:"skipped"`
	Executions []*store.Execution `json:"executions,omitempty"`
}

// HandleEvent enrolls the event's contact into every matching active
// definition. A filter that rejects or errors skips that definition only;
// the event still reaches the rest. Re-entry policies and the enrollment
// ledger can also suppress individual enrollments.
func (d *Dispatcher) HandleEvent(ctx context.Context, event schema.DomainEvent) (*Result, error) {
	if event.Type == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "event type is required")
	}
	if event.ContactID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "event contact_id is required")
	}

	active := schema.DefinitionStatusActive
	defs, err := d.store.ListDefinitions(ctx, store.DefinitionFilter{
		TenantID:    event.TenantID,
		Status:      &active,
		TriggerType: event.Type,
	})
	if err != nil {
		return nil, err
	}

	contact, err := d.provider.GetContact(ctx, event.TenantID, event.ContactID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "attribute provider: %v", err).WithCause(err)
	}

	res := &Result{Matched: len(defs)}
	for _, def := range defs {
		if !d.filterAccepts(ctx, def, contact, event) {
			res.Skipped++
			continue
		}

		exec, err := d.enroller.Enroll(ctx, def.ID, contact, event.Payload, event.ExternalEventID)
		if err != nil {
			d.logger.Error("enrollment failed",
				"workflow_id", def.ID, "contact_id", contact.ID, "error", err)
			res.Skipped++
			continue
		}
		if exec == nil {
			// Suppressed by re-entry policy or the enrollment ledger.
			res.Skipped++
			continue
		}

		res.Enrolled++
		res.Executions = append(res.Executions, exec)

		if d.inline {
			d.processStates(ctx, exec.ID)
		}
	}

	d.logger.Debug("event dispatched",
		"type", event.Type, "contact_id", event.ContactID,
		"matched", res.Matched, "enrolled", res.Enrolled, "skipped", res.Skipped)
	return res, nil
}

// filterAccepts evaluates the definition's trigger filter against the event
// payload. No filter means every event of the matching type is accepted. An
// evaluation error skips the definition rather than failing the event.
func (d *Dispatcher) filterAccepts(ctx context.Context, def *store.Definition, contact *schema.Contact, event schema.DomainEvent) bool {
	if def.Trigger.Filter == nil {
		return true
	}

	scope := expressions.NewScope(contact, event.Payload, map[string]any{
		"workflow_id":   def.ID,
		"graph_version": def.GraphVersion,
	})
	verdict, err := d.engines.EvaluatePredicate(ctx, def.Trigger.Filter, scope, event.Payload)
	if err != nil {
		d.logger.Warn("trigger filter evaluation failed",
			"workflow_id", def.ID, "contact_id", contact.ID, "error", err)
		return false
	}
	return verdict.Hold
}

func (d *Dispatcher) processStates(ctx context.Context, executionID string) {
	states, err := d.store.ListStatesByExecution(ctx, executionID)
	if err != nil {
		d.logger.Error("list flow states failed", "execution_id", executionID, "error", err)
		return
	}
	for _, st := range states {
		err := d.enroller.Process(ctx, st.ID)
		switch {
		case err == nil:
		case schema.HasCode(err, schema.ErrCodeConcurrentMod):
			// A sweeper claimed the fresh state before we did.
			d.logger.Debug("flow state claimed elsewhere", "flow_state_id", st.ID)
		default:
			d.logger.Error("flow state processing failed",
				"flow_state_id", st.ID, "execution_id", executionID, "error", err)
		}
	}
}
