package trigger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karsvo/journey/internal/contacts"
	"github.com/karsvo/journey/internal/engine"
	"github.com/karsvo/journey/internal/expressions"
	"github.com/karsvo/journey/internal/gateway"
	"github.com/karsvo/journey/internal/store"
	"github.com/karsvo/journey/internal/validation"
	"github.com/karsvo/journey/pkg/schema"
)

type fixture struct {
	store      *store.LibSQLStore
	provider   *contacts.StaticProvider
	defs       *engine.Definitions
	dispatcher *Dispatcher
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })

	registry := gateway.NewRegistry()
	require.NoError(t, gateway.RegisterBuiltins(registry, nil))
	engines, err := expressions.NewEngines()
	require.NoError(t, err)
	validator, err := validation.NewGraphValidator(registry, engines)
	require.NoError(t, err)

	provider := contacts.NewStaticProvider()
	coord := engine.NewCoordinator(s, gateway.New(registry), engines, provider)

	return &fixture{
		store:      s,
		provider:   provider,
		defs:       engine.NewDefinitions(s, validator, nil),
		dispatcher: NewDispatcher(s, coord, provider, engines, opts...),
	}
}

func (f *fixture) activate(t *testing.T, name string, trigger schema.TriggerSpec) *store.Definition {
	t.Helper()
	ctx := context.Background()

	g := schema.Graph{
		Nodes: []schema.Node{
			{ID: "email", Type: schema.NodeTypeAction, ActionType: "send_email"},
			{ID: "done", Type: schema.NodeTypeExit},
		},
		Edges: []schema.Edge{
			{SourceNode: "email", TargetNode: "done", Label: "default"},
		},
	}
	def, err := f.defs.Create(ctx, "tenant-1", name, trigger, schema.ReentryQueueNew, g)
	require.NoError(t, err)
	def, err = f.defs.Activate(ctx, def.ID)
	require.NoError(t, err)
	return def
}

func TestHandleEventEnrollsMatchingDefinitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tagged := f.activate(t, "on-tag", schema.TriggerSpec{Type: schema.TriggerTagAdded})
	f.activate(t, "on-form", schema.TriggerSpec{Type: schema.TriggerFormSubmitted})

	f.provider.Put(&schema.Contact{ID: "contact-1", TenantID: "tenant-1"})

	res, err := f.dispatcher.HandleEvent(ctx, schema.DomainEvent{
		Type:      schema.TriggerTagAdded,
		TenantID:  "tenant-1",
		ContactID: "contact-1",
		Payload:   map[string]any{"tag": "beta"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matched)
	assert.Equal(t, 1, res.Enrolled)
	require.Len(t, res.Executions, 1)
	assert.Equal(t, tagged.ID, res.Executions[0].WorkflowID)

	// Inline processing ran the linear flow to its exit node.
	states, err := f.store.ListStatesByExecution(ctx, res.Executions[0].ID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, schema.FlowStateExited, states[0].Status)
}

func TestHandleEventAppliesTriggerFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.activate(t, "signup-only", schema.TriggerSpec{
		Type:   schema.TriggerFormSubmitted,
		Filter: &schema.Predicate{Attribute: ".form_id", Op: schema.OpEq, Value: "signup"},
	})
	f.provider.Put(&schema.Contact{ID: "contact-1", TenantID: "tenant-1"})

	res, err := f.dispatcher.HandleEvent(ctx, schema.DomainEvent{
		Type:      schema.TriggerFormSubmitted,
		TenantID:  "tenant-1",
		ContactID: "contact-1",
		Payload:   map[string]any{"form_id": "contact-us"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matched)
	assert.Equal(t, 0, res.Enrolled)
	assert.Equal(t, 1, res.Skipped)

	res, err = f.dispatcher.HandleEvent(ctx, schema.DomainEvent{
		Type:      schema.TriggerFormSubmitted,
		TenantID:  "tenant-1",
		ContactID: "contact-1",
		Payload:   map[string]any{"form_id": "signup"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enrolled)
}

func TestHandleEventExpressionFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.activate(t, "big-deals", schema.TriggerSpec{
		Type:   schema.TriggerDealStageChanged,
		Filter: &schema.Predicate{Expression: `payload.stage == "won" && payload.amount > 1000.0`},
	})
	f.provider.Put(&schema.Contact{ID: "contact-1", TenantID: "tenant-1"})

	res, err := f.dispatcher.HandleEvent(ctx, schema.DomainEvent{
		Type:      schema.TriggerDealStageChanged,
		TenantID:  "tenant-1",
		ContactID: "contact-1",
		Payload:   map[string]any{"stage": "won", "amount": 2500.0},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enrolled)

	res, err = f.dispatcher.HandleEvent(ctx, schema.DomainEvent{
		Type:      schema.TriggerDealStageChanged,
		TenantID:  "tenant-1",
		ContactID: "contact-1",
		Payload:   map[string]any{"stage": "lost", "amount": 2500.0},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Enrolled)
}

func TestHandleEventDeduplicatesByExternalID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.activate(t, "on-tag", schema.TriggerSpec{Type: schema.TriggerTagAdded})
	f.provider.Put(&schema.Contact{ID: "contact-1", TenantID: "tenant-1"})

	event := schema.DomainEvent{
		Type:            schema.TriggerTagAdded,
		TenantID:        "tenant-1",
		ContactID:       "contact-1",
		ExternalEventID: "evt-1",
	}

	res, err := f.dispatcher.HandleEvent(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enrolled)

	res, err = f.dispatcher.HandleEvent(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Enrolled)
	assert.Equal(t, 1, res.Skipped)
}

func TestHandleEventWithoutInlineProcessing(t *testing.T) {
	f := newFixture(t, WithoutInlineProcessing())
	ctx := context.Background()

	f.activate(t, "on-tag", schema.TriggerSpec{Type: schema.TriggerTagAdded})
	f.provider.Put(&schema.Contact{ID: "contact-1", TenantID: "tenant-1"})

	res, err := f.dispatcher.HandleEvent(ctx, schema.DomainEvent{
		Type:      schema.TriggerTagAdded,
		TenantID:  "tenant-1",
		ContactID: "contact-1",
	})
	require.NoError(t, err)
	require.Len(t, res.Executions, 1)

	states, err := f.store.ListStatesByExecution(ctx, res.Executions[0].ID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, schema.FlowStatePending, states[0].Status, "left for the sweeper")
}

func TestHandleEventValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.dispatcher.HandleEvent(ctx, schema.DomainEvent{ContactID: "contact-1"})
	require.Error(t, err)

	_, err = f.dispatcher.HandleEvent(ctx, schema.DomainEvent{Type: schema.TriggerTagAdded})
	require.Error(t, err)
}
