package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karsvo/journey/internal/contacts"
	"github.com/karsvo/journey/internal/expressions"
	"github.com/karsvo/journey/internal/gateway"
	"github.com/karsvo/journey/internal/store"
	"github.com/karsvo/journey/internal/validation"
	"github.com/karsvo/journey/pkg/schema"
)

// fakeClock is a mutable time source shared by the coordinator and tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// scriptedSender returns scripted results in order, then succeeds. It records
// every request it sees.
type scriptedSender struct {
	mu      sync.Mutex
	typ     string
	results []gateway.Result
	calls   []gateway.Request
}

func (s *scriptedSender) ActionType() string { return s.typ }

func (s *scriptedSender) Send(ctx context.Context, req gateway.Request) (*gateway.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if len(s.results) > 0 {
		r := s.results[0]
		s.results = s.results[1:]
		return &r, nil
	}
	return &gateway.Result{Status: schema.ActionSuccess}, nil
}

func (s *scriptedSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *scriptedSender) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.IdempotencyKey
	}
	return out
}

type fixture struct {
	store    *store.LibSQLStore
	registry *gateway.Registry
	engines  *expressions.Engines
	provider *contacts.StaticProvider
	defs     *Definitions
	coord    *Coordinator
	clock    *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})

	registry := gateway.NewRegistry()
	engines, err := expressions.NewEngines()
	require.NoError(t, err)

	validator, err := validation.NewGraphValidator(registry, engines)
	require.NoError(t, err)

	clock := newFakeClock()
	provider := contacts.NewStaticProvider()

	f := &fixture{
		store:    s,
		registry: registry,
		engines:  engines,
		provider: provider,
		defs:     NewDefinitions(s, validator, nil),
		clock:    clock,
	}
	f.defs.nowFn = clock.Now
	f.coord = NewCoordinator(s, gateway.New(registry), engines, provider,
		WithClock(clock.Now),
		WithRetryBudget(DefaultMaxAttempts, time.Millisecond, 5*time.Millisecond),
	)
	return f
}

func (f *fixture) sender(t *testing.T, actionType string, results ...gateway.Result) *scriptedSender {
	t.Helper()
	s := &scriptedSender{typ: actionType, results: results}
	require.NoError(t, f.registry.Register(s))
	return s
}

func (f *fixture) contact(id string, attrs map[string]any) *schema.Contact {
	c := &schema.Contact{ID: id, TenantID: "tenant-1", Attributes: attrs}
	f.provider.Put(c)
	return c
}

func (f *fixture) activate(t *testing.T, trigger schema.TriggerSpec, reentry schema.ReentryPolicy, g schema.Graph) *store.Definition {
	t.Helper()
	ctx := context.Background()
	def, err := f.defs.Create(ctx, "tenant-1", "test-flow", trigger, reentry, g)
	require.NoError(t, err)
	def, err = f.defs.Activate(ctx, def.ID)
	require.NoError(t, err)
	return def
}

func (f *fixture) flowState(t *testing.T, executionID string) *store.ContactFlowState {
	t.Helper()
	states, err := f.store.ListStatesByExecution(context.Background(), executionID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	return states[0]
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func tagTrigger() schema.TriggerSpec {
	return schema.TriggerSpec{Type: schema.TriggerTagAdded}
}

// linearEmailGraph is trigger -> send_email -> exit.
func linearEmailGraph() schema.Graph {
	return schema.Graph{
		Nodes: []schema.Node{
			{ID: "email", Type: schema.NodeTypeAction, ActionType: "send_email"},
			{ID: "done", Type: schema.NodeTypeExit},
		},
		Edges: []schema.Edge{
			{SourceNode: "email", TargetNode: "done", Label: "default"},
		},
	}
}

func TestEnrollAndProcessLinearFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sender := f.sender(t, "send_email")
	def := f.activate(t, tagTrigger(), schema.ReentrySkip, linearEmailGraph())
	contact := f.contact("contact-1", map[string]any{"tier": "vip"})

	exec, err := f.coord.Enroll(ctx, def.ID, contact, map[string]any{"tag": "beta"}, "evt-1")
	require.NoError(t, err)
	require.NotNil(t, exec)

	st := f.flowState(t, exec.ID)
	assert.Equal(t, schema.FlowStatePending, st.Status)
	assert.Equal(t, "email", st.CurrentNodeID)
	assert.EqualValues(t, 0, st.Version)

	require.NoError(t, f.coord.Process(ctx, st.ID))

	st = f.flowState(t, exec.ID)
	assert.Equal(t, schema.FlowStateExited, st.Status)
	assert.Equal(t, []string{"email", "done"}, st.VisitedNodes)
	// Claim + two node visits: version moved by exactly one per persisted hop.
	assert.EqualValues(t, 3, st.Version)

	assert.Equal(t, 1, sender.callCount())

	entries, err := f.store.ListLogEntries(ctx, store.LogFilter{ExecutionID: exec.ID})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "email", entries[0].NodeID)
	assert.Equal(t, schema.OutcomeSuccess, entries[0].Outcome)
	assert.Equal(t, IdempotencyKey(exec.ID, "email", contact.ID), entries[0].IdempotencyKey)
	assert.Equal(t, "done", entries[1].NodeID)

	got, err := f.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestWaitSuspendsAndSchedulerResumes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sender := f.sender(t, "send_email")

	g := schema.Graph{
		Nodes: []schema.Node{
			{ID: "pause", Type: schema.NodeTypeWait, Config: raw(t, schema.WaitConfig{Duration: "24h"})},
			{ID: "email", Type: schema.NodeTypeAction, ActionType: "send_email"},
			{ID: "done", Type: schema.NodeTypeExit},
		},
		Edges: []schema.Edge{
			{SourceNode: "pause", TargetNode: "email", Label: "default"},
			{SourceNode: "email", TargetNode: "done", Label: "default"},
		},
	}
	def := f.activate(t, tagTrigger(), schema.ReentrySkip, g)
	contact := f.contact("contact-1", nil)

	exec, err := f.coord.Enroll(ctx, def.ID, contact, nil, "")
	require.NoError(t, err)
	st := f.flowState(t, exec.ID)

	require.NoError(t, f.coord.Process(ctx, st.ID))

	st = f.flowState(t, exec.ID)
	require.Equal(t, schema.FlowStateWaiting, st.Status)
	require.NotNil(t, st.WaitUntil)
	assert.WithinDuration(t, f.clock.Now().Add(24*time.Hour), *st.WaitUntil, time.Second)
	assert.Equal(t, "email", st.CurrentNodeID, "cursor advances past the wait before suspending")
	assert.Equal(t, 0, sender.callCount())

	// Still early: processing is a no-op.
	f.clock.Advance(12 * time.Hour)
	require.NoError(t, f.coord.Process(ctx, st.ID))
	assert.Equal(t, schema.FlowStateWaiting, f.flowState(t, exec.ID).Status)

	// Past the wait: the sweep query surfaces it and process resumes.
	f.clock.Advance(13 * time.Hour)
	due, err := f.store.ListDueWaiting(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, f.coord.Process(ctx, due[0].ID))

	st = f.flowState(t, exec.ID)
	assert.Equal(t, schema.FlowStateExited, st.Status)
	assert.Equal(t, 1, sender.callCount())

	emailEntries, err := f.store.ListLogEntries(ctx, store.LogFilter{ExecutionID: exec.ID, NodeID: "email"})
	require.NoError(t, err)
	assert.Len(t, emailEntries, 1, "exactly one send_email entry")
}

func TestActionRetryReusesIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sender := f.sender(t, "send_email",
		gateway.Result{Status: schema.ActionRetryableFailure, Detail: "503"},
		gateway.Result{Status: schema.ActionRetryableFailure, Detail: "503"},
	)
	def := f.activate(t, tagTrigger(), schema.ReentrySkip, linearEmailGraph())
	contact := f.contact("contact-1", nil)

	exec, err := f.coord.Enroll(ctx, def.ID, contact, nil, "")
	require.NoError(t, err)
	require.NoError(t, f.coord.Process(ctx, f.flowState(t, exec.ID).ID))

	require.Equal(t, 3, sender.callCount(), "two transient failures then success")
	keys := sender.keys()
	for _, k := range keys[1:] {
		assert.Equal(t, keys[0], k, "every retry carries the identical idempotency key")
	}
	assert.Equal(t, IdempotencyKey(exec.ID, "email", contact.ID), keys[0])

	assert.Equal(t, schema.FlowStateExited, f.flowState(t, exec.ID).Status)
}

func TestActionRetriesExhaustedFailsState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var results []gateway.Result
	for i := 0; i < DefaultMaxAttempts; i++ {
		results = append(results, gateway.Result{Status: schema.ActionRetryableFailure, Detail: "503"})
	}
	sender := f.sender(t, "send_email", results...)
	def := f.activate(t, tagTrigger(), schema.ReentrySkip, linearEmailGraph())
	contact := f.contact("contact-1", nil)

	exec, err := f.coord.Enroll(ctx, def.ID, contact, nil, "")
	require.NoError(t, err)
	require.NoError(t, f.coord.Process(ctx, f.flowState(t, exec.ID).ID))

	assert.Equal(t, DefaultMaxAttempts, sender.callCount())

	st := f.flowState(t, exec.ID)
	assert.Equal(t, schema.FlowStateFailed, st.Status)

	entries, err := f.store.ListLogEntries(ctx, store.LogFilter{ExecutionID: exec.ID, Outcome: schema.OutcomeFailure})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Detail, "retries exhausted")

	got, err := f.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, got.Status)
}

func TestActionOnFailureContinue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sender(t, "send_email", gateway.Result{Status: schema.ActionFailure, Detail: "bounced"})

	g := linearEmailGraph()
	g.Nodes[0].Config = raw(t, schema.ActionConfig{OnFailure: schema.OnFailureContinue})
	def := f.activate(t, tagTrigger(), schema.ReentrySkip, g)
	contact := f.contact("contact-1", nil)

	exec, err := f.coord.Enroll(ctx, def.ID, contact, nil, "")
	require.NoError(t, err)
	require.NoError(t, f.coord.Process(ctx, f.flowState(t, exec.ID).ID))

	st := f.flowState(t, exec.ID)
	assert.Equal(t, schema.FlowStateExited, st.Status, "continue policy advances despite the failure")

	entries, err := f.store.ListLogEntries(ctx, store.LogFilter{ExecutionID: exec.ID, NodeID: "email"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, schema.OutcomeFailure, entries[0].Outcome)
	assert.Equal(t, "bounced", entries[0].Detail)
}

func TestConditionBranching(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	vipSender := f.sender(t, "notify_user")
	basicSender := f.sender(t, "send_email")

	g := schema.Graph{
		Nodes: []schema.Node{
			{ID: "is_vip", Type: schema.NodeTypeCondition,
				Config: raw(t, schema.ConditionConfig{Predicate: schema.Predicate{Attribute: ".tier", Op: schema.OpEq, Value: "vip"}})},
			{ID: "vip_path", Type: schema.NodeTypeAction, ActionType: "notify_user"},
			{ID: "basic_path", Type: schema.NodeTypeAction, ActionType: "send_email"},
			{ID: "done", Type: schema.NodeTypeExit},
		},
		Edges: []schema.Edge{
			{SourceNode: "is_vip", TargetNode: "vip_path", Label: "yes"},
			{SourceNode: "is_vip", TargetNode: "basic_path", Label: "no"},
			{SourceNode: "vip_path", TargetNode: "done", Label: "default"},
			{SourceNode: "basic_path", TargetNode: "done", Label: "default"},
		},
	}
	def := f.activate(t, tagTrigger(), schema.ReentryQueueNew, g)

	vip := f.contact("vip-contact", map[string]any{"tier": "vip"})
	missing := f.contact("plain-contact", map[string]any{})

	execVIP, err := f.coord.Enroll(ctx, def.ID, vip, nil, "")
	require.NoError(t, err)
	require.NoError(t, f.coord.Process(ctx, f.flowState(t, execVIP.ID).ID))
	assert.Equal(t, 1, vipSender.callCount())
	assert.Equal(t, 0, basicSender.callCount())

	// Missing attribute data takes the no branch rather than failing.
	execMissing, err := f.coord.Enroll(ctx, def.ID, missing, nil, "")
	require.NoError(t, err)
	require.NoError(t, f.coord.Process(ctx, f.flowState(t, execMissing.ID).ID))
	assert.Equal(t, 1, basicSender.callCount())
	assert.Equal(t, schema.FlowStateExited, f.flowState(t, execMissing.ID).Status)
}

func TestConditionDefaultEdgeForMissingData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	yesSender := f.sender(t, "notify_user")
	noSender := f.sender(t, "send_email")
	defaultSender := f.sender(t, "create_task")

	g := schema.Graph{
		Nodes: []schema.Node{
			{ID: "is_vip", Type: schema.NodeTypeCondition,
				Config: raw(t, schema.ConditionConfig{Predicate: schema.Predicate{Attribute: ".tier", Op: schema.OpEq, Value: "vip"}})},
			{ID: "vip_path", Type: schema.NodeTypeAction, ActionType: "notify_user"},
			{ID: "basic_path", Type: schema.NodeTypeAction, ActionType: "send_email"},
			{ID: "unknown_path", Type: schema.NodeTypeAction, ActionType: "create_task"},
			{ID: "done", Type: schema.NodeTypeExit},
		},
		Edges: []schema.Edge{
			{SourceNode: "is_vip", TargetNode: "vip_path", Label: "yes"},
			{SourceNode: "is_vip", TargetNode: "basic_path", Label: "no"},
			{SourceNode: "is_vip", TargetNode: "unknown_path", Label: "default"},
			{SourceNode: "vip_path", TargetNode: "done", Label: "default"},
			{SourceNode: "basic_path", TargetNode: "done", Label: "default"},
			{SourceNode: "unknown_path", TargetNode: "done", Label: "default"},
		},
	}
	def := f.activate(t, tagTrigger(), schema.ReentryQueueNew, g)

	// No tier attribute at all: the default edge wins over the no branch.
	missing := f.contact("no-tier", map[string]any{"name": "Ada"})
	execMissing, err := f.coord.Enroll(ctx, def.ID, missing, nil, "")
	require.NoError(t, err)
	require.NoError(t, f.coord.Process(ctx, f.flowState(t, execMissing.ID).ID))
	assert.Equal(t, 1, defaultSender.callCount())
	assert.Equal(t, 0, noSender.callCount())

	// Tier present but not vip: an ordinary false, so the no branch.
	basic := f.contact("basic-tier", map[string]any{"tier": "basic"})
	execBasic, err := f.coord.Enroll(ctx, def.ID, basic, nil, "")
	require.NoError(t, err)
	require.NoError(t, f.coord.Process(ctx, f.flowState(t, execBasic.ID).ID))
	assert.Equal(t, 1, noSender.callCount())
	assert.Equal(t, 0, yesSender.callCount())
	assert.Equal(t, 1, defaultSender.callCount())
}

func TestSplitIsDeterministicPerContact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	aSender := f.sender(t, "send_email")
	bSender := f.sender(t, "send_sms")

	g := schema.Graph{
		Nodes: []schema.Node{
			{ID: "ab", Type: schema.NodeTypeSplit,
				Config: raw(t, schema.SplitConfig{Branches: []schema.SplitBranch{
					{Label: "a", Weight: 50}, {Label: "b", Weight: 50},
				}})},
			{ID: "email", Type: schema.NodeTypeAction, ActionType: "send_email"},
			{ID: "sms", Type: schema.NodeTypeAction, ActionType: "send_sms"},
			{ID: "done", Type: schema.NodeTypeExit},
		},
		Edges: []schema.Edge{
			{SourceNode: "ab", TargetNode: "email", Label: "a"},
			{SourceNode: "ab", TargetNode: "sms", Label: "b"},
			{SourceNode: "email", TargetNode: "done", Label: "default"},
			{SourceNode: "sms", TargetNode: "done", Label: "default"},
		},
	}
	def := f.activate(t, tagTrigger(), schema.ReentryQueueNew, g)
	contact := f.contact("contact-split", nil)

	const rounds = 5
	for i := 0; i < rounds; i++ {
		exec, err := f.coord.Enroll(ctx, def.ID, contact, nil, "")
		require.NoError(t, err)
		require.NoError(t, f.coord.Process(ctx, f.flowState(t, exec.ID).ID))
	}

	// All rounds land on the same branch, matching the stable hash.
	wantA := SplitBucket(contact.ID, "ab") < 50
	if wantA {
		assert.Equal(t, rounds, aSender.callCount())
		assert.Equal(t, 0, bSender.callCount())
	} else {
		assert.Equal(t, 0, aSender.callCount())
		assert.Equal(t, rounds, bSender.callCount())
	}
}

func TestGoalCompletesOrContinues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sender(t, "send_email")

	g := schema.Graph{
		Nodes: []schema.Node{
			{ID: "purchased", Type: schema.NodeTypeGoal,
				Config: raw(t, schema.GoalConfig{Predicate: schema.Predicate{Attribute: ".purchased", Op: schema.OpExists}})},
			{ID: "nudge", Type: schema.NodeTypeAction, ActionType: "send_email"},
			{ID: "done", Type: schema.NodeTypeExit},
		},
		Edges: []schema.Edge{
			{SourceNode: "purchased", TargetNode: "nudge", Label: "default"},
			{SourceNode: "nudge", TargetNode: "done", Label: "default"},
		},
	}
	def := f.activate(t, tagTrigger(), schema.ReentryQueueNew, g)

	buyer := f.contact("buyer", map[string]any{"purchased": true})
	execBuyer, err := f.coord.Enroll(ctx, def.ID, buyer, nil, "")
	require.NoError(t, err)
	require.NoError(t, f.coord.Process(ctx, f.flowState(t, execBuyer.ID).ID))
	assert.Equal(t, schema.FlowStateCompleted, f.flowState(t, execBuyer.ID).Status)

	window := f.contact("window-shopper", map[string]any{})
	execWindow, err := f.coord.Enroll(ctx, def.ID, window, nil, "")
	require.NoError(t, err)
	require.NoError(t, f.coord.Process(ctx, f.flowState(t, execWindow.ID).ID))
	assert.Equal(t, schema.FlowStateExited, f.flowState(t, execWindow.ID).Status)
}

func TestStepLimitForcesFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sender(t, "send_email")

	// A zero-wait cycle never passes activation, so freeze the snapshot
	// directly: the runtime cap is the last line of defense against a
	// corrupted or hand-written snapshot.
	g := schema.Graph{
		Nodes: []schema.Node{
			{ID: "start", Type: schema.NodeTypeAction, ActionType: "send_email"},
			{ID: "loop_a", Type: schema.NodeTypeAction, ActionType: "send_email"},
			{ID: "loop_b", Type: schema.NodeTypeAction, ActionType: "send_email"},
		},
		Edges: []schema.Edge{
			{SourceNode: "start", TargetNode: "loop_a", Label: "default"},
			{SourceNode: "loop_a", TargetNode: "loop_b", Label: "default"},
			{SourceNode: "loop_b", TargetNode: "loop_a", Label: "default"},
		},
	}

	def, err := f.defs.Create(ctx, "tenant-1", "looper", tagTrigger(), schema.ReentrySkip, g)
	require.NoError(t, err)
	require.NoError(t, f.store.SaveSnapshot(ctx, &store.GraphSnapshot{
		WorkflowID: def.ID, GraphVersion: def.GraphVersion, Graph: g,
	}))
	active := schema.DefinitionStatusActive
	require.NoError(t, f.store.UpdateDefinition(ctx, def.ID, store.DefinitionUpdate{Status: &active}))

	coord := NewCoordinator(f.store, gateway.New(f.registry), f.engines, f.provider,
		WithClock(f.clock.Now),
		WithMaxSteps(10),
		WithRetryBudget(1, time.Millisecond, time.Millisecond),
	)

	contact := f.contact("contact-1", nil)
	exec, err := coord.Enroll(ctx, def.ID, contact, nil, "")
	require.NoError(t, err)
	require.NoError(t, coord.Process(ctx, f.flowState(t, exec.ID).ID))

	st := f.flowState(t, exec.ID)
	assert.Equal(t, schema.FlowStateFailed, st.Status)

	failures, err := f.store.ListLogEntries(ctx, store.LogFilter{ExecutionID: exec.ID, Outcome: schema.OutcomeFailure})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Detail, "step limit exceeded")
}

// staleReadStore serves one flow state as if it were still unclaimed, so a
// processing pass built on the stale read must lose its claim CAS.
type staleReadStore struct {
	store.Store
	staleID string
}

func (s *staleReadStore) GetFlowState(ctx context.Context, id string) (*store.ContactFlowState, error) {
	st, err := s.Store.GetFlowState(ctx, id)
	if err == nil && id == s.staleID {
		st.Status = schema.FlowStatePending
		st.Version = 0
	}
	return st, err
}

func TestProcessLosesClaimRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sender := f.sender(t, "send_email")
	def := f.activate(t, tagTrigger(), schema.ReentrySkip, linearEmailGraph())
	contact := f.contact("contact-1", nil)

	exec, err := f.coord.Enroll(ctx, def.ID, contact, nil, "")
	require.NoError(t, err)
	st := f.flowState(t, exec.ID)

	// Another worker claims the state first.
	claimed := *st
	claimed.Status = schema.FlowStateProcessing
	require.NoError(t, f.store.UpdateFlowStateCAS(ctx, &claimed, 0))

	// A worker whose read predates the claim loses the CAS: it gets the
	// typed error and has performed no side effects.
	loser := NewCoordinator(&staleReadStore{Store: f.store, staleID: st.ID},
		gateway.New(f.registry), f.engines, f.provider, WithClock(f.clock.Now))
	err = loser.Process(ctx, st.ID)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConcurrentMod))
	assert.Equal(t, 0, sender.callCount())

	got := f.flowState(t, exec.ID)
	assert.Equal(t, schema.FlowStateProcessing, got.Status)
	assert.EqualValues(t, 1, got.Version)

	// A worker that reads the claimed status up front no-ops instead.
	require.NoError(t, f.coord.Process(ctx, st.ID))
	assert.Equal(t, 0, sender.callCount())
}

// failingExecStore rejects execution creation so enrollment fails after the
// ledger row is recorded.
type failingExecStore struct {
	store.Store
}

func (s *failingExecStore) CreateExecution(ctx context.Context, exec *store.Execution) error {
	return schema.NewError(schema.ErrCodeStore, "disk full")
}

func TestEnrollCompensatesLedgerOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sender(t, "send_email")
	def := f.activate(t, tagTrigger(), schema.ReentryQueueNew, linearEmailGraph())
	contact := f.contact("contact-1", nil)

	broken := NewCoordinator(&failingExecStore{Store: f.store},
		gateway.New(f.registry), f.engines, f.provider, WithClock(f.clock.Now))
	_, err := broken.Enroll(ctx, def.ID, contact, nil, "evt-99")
	require.Error(t, err)

	// The ledger row did not outlive the failed enrollment: a redelivery of
	// the same event enrolls normally instead of being suppressed.
	exec, err := f.coord.Enroll(ctx, def.ID, contact, nil, "evt-99")
	require.NoError(t, err)
	require.NotNil(t, exec)
}

func TestCancelExitsNonTerminalStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sender(t, "send_email")

	g := schema.Graph{
		Nodes: []schema.Node{
			{ID: "pause", Type: schema.NodeTypeWait, Config: raw(t, schema.WaitConfig{Duration: "1h"})},
			{ID: "email", Type: schema.NodeTypeAction, ActionType: "send_email"},
			{ID: "done", Type: schema.NodeTypeExit},
		},
		Edges: []schema.Edge{
			{SourceNode: "pause", TargetNode: "email", Label: "default"},
			{SourceNode: "email", TargetNode: "done", Label: "default"},
		},
	}
	def := f.activate(t, tagTrigger(), schema.ReentrySkip, g)
	contact := f.contact("contact-1", nil)

	exec, err := f.coord.Enroll(ctx, def.ID, contact, nil, "")
	require.NoError(t, err)
	require.NoError(t, f.coord.Process(ctx, f.flowState(t, exec.ID).ID))
	require.Equal(t, schema.FlowStateWaiting, f.flowState(t, exec.ID).Status)

	require.NoError(t, f.coord.Cancel(ctx, exec.ID))

	st := f.flowState(t, exec.ID)
	assert.Equal(t, schema.FlowStateExited, st.Status)

	got, err := f.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCancelled, got.Status)

	// The elapsed wait no longer resumes.
	f.clock.Advance(2 * time.Hour)
	due, err := f.store.ListDueWaiting(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestReentryPolicies(t *testing.T) {
	ctx := context.Background()

	waitGraph := func() schema.Graph {
		return schema.Graph{
			Nodes: []schema.Node{
				{ID: "pause", Type: schema.NodeTypeWait, Config: json.RawMessage(`{"duration":"1h"}`)},
				{ID: "done", Type: schema.NodeTypeExit},
			},
			Edges: []schema.Edge{
				{SourceNode: "pause", TargetNode: "done", Label: "default"},
			},
		}
	}

	t.Run("skip ignores the second enrollment", func(t *testing.T) {
		f := newFixture(t)
		def := f.activate(t, tagTrigger(), schema.ReentrySkip, waitGraph())
		contact := f.contact("contact-1", nil)

		first, err := f.coord.Enroll(ctx, def.ID, contact, nil, "")
		require.NoError(t, err)
		require.NotNil(t, first)
		require.NoError(t, f.coord.Process(ctx, f.flowState(t, first.ID).ID))

		second, err := f.coord.Enroll(ctx, def.ID, contact, nil, "")
		require.NoError(t, err)
		assert.Nil(t, second)
	})

	t.Run("queue_new runs a second execution alongside", func(t *testing.T) {
		f := newFixture(t)
		def := f.activate(t, tagTrigger(), schema.ReentryQueueNew, waitGraph())
		contact := f.contact("contact-1", nil)

		first, err := f.coord.Enroll(ctx, def.ID, contact, nil, "")
		require.NoError(t, err)
		require.NoError(t, f.coord.Process(ctx, f.flowState(t, first.ID).ID))

		second, err := f.coord.Enroll(ctx, def.ID, contact, nil, "")
		require.NoError(t, err)
		require.NotNil(t, second)
		assert.NotEqual(t, first.ID, second.ID)

		states, err := f.store.ListNonTerminalStates(ctx, def.ID, contact.ID)
		require.NoError(t, err)
		assert.Len(t, states, 2)
	})

	t.Run("restart exits the old state and enrolls fresh", func(t *testing.T) {
		f := newFixture(t)
		def := f.activate(t, tagTrigger(), schema.ReentryRestart, waitGraph())
		contact := f.contact("contact-1", nil)

		first, err := f.coord.Enroll(ctx, def.ID, contact, nil, "")
		require.NoError(t, err)
		require.NoError(t, f.coord.Process(ctx, f.flowState(t, first.ID).ID))

		second, err := f.coord.Enroll(ctx, def.ID, contact, nil, "")
		require.NoError(t, err)
		require.NotNil(t, second)

		old := f.flowState(t, first.ID)
		assert.Equal(t, schema.FlowStateExited, old.Status)

		oldExec, err := f.store.GetExecution(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.ExecutionStatusCancelled, oldExec.Status)

		fresh := f.flowState(t, second.ID)
		assert.Equal(t, schema.FlowStatePending, fresh.Status)
	})
}

func TestEnrollmentLedgerDeduplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sender(t, "send_email")
	def := f.activate(t, tagTrigger(), schema.ReentryQueueNew, linearEmailGraph())
	contact := f.contact("contact-1", nil)

	first, err := f.coord.Enroll(ctx, def.ID, contact, nil, "evt-42")
	require.NoError(t, err)
	require.NotNil(t, first)

	// At-least-once delivery hands us the same event again.
	dup, err := f.coord.Enroll(ctx, def.ID, contact, nil, "evt-42")
	require.NoError(t, err)
	assert.Nil(t, dup)

	other, err := f.coord.Enroll(ctx, def.ID, contact, nil, "evt-43")
	require.NoError(t, err)
	assert.NotNil(t, other)
}

func TestGraphVersionPinning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	emailSender := f.sender(t, "send_email")
	smsSender := f.sender(t, "send_sms")

	g1 := schema.Graph{
		Nodes: []schema.Node{
			{ID: "pause", Type: schema.NodeTypeWait, Config: raw(t, schema.WaitConfig{Duration: "1h"})},
			{ID: "notify", Type: schema.NodeTypeAction, ActionType: "send_email"},
			{ID: "done", Type: schema.NodeTypeExit},
		},
		Edges: []schema.Edge{
			{SourceNode: "pause", TargetNode: "notify", Label: "default"},
			{SourceNode: "notify", TargetNode: "done", Label: "default"},
		},
	}
	def := f.activate(t, tagTrigger(), schema.ReentryQueueNew, g1)
	contact := f.contact("contact-1", nil)

	// Enroll on v1 and suspend at the wait.
	exec1, err := f.coord.Enroll(ctx, def.ID, contact, nil, "")
	require.NoError(t, err)
	assert.Equal(t, 1, exec1.GraphVersion)
	require.NoError(t, f.coord.Process(ctx, f.flowState(t, exec1.ID).ID))

	// Edit to v2 (sms instead of email) and re-activate.
	g2 := g1
	g2.Nodes = append([]schema.Node(nil), g1.Nodes...)
	g2.Nodes[1] = schema.Node{ID: "notify", Type: schema.NodeTypeAction, ActionType: "send_sms"}
	require.NoError(t, f.defs.Pause(ctx, def.ID))
	_, err = f.defs.UpdateGraph(ctx, def.ID, g2, nil)
	require.NoError(t, err)
	_, err = f.defs.Activate(ctx, def.ID)
	require.NoError(t, err)

	// The in-flight execution resumes on its pinned v1 graph.
	f.clock.Advance(2 * time.Hour)
	due, err := f.store.ListDueWaiting(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.NoError(t, f.coord.Process(ctx, due[0].ID))

	assert.Equal(t, 1, emailSender.callCount(), "v1 execution sends email")
	assert.Equal(t, 0, smsSender.callCount())

	// A fresh enrollment pins v2.
	exec2, err := f.coord.Enroll(ctx, def.ID, contact, nil, "")
	require.NoError(t, err)
	assert.Equal(t, 2, exec2.GraphVersion)
	require.NoError(t, f.coord.Process(ctx, f.flowState(t, exec2.ID).ID))

	f.clock.Advance(2 * time.Hour)
	due, err = f.store.ListDueWaiting(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.NoError(t, f.coord.Process(ctx, due[0].ID))

	assert.Equal(t, 1, emailSender.callCount())
	assert.Equal(t, 1, smsSender.callCount(), "v2 execution sends sms")
}

func TestEnrollRequiresActiveDefinition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sender(t, "send_email")

	def, err := f.defs.Create(ctx, "tenant-1", "draft-flow", tagTrigger(), schema.ReentrySkip, linearEmailGraph())
	require.NoError(t, err)

	contact := f.contact("contact-1", nil)
	_, err = f.coord.Enroll(ctx, def.ID, contact, nil, "")
	require.Error(t, err)
	jErr, ok := err.(*schema.JourneyError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeInvalidState, jErr.Code)
}

func TestActionParamsInterpolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sender := f.sender(t, "send_email")

	g := linearEmailGraph()
	g.Nodes[0].Config = raw(t, schema.ActionConfig{Params: map[string]any{
		"subject": "Hi ${{contact.first_name}}",
		"tag":     "${{payload.tag}}",
	}})
	def := f.activate(t, tagTrigger(), schema.ReentrySkip, g)
	contact := f.contact("contact-1", map[string]any{"first_name": "Ada"})

	exec, err := f.coord.Enroll(ctx, def.ID, contact, map[string]any{"tag": "beta"}, "")
	require.NoError(t, err)
	require.NoError(t, f.coord.Process(ctx, f.flowState(t, exec.ID).ID))

	require.Equal(t, 1, sender.callCount())
	sender.mu.Lock()
	params := sender.calls[0].Params
	sender.mu.Unlock()
	assert.Equal(t, "Hi Ada", params["subject"])
	assert.Equal(t, "beta", params["tag"])
}

func TestSplitBucketStable(t *testing.T) {
	b := SplitBucket("contact-1", "node-1")
	for i := 0; i < 10; i++ {
		assert.Equal(t, b, SplitBucket("contact-1", "node-1"))
	}
	assert.GreaterOrEqual(t, b, 0)
	assert.Less(t, b, 100)

	assert.NotEqual(t,
		fmt.Sprintf("%d-%d", SplitBucket("contact-1", "node-1"), SplitBucket("contact-1", "node-2")),
		fmt.Sprintf("%d-%d", SplitBucket("contact-2", "node-1"), SplitBucket("contact-2", "node-2")),
		"different contacts should generally land in different bucket pairs")
}

func TestIdempotencyKeyDerivation(t *testing.T) {
	k1 := IdempotencyKey("exec-1", "node-1", "contact-1")
	k2 := IdempotencyKey("exec-1", "node-1", "contact-1")
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 64)

	assert.NotEqual(t, k1, IdempotencyKey("exec-2", "node-1", "contact-1"))
	assert.NotEqual(t, k1, IdempotencyKey("exec-1", "node-2", "contact-1"))
	assert.NotEqual(t, k1, IdempotencyKey("exec-1", "node-1", "contact-2"))
}
