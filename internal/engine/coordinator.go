package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/karsvo/journey/internal/contacts"
	"github.com/karsvo/journey/internal/expressions"
	"github.com/karsvo/journey/internal/gateway"
	"github.com/karsvo/journey/internal/graph"
	"github.com/karsvo/journey/internal/logging"
	"github.com/karsvo/journey/internal/store"
	"github.com/karsvo/journey/pkg/schema"
)

// MaxSteps caps node visits within one processing pass. Graphs that loop
// without reaching a wait or terminal node trip the cap and the state is
// forced to FAILED.
const MaxSteps = 500

// Coordinator drives contacts through pinned workflow graphs. All state
// mutations go through the store's CAS; a Coordinator holds no per-contact
// state of its own and any number of instances may run concurrently.
type Coordinator struct {
	store        store.Store
	gateway      *gateway.Gateway
	engines      *expressions.Engines
	interpolator *expressions.Interpolator
	provider     contacts.AttributeProvider
	logger       *slog.Logger
	nowFn        func() time.Time

	maxSteps    int
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration

	mu     sync.RWMutex
	pinned map[pinKey]*graph.Pinned
}

type pinKey struct {
	workflowID   string
	graphVersion int
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the time source, used by tests to advance waits.
func WithClock(nowFn func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		if nowFn != nil {
			c.nowFn = nowFn
		}
	}
}

// WithMaxSteps overrides the per-pass step cap.
func WithMaxSteps(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxSteps = n
		}
	}
}

// WithRetryBudget overrides the gateway retry parameters.
func WithRetryBudget(maxAttempts int, base, cap time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		if base > 0 {
			c.backoffBase = base
		}
		if cap > 0 {
			c.backoffCap = cap
		}
	}
}

// NewCoordinator wires a Coordinator over its collaborators.
func NewCoordinator(st store.Store, gw *gateway.Gateway, engines *expressions.Engines, provider contacts.AttributeProvider, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:        st,
		gateway:      gw,
		engines:      engines,
		interpolator: expressions.NewInterpolator(),
		provider:     provider,
		logger:       slog.Default(),
		nowFn:        time.Now,
		maxSteps:     MaxSteps,
		maxAttempts:  DefaultMaxAttempts,
		backoffBase:  DefaultBackoffBase,
		backoffCap:   DefaultBackoffCap,
		pinned:       make(map[pinKey]*graph.Pinned),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enroll admits a contact into an active workflow: re-entry policy first,
// then the enrollment ledger for event deduplication, then a fresh Execution
// with a PENDING flow state at the pinned graph's entry node.
//
// A nil Execution with a nil error means the enrollment was deliberately not
// created (re-entry skip, or a duplicate external event).
func (c *Coordinator) Enroll(ctx context.Context, workflowID string, contact *schema.Contact, payload map[string]any, externalEventID string) (*store.Execution, error) {
	if contact == nil || contact.ID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "contact is required")
	}

	def, err := c.store.GetDefinition(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if def.Status != schema.DefinitionStatusActive {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState,
			"workflow %s is %s, only active workflows accept enrollments", workflowID, def.Status)
	}

	ctx = logging.WithIDs(ctx, workflowID, "", contact.ID)
	log := logging.LogWith(ctx, c.logger)

	existing, err := c.store.ListNonTerminalStates(ctx, workflowID, contact.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		switch def.Reentry {
		case schema.ReentryQueueNew:
			// A second execution runs alongside the first.
		case schema.ReentryRestart:
			if err := c.exitStates(ctx, existing, "restarted by re-enrollment"); err != nil {
				return nil, err
			}
			now := c.nowFn()
			cancelled := schema.ExecutionStatusCancelled
			for _, st := range existing {
				if err := c.store.UpdateExecution(ctx, st.ExecutionID, store.ExecutionUpdate{
					Status:      &cancelled,
					CompletedAt: &now,
				}); err != nil {
					return nil, err
				}
			}
		default: // skip
			log.Info("enrollment skipped, contact already in workflow",
				"reentry_policy", string(schema.ReentrySkip))
			return nil, nil
		}
	}

	pinned, err := c.pinnedGraph(ctx, workflowID, def.GraphVersion)
	if err != nil {
		return nil, err
	}

	if externalEventID != "" {
		fresh, err := c.store.RecordEnrollment(ctx, workflowID, def.GraphVersion, contact.ID, externalEventID)
		if err != nil {
			return nil, err
		}
		if !fresh {
			log.Info("enrollment deduplicated", "external_event_id", externalEventID)
			return nil, nil
		}
	}

	now := c.nowFn()
	exec := &store.Execution{
		ID:             uuid.NewString(),
		WorkflowID:     workflowID,
		TenantID:       def.TenantID,
		GraphVersion:   def.GraphVersion,
		Status:         schema.ExecutionStatusRunning,
		TriggerPayload: payload,
		StartedAt:      now,
	}
	if err := c.store.CreateExecution(ctx, exec); err != nil {
		c.unrecordEnrollment(ctx, workflowID, def.GraphVersion, contact.ID, externalEventID)
		return nil, err
	}

	st := &store.ContactFlowState{
		ID:            uuid.NewString(),
		ExecutionID:   exec.ID,
		WorkflowID:    workflowID,
		TenantID:      def.TenantID,
		ContactID:     contact.ID,
		CurrentNodeID: pinned.Entry(),
		Status:        schema.FlowStatePending,
		Version:       0,
		EnteredAt:     now,
		UpdatedAt:     now,
	}
	if err := c.store.CreateFlowState(ctx, st); err != nil {
		c.unrecordEnrollment(ctx, workflowID, def.GraphVersion, contact.ID, externalEventID)
		return nil, err
	}

	log.Info("contact enrolled",
		"execution_id", exec.ID,
		"flow_state_id", st.ID,
		"graph_version", def.GraphVersion,
		"entry_node", pinned.Entry())
	return exec, nil
}

// unrecordEnrollment compensates a won ledger row when the enrollment could
// not be completed. A ghost row would otherwise suppress redelivery of the
// external event forever.
func (c *Coordinator) unrecordEnrollment(ctx context.Context, workflowID string, graphVersion int, contactID, externalEventID string) {
	if externalEventID == "" {
		return
	}
	if err := c.store.DeleteEnrollment(ctx, workflowID, graphVersion, contactID, externalEventID); err != nil {
		c.logger.Error("enrollment ledger row left behind",
			"workflow_id", workflowID,
			"contact_id", contactID,
			"external_event_id", externalEventID,
			"error", err)
	}
}

// Process claims a PENDING or due WAITING flow state via CAS and runs the
// interpretation loop until the contact suspends, terminates, or trips the
// step cap. A lost claim race returns a CONCURRENT_MODIFICATION error with no
// side effects performed; dispatch layers absorb it, since the winning worker
// covers the pass.
func (c *Coordinator) Process(ctx context.Context, flowStateID string) error {
	st, err := c.store.GetFlowState(ctx, flowStateID)
	if err != nil {
		return err
	}

	if !st.Status.Claimable() {
		return nil
	}
	now := c.nowFn()
	if st.Status == schema.FlowStateWaiting && st.WaitUntil != nil && st.WaitUntil.After(now) {
		return nil
	}

	ctx = logging.WithIDs(ctx, st.WorkflowID, st.ExecutionID, st.ContactID)
	log := logging.LogWith(ctx, c.logger).With("flow_state_id", st.ID)

	// Claim ownership. Exactly one worker survives this CAS.
	st.Status = schema.FlowStateProcessing
	st.WaitUntil = nil
	if err := c.store.UpdateFlowStateCAS(ctx, st, st.Version); err != nil {
		if schema.HasCode(err, schema.ErrCodeConcurrentMod) {
			log.Debug("lost claim race, another worker owns the state")
		}
		return err
	}

	exec, err := c.store.GetExecution(ctx, st.ExecutionID)
	if err != nil {
		return err
	}

	pinned, err := c.pinnedGraph(ctx, st.WorkflowID, exec.GraphVersion)
	if err != nil {
		return c.failState(ctx, st, exec, st.CurrentNodeID, err.Error())
	}

	it := &interpreter{
		gateway:      c.gateway,
		engines:      c.engines,
		interpolator: c.interpolator,
		maxAttempts:  c.maxAttempts,
		backoffBase:  c.backoffBase,
		backoffCap:   c.backoffCap,
		nowFn:        c.nowFn,
	}

	for steps := 0; ; steps++ {
		if steps >= c.maxSteps {
			return c.failState(ctx, st, exec, st.CurrentNodeID, "step limit exceeded")
		}

		node := pinned.Node(st.CurrentNodeID)
		if node == nil {
			return c.failState(ctx, st, exec, st.CurrentNodeID, "node missing from pinned graph")
		}

		// Attributes are re-read on every visit; predicates always see the
		// provider's current snapshot.
		contact, err := c.provider.GetContact(ctx, st.TenantID, st.ContactID)
		if err != nil {
			return c.failState(ctx, st, exec, node.ID, "attribute provider: "+err.Error())
		}

		res, err := it.visit(ctx, pinned, node, contact, exec.TriggerPayload, exec.ID, st.ContactID)
		if err != nil {
			return c.failState(ctx, st, exec, node.ID, err.Error())
		}

		visitedNode := st.CurrentNodeID
		if res.nextNode != "" {
			st.CurrentNodeID = res.nextNode
		}
		st.VisitedNodes = append(st.VisitedNodes, visitedNode)
		st.Status = res.status
		st.WaitUntil = res.waitUntil

		if err := c.store.UpdateFlowStateCAS(ctx, st, st.Version); err != nil {
			// Ownership was stolen mid-pass (cancel racing in). Stop without
			// logging a visit that never persisted.
			if schema.HasCode(err, schema.ErrCodeConcurrentMod) {
				log.Warn("state changed under owner, aborting pass", "node_id", visitedNode)
				return nil
			}
			return err
		}

		c.appendLog(ctx, st, visitedNode, res.outcome, res.idempotencyKey, res.detail)

		switch {
		case res.terminal():
			log.Info("flow state finished",
				"status", string(res.status),
				"node_id", visitedNode,
				"steps", steps+1)
			return c.finishExecution(ctx, exec, res.status)

		case res.status == schema.FlowStateWaiting:
			log.Info("flow state suspended",
				"node_id", visitedNode,
				"wait_until", res.waitUntil)
			return nil
		}
	}
}

// Cancel transitions every non-terminal flow state of an execution to EXITED
// and marks the execution cancelled. In-flight owners lose their next CAS and
// stop.
func (c *Coordinator) Cancel(ctx context.Context, executionID string) error {
	exec, err := c.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != schema.ExecutionStatusRunning {
		return schema.NewErrorf(schema.ErrCodeInvalidState,
			"execution %s is %s and cannot be cancelled", executionID, exec.Status)
	}

	states, err := c.store.ListStatesByExecution(ctx, executionID)
	if err != nil {
		return err
	}

	var nonTerminal []*store.ContactFlowState
	for _, st := range states {
		if !st.Status.Terminal() {
			nonTerminal = append(nonTerminal, st)
		}
	}
	if err := c.exitStates(ctx, nonTerminal, "execution cancelled"); err != nil {
		return err
	}

	now := c.nowFn()
	cancelled := schema.ExecutionStatusCancelled
	if err := c.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		Status:      &cancelled,
		CompletedAt: &now,
	}); err != nil {
		return err
	}

	logging.LogWith(logging.WithIDs(ctx, exec.WorkflowID, executionID, ""), c.logger).
		Info("execution cancelled", "states_exited", len(nonTerminal))
	return nil
}

// exitStates CAS-transitions states to EXITED, re-reading once per state on
// a lost race and giving up if the state went terminal in the meantime.
func (c *Coordinator) exitStates(ctx context.Context, states []*store.ContactFlowState, detail string) error {
	for _, st := range states {
		for {
			st.Status = schema.FlowStateExited
			st.WaitUntil = nil
			err := c.store.UpdateFlowStateCAS(ctx, st, st.Version)
			if err == nil {
				c.appendLog(ctx, st, st.CurrentNodeID, schema.OutcomeSkipped, "", detail)
				break
			}
			if !schema.HasCode(err, schema.ErrCodeConcurrentMod) {
				return err
			}
			fresh, readErr := c.store.GetFlowState(ctx, st.ID)
			if readErr != nil {
				return readErr
			}
			if fresh.Status.Terminal() {
				break
			}
			st = fresh
		}
	}
	return nil
}

// failState forces a flow state to FAILED, logging the triggering node and
// detail so operators can diagnose it from the execution log.
func (c *Coordinator) failState(ctx context.Context, st *store.ContactFlowState, exec *store.Execution, nodeID, detail string) error {
	st.Status = schema.FlowStateFailed
	st.WaitUntil = nil
	if err := c.store.UpdateFlowStateCAS(ctx, st, st.Version); err != nil {
		if schema.HasCode(err, schema.ErrCodeConcurrentMod) {
			return nil
		}
		return err
	}
	c.appendLog(ctx, st, nodeID, schema.OutcomeFailure, "", detail)

	logging.LogWith(ctx, c.logger).Error("flow state failed",
		"flow_state_id", st.ID,
		"node_id", nodeID,
		"detail", detail)
	return c.finishExecution(ctx, exec, schema.FlowStateFailed)
}

// finishExecution resolves the execution status when all its states are
// terminal. With queue_new re-entry a workflow has one state per execution,
// so a terminal state ends its execution.
func (c *Coordinator) finishExecution(ctx context.Context, exec *store.Execution, last schema.FlowStateStatus) error {
	states, err := c.store.ListStatesByExecution(ctx, exec.ID)
	if err != nil {
		return err
	}
	for _, st := range states {
		if !st.Status.Terminal() {
			return nil
		}
	}

	status := schema.ExecutionStatusCompleted
	if last == schema.FlowStateFailed {
		status = schema.ExecutionStatusFailed
	}
	now := c.nowFn()
	return c.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:      &status,
		CompletedAt: &now,
	})
}

// appendLog writes one execution log entry; the log is best-effort relative
// to state transitions, a failed append never rolls back the CAS.
func (c *Coordinator) appendLog(ctx context.Context, st *store.ContactFlowState, nodeID string, outcome schema.LogOutcome, idempotencyKey, detail string) {
	entry := &store.LogEntry{
		FlowStateID:    st.ID,
		ExecutionID:    st.ExecutionID,
		NodeID:         nodeID,
		Outcome:        outcome,
		IdempotencyKey: idempotencyKey,
		Detail:         detail,
		OccurredAt:     c.nowFn(),
	}
	if err := c.store.AppendLogEntry(ctx, entry); err != nil {
		c.logger.Error("append log entry failed",
			"flow_state_id", st.ID,
			"node_id", nodeID,
			"error", err)
	}
}

// pinnedGraph loads (and caches) the immutable graph for a pinned version.
func (c *Coordinator) pinnedGraph(ctx context.Context, workflowID string, graphVersion int) (*graph.Pinned, error) {
	key := pinKey{workflowID, graphVersion}

	c.mu.RLock()
	if p, ok := c.pinned[key]; ok {
		c.mu.RUnlock()
		return p, nil
	}
	c.mu.RUnlock()

	snap, err := c.store.GetSnapshot(ctx, workflowID, graphVersion)
	if err != nil {
		return nil, err
	}
	p, err := graph.Build(workflowID, graphVersion, snap.Graph)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.pinned[key] = p
	c.mu.Unlock()
	return p, nil
}
