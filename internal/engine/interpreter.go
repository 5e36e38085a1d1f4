package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/karsvo/journey/internal/expressions"
	"github.com/karsvo/journey/internal/gateway"
	"github.com/karsvo/journey/internal/graph"
	"github.com/karsvo/journey/pkg/schema"
)

// stepResult is the interpreter's verdict on one node visit.
type stepResult struct {
	// nextNode is where the cursor moves. Empty on terminal transitions.
	nextNode string
	// status is the flow state's status after this visit. FlowStateProcessing
	// means the pass keeps going.
	status schema.FlowStateStatus
	// waitUntil is set when status is FlowStateWaiting.
	waitUntil *time.Time

	outcome        schema.LogOutcome
	idempotencyKey string
	detail         string
}

func (r *stepResult) terminal() bool {
	return r.status.Terminal()
}

// interpreter executes a single node against a pinned graph. It is stateless;
// all mutable state lives in the ContactFlowState the coordinator owns.
type interpreter struct {
	gateway      *gateway.Gateway
	engines      *expressions.Engines
	interpolator *expressions.Interpolator

	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
	nowFn       func() time.Time
}

// visit runs one node and reports how the flow state should change.
func (it *interpreter) visit(ctx context.Context, pinned *graph.Pinned, node *schema.Node, contact *schema.Contact, payload map[string]any, executionID, contactID string) (*stepResult, error) {
	scope := expressions.NewScope(contact, payload, map[string]any{
		"workflow_id":   pinned.WorkflowID,
		"graph_version": pinned.GraphVersion,
		"execution_id":  executionID,
	})

	switch node.Type {
	case schema.NodeTypeAction:
		return it.visitAction(ctx, pinned, node, scope, contact, executionID, contactID)
	case schema.NodeTypeCondition:
		return it.visitCondition(ctx, pinned, node, scope)
	case schema.NodeTypeWait:
		return it.visitWait(pinned, node)
	case schema.NodeTypeSplit:
		return it.visitSplit(pinned, node, contactID)
	case schema.NodeTypeGoal:
		return it.visitGoal(ctx, pinned, node, scope)
	case schema.NodeTypeExit:
		return &stepResult{
			status:  schema.FlowStateExited,
			outcome: schema.OutcomeSuccess,
			detail:  "reached exit node",
		}, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "unknown node type %q", node.Type).WithNode(node.ID)
	}
}

// visitAction dispatches through the gateway with bounded retries on
// retryable failures. The idempotency key is derived once per node visit and
// reused verbatim on every attempt.
func (it *interpreter) visitAction(ctx context.Context, pinned *graph.Pinned, node *schema.Node, scope *expressions.Scope, contact *schema.Contact, executionID, contactID string) (*stepResult, error) {
	var cfg schema.ActionConfig
	if len(node.Config) > 0 {
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"action config does not decode: %s", err.Error()).WithNode(node.ID).WithCause(err)
		}
	}

	key := IdempotencyKey(executionID, node.ID, contactID)

	params, err := it.renderParams(cfg.Params, scope)
	if err != nil {
		// A reference that cannot resolve is a permanent failure of this
		// visit, handled by the node's failure policy like any other.
		return it.resolveActionFailure(pinned, node, cfg.OnFailure, key, err.Error())
	}

	var result *gateway.Result
	for attempt := 0; attempt < it.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := WaitForBackoff(ctx, ComputeBackoff(it.backoffBase, it.backoffCap, attempt-1)); err != nil {
				return nil, schema.NewError(schema.ErrCodeCancelled, "cancelled during action backoff").
					WithNode(node.ID).WithCause(err)
			}
		}

		result = it.gateway.Execute(ctx, gateway.Request{
			ActionType:     node.ActionType,
			Params:         params,
			Contact:        contact,
			IdempotencyKey: key,
		})
		if result.Status != schema.ActionRetryableFailure {
			break
		}
	}

	if result.Status == schema.ActionSuccess {
		next, ok := pinned.Next(node.ID, schema.EdgeDefault)
		if !ok {
			return nil, missingEdge(node.ID, schema.EdgeDefault)
		}
		return &stepResult{
			nextNode:       next,
			status:         schema.FlowStateProcessing,
			outcome:        schema.OutcomeSuccess,
			idempotencyKey: key,
		}, nil
	}

	detail := result.Detail
	if result.Status == schema.ActionRetryableFailure {
		detail = fmt.Sprintf("retries exhausted after %d attempts: %s", it.maxAttempts, result.Detail)
	}
	return it.resolveActionFailure(pinned, node, cfg.OnFailure, key, detail)
}

// resolveActionFailure applies the node's on_failure policy to a permanent
// failure.
func (it *interpreter) resolveActionFailure(pinned *graph.Pinned, node *schema.Node, policy schema.OnFailurePolicy, key, detail string) (*stepResult, error) {
	if policy == schema.OnFailureContinue {
		next, ok := pinned.Next(node.ID, schema.EdgeDefault)
		if !ok {
			return nil, missingEdge(node.ID, schema.EdgeDefault)
		}
		return &stepResult{
			nextNode:       next,
			status:         schema.FlowStateProcessing,
			outcome:        schema.OutcomeFailure,
			idempotencyKey: key,
			detail:         detail,
		}, nil
	}

	return &stepResult{
		status:         schema.FlowStateFailed,
		outcome:        schema.OutcomeFailure,
		idempotencyKey: key,
		detail:         detail,
	}, nil
}

// renderParams interpolates ${{...}} references in action params against the
// evaluation scope.
func (it *interpreter) renderParams(params map[string]any, scope *expressions.Scope) (map[string]any, error) {
	if len(params) == 0 {
		return nil, nil
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "marshal action params").WithCause(err)
	}
	if !expressions.HasInterpolation(raw) {
		return params, nil
	}

	resolved, err := it.interpolator.Resolve(raw, scope)
	if err != nil {
		return nil, err
	}

	var out map[string]any
	if err := json.Unmarshal(resolved, &out); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"interpolated params are not valid JSON: %s", err.Error()).WithCause(err)
	}
	return out, nil
}

// visitCondition routes yes/no from the predicate. Contacts whose compared
// attribute is missing take the default edge when the graph has one,
// otherwise the no branch.
func (it *interpreter) visitCondition(ctx context.Context, pinned *graph.Pinned, node *schema.Node, scope *expressions.Scope) (*stepResult, error) {
	var cfg schema.ConditionConfig
	if err := decodeNodeConfig(node, &cfg); err != nil {
		return nil, err
	}

	verdict, err := it.engines.EvaluatePredicate(ctx, &cfg.Predicate, scope, scope.Contact)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"condition predicate failed: %s", err.Error()).WithNode(node.ID).WithCause(err)
	}

	label := schema.EdgeNo
	switch {
	case verdict.Hold:
		label = schema.EdgeYes
	case verdict.Missing:
		if _, ok := pinned.Next(node.ID, schema.EdgeDefault); ok {
			label = schema.EdgeDefault
		}
	}
	next, ok := pinned.Next(node.ID, label)
	if !ok {
		return nil, missingEdge(node.ID, label)
	}

	return &stepResult{
		nextNode: next,
		status:   schema.FlowStateProcessing,
		outcome:  schema.OutcomeSuccess,
		detail:   fmt.Sprintf("took %s branch", label),
	}, nil
}

// visitWait computes the resume time and suspends. A wait that is already in
// the past passes straight through.
func (it *interpreter) visitWait(pinned *graph.Pinned, node *schema.Node) (*stepResult, error) {
	var cfg schema.WaitConfig
	if err := decodeNodeConfig(node, &cfg); err != nil {
		return nil, err
	}

	now := it.nowFn()
	var until time.Time
	switch {
	case cfg.Duration != "":
		d, err := time.ParseDuration(cfg.Duration)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"unparseable wait duration %q", cfg.Duration).WithNode(node.ID).WithCause(err)
		}
		until = now.Add(d)
	case cfg.Until != "":
		t, err := time.Parse(time.RFC3339, cfg.Until)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"unparseable wait timestamp %q", cfg.Until).WithNode(node.ID).WithCause(err)
		}
		until = t
	default:
		return nil, schema.NewError(schema.ErrCodeConfiguration,
			"wait node has neither duration nor until").WithNode(node.ID)
	}

	next, ok := pinned.Next(node.ID, schema.EdgeDefault)
	if !ok {
		return nil, missingEdge(node.ID, schema.EdgeDefault)
	}

	if !until.After(now) {
		return &stepResult{
			nextNode: next,
			status:   schema.FlowStateProcessing,
			outcome:  schema.OutcomeSkipped,
			detail:   "wait already elapsed",
		}, nil
	}

	// The cursor advances past the wait before suspending, so resumption
	// continues at the successor without revisiting this node.
	return &stepResult{
		nextNode:  next,
		status:    schema.FlowStateWaiting,
		waitUntil: &until,
		outcome:   schema.OutcomeSuccess,
		detail:    fmt.Sprintf("suspended until %s", until.UTC().Format(time.RFC3339)),
	}, nil
}

// visitSplit picks a weighted branch from a stable hash of (contact, node).
// The same contact always lands on the same branch, making replays and
// scheduler races harmless.
func (it *interpreter) visitSplit(pinned *graph.Pinned, node *schema.Node, contactID string) (*stepResult, error) {
	var cfg schema.SplitConfig
	if err := decodeNodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Branches) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "split node has no branches").WithNode(node.ID)
	}

	bucket := SplitBucket(contactID, node.ID)
	label := cfg.Branches[len(cfg.Branches)-1].Label
	cumulative := 0
	for _, b := range cfg.Branches {
		cumulative += b.Weight
		if bucket < cumulative {
			label = b.Label
			break
		}
	}

	next, ok := pinned.Next(node.ID, label)
	if !ok {
		return nil, missingEdge(node.ID, label)
	}

	return &stepResult{
		nextNode: next,
		status:   schema.FlowStateProcessing,
		outcome:  schema.OutcomeSuccess,
		detail:   fmt.Sprintf("bucket %d took %s branch", bucket, label),
	}, nil
}

// visitGoal completes the flow when the goal predicate holds; otherwise the
// contact continues via the optional default edge, or exits when there is
// nowhere left to go.
func (it *interpreter) visitGoal(ctx context.Context, pinned *graph.Pinned, node *schema.Node, scope *expressions.Scope) (*stepResult, error) {
	var cfg schema.GoalConfig
	if err := decodeNodeConfig(node, &cfg); err != nil {
		return nil, err
	}

	verdict, err := it.engines.EvaluatePredicate(ctx, &cfg.Predicate, scope, scope.Contact)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"goal predicate failed: %s", err.Error()).WithNode(node.ID).WithCause(err)
	}

	if verdict.Hold {
		return &stepResult{
			status:  schema.FlowStateCompleted,
			outcome: schema.OutcomeSuccess,
			detail:  "goal met",
		}, nil
	}

	if next, ok := pinned.Next(node.ID, schema.EdgeDefault); ok {
		return &stepResult{
			nextNode: next,
			status:   schema.FlowStateProcessing,
			outcome:  schema.OutcomeSuccess,
			detail:   "goal not met, continuing",
		}, nil
	}

	return &stepResult{
		status:  schema.FlowStateExited,
		outcome: schema.OutcomeSuccess,
		detail:  "goal not met, no continuation",
	}, nil
}

// IdempotencyKey derives the stable per-visit key handed to the gateway:
// hex(sha256(execution_id|node_id|contact_id)). Identical for every retry of
// the same visit.
func IdempotencyKey(executionID, nodeID, contactID string) string {
	sum := sha256.Sum256([]byte(executionID + "|" + nodeID + "|" + contactID))
	return hex.EncodeToString(sum[:])
}

// SplitBucket maps (contact, node) to a stable 0-99 bucket via FNV-1a.
func SplitBucket(contactID, nodeID string) int {
	h := fnv.New32a()
	h.Write([]byte(contactID))
	h.Write([]byte{'|'})
	h.Write([]byte(nodeID))
	return int(h.Sum32() % 100)
}

func decodeNodeConfig(node *schema.Node, out any) error {
	if len(node.Config) == 0 {
		return schema.NewErrorf(schema.ErrCodeConfiguration,
			"%s node has no config", node.Type).WithNode(node.ID)
	}
	if err := json.Unmarshal(node.Config, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeConfiguration,
			"%s node config does not decode: %s", node.Type, err.Error()).WithNode(node.ID).WithCause(err)
	}
	return nil
}

func missingEdge(nodeID, label string) error {
	return schema.NewErrorf(schema.ErrCodeExecution,
		"no outgoing %q edge", label).WithNode(nodeID)
}
