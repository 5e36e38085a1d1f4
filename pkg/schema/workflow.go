package schema

import "encoding/json"

// Graph is the JSON-serializable workflow graph: the nodes a contact moves
// through and the labeled edges connecting them. A Graph is mutable while its
// definition is in draft; activation freezes an immutable snapshot.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Node is a single vertex in a workflow graph.
type Node struct {
	ID         string          `json:"id"`
	Type       NodeType        `json:"type"`
	ActionType string          `json:"action_type,omitempty"` // action nodes only (e.g. "send_email")
	Config     json.RawMessage `json:"config,omitempty"`      // type-specific config block
	Position   *Position       `json:"position,omitempty"`    // canvas metadata, never interpreted
}

// Position is opaque canvas placement carried for authoring tools.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Edge connects two nodes with a label. (SourceNode, Label) is unique within
// a graph, so the next hop from any node is deterministic.
type Edge struct {
	SourceNode string `json:"source_node"`
	TargetNode string `json:"target_node"`
	Label      string `json:"label"`
}

// NodeType enumerates the closed set of node kinds.
type NodeType string

const (
	NodeTypeAction    NodeType = "action"
	NodeTypeCondition NodeType = "condition"
	NodeTypeWait      NodeType = "wait"
	NodeTypeSplit     NodeType = "split"
	NodeTypeGoal      NodeType = "goal"
	NodeTypeExit      NodeType = "exit"
)

// Edge labels with engine-level meaning.
const (
	EdgeDefault = "default"
	EdgeYes     = "yes"
	EdgeNo      = "no"
)

// TriggerType enumerates the domain events that can start an enrollment.
type TriggerType string

const (
	TriggerTagAdded         TriggerType = "tag_added"
	TriggerEmailOpened      TriggerType = "email_opened"
	TriggerFormSubmitted    TriggerType = "form_submitted"
	TriggerDealStageChanged TriggerType = "deal_stage_changed"
	TriggerWebhookReceived  TriggerType = "webhook_received"
	TriggerManual           TriggerType = "manual"
)

// TriggerSpec describes how contacts enter a workflow.
type TriggerSpec struct {
	Type   TriggerType `json:"type"`
	Filter *Predicate  `json:"filter,omitempty"` // evaluated against the event payload
}

// ReentryPolicy governs what happens when a contact who already has a
// non-terminal state in a workflow is enrolled again.
type ReentryPolicy string

const (
	ReentrySkip     ReentryPolicy = "skip"      // ignore the new enrollment
	ReentryQueueNew ReentryPolicy = "queue_new" // start a second execution alongside
	ReentryRestart  ReentryPolicy = "restart"   // exit the current state, enroll fresh
)

// OnFailurePolicy governs how an action node's permanent failure is resolved.
type OnFailurePolicy string

const (
	OnFailureFail     OnFailurePolicy = "fail"     // contact state transitions to FAILED
	OnFailureContinue OnFailurePolicy = "continue" // advance via the default edge anyway
)

// CompareOp enumerates the comparator operators available to predicates.
type CompareOp string

const (
	OpEq       CompareOp = "eq"
	OpNeq      CompareOp = "neq"
	OpGt       CompareOp = "gt"
	OpGte      CompareOp = "gte"
	OpLt       CompareOp = "lt"
	OpLte      CompareOp = "lte"
	OpContains CompareOp = "contains"
	OpExists   CompareOp = "exists"
)

// Predicate is the shared predicate shape for condition nodes, goal nodes and
// trigger filters. Either the comparator triple (attribute/op/value) or an
// expression with an engine is set, not both.
type Predicate struct {
	Attribute string    `json:"attribute,omitempty"` // gojq-style path, e.g. ".tags" or ".payload.deal.stage"
	Op        CompareOp `json:"op,omitempty"`
	Value     any       `json:"value,omitempty"`

	Expression string `json:"expression,omitempty"` // rich predicate
	Engine     string `json:"engine,omitempty"`     // cel | expr | gojq (default cel)
}

// IsExpression reports whether the predicate uses an expression engine rather
// than the comparator triple.
func (p *Predicate) IsExpression() bool {
	return p != nil && p.Expression != ""
}

// --- Node config blocks ---

// ActionConfig is the config block for action nodes.
type ActionConfig struct {
	Params    map[string]any  `json:"params,omitempty"`
	OnFailure OnFailurePolicy `json:"on_failure,omitempty"` // default "fail"
}

// ConditionConfig is the config block for condition nodes. The contact's
// attribute snapshot is the evaluation subject.
type ConditionConfig struct {
	Predicate
}

// WaitConfig is the config block for wait nodes. Exactly one of Duration or
// Until is set.
type WaitConfig struct {
	Duration string `json:"duration,omitempty"` // Go duration, e.g. "24h"
	Until    string `json:"until,omitempty"`    // absolute RFC3339 timestamp
}

// SplitConfig is the config block for split nodes. Branch weights must sum
// to 100.
type SplitConfig struct {
	Branches []SplitBranch `json:"branches"`
}

// SplitBranch is one weighted outcome of a split node.
type SplitBranch struct {
	Label  string `json:"label"`
	Weight int    `json:"weight"` // percentage, 1-100
}

// GoalConfig is the config block for goal nodes: when the predicate holds
// against the contact's attributes the contact completes the workflow.
type GoalConfig struct {
	Predicate
}

// Contact is the subject progressing through a workflow. Attributes are a
// read-only snapshot supplied by the attribute provider at evaluation time.
type Contact struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// DomainEvent is one element of the at-least-once inbound event sequence
// consumed by the trigger dispatcher.
type DomainEvent struct {
	Type            TriggerType    `json:"type"`
	TenantID        string         `json:"tenant_id"`
	ContactID       string         `json:"contact_id"`
	Payload         map[string]any `json:"payload,omitempty"`
	ExternalEventID string         `json:"external_event_id,omitempty"`
}
