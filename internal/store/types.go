package store

import (
	"time"

	"github.com/karsvo/journey/pkg/schema"
)

// Definition is the persisted, editable representation of a workflow.
// The embedded Graph is the live authoring copy; executions never read it.
type Definition struct {
	ID           string                  `json:"id"`
	TenantID     string                  `json:"tenant_id"`
	Name         string                  `json:"name"`
	Status       schema.DefinitionStatus `json:"status"`
	Trigger      schema.TriggerSpec      `json:"trigger"`
	Reentry      schema.ReentryPolicy    `json:"reentry_policy"`
	GraphVersion int                     `json:"graph_version"`
	Graph        schema.Graph            `json:"graph"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

// GraphSnapshot is an immutable frozen copy of a definition's graph, written
// once on activation. Executions pin a (workflow_id, graph_version) pair and
// resolve every node through the snapshot, so later edits to the definition
// never reach in-flight contacts.
type GraphSnapshot struct {
	WorkflowID   string       `json:"workflow_id"`
	GraphVersion int          `json:"graph_version"`
	Graph        schema.Graph `json:"graph"`
	FrozenAt     time.Time    `json:"frozen_at"`
}

// Execution is one run of a workflow, pinned to a graph version at creation.
type Execution struct {
	ID             string                 `json:"id"`
	WorkflowID     string                 `json:"workflow_id"`
	TenantID       string                 `json:"tenant_id"`
	GraphVersion   int                    `json:"graph_version"`
	Status         schema.ExecutionStatus `json:"status"`
	TriggerPayload map[string]any         `json:"trigger_payload,omitempty"`
	StartedAt      time.Time              `json:"started_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

// ContactFlowState is the per-contact cursor into an execution's graph.
// Version is the optimistic-lock counter: every persisted hop increments it
// by exactly one, and UpdateFlowStateCAS rejects stale writers.
type ContactFlowState struct {
	ID            string                 `json:"id"`
	ExecutionID   string                 `json:"execution_id"`
	WorkflowID    string                 `json:"workflow_id"`
	TenantID      string                 `json:"tenant_id"`
	ContactID     string                 `json:"contact_id"`
	CurrentNodeID string                 `json:"current_node_id"`
	Status        schema.FlowStateStatus `json:"status"`
	WaitUntil     *time.Time             `json:"wait_until,omitempty"`
	VisitedNodes  []string               `json:"visited_nodes,omitempty"`
	Version       int64                  `json:"version"`
	EnteredAt     time.Time              `json:"entered_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// LogEntry is an append-only record of one node-visit attempt. Sequence is
// monotonic per flow state.
type LogEntry struct {
	ID             int64             `json:"id"`
	FlowStateID    string            `json:"flow_state_id"`
	ExecutionID    string            `json:"execution_id"`
	NodeID         string            `json:"node_id"`
	Outcome        schema.LogOutcome `json:"outcome"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Detail         string            `json:"detail,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
	Sequence       int64             `json:"sequence"`
}

// ScheduledEnrollment is a cron-driven recurring enrollment of a contact into
// a workflow.
type ScheduledEnrollment struct {
	ID             string     `json:"id"`
	WorkflowID     string     `json:"workflow_id"`
	TenantID       string     `json:"tenant_id"`
	ContactID      string     `json:"contact_id"`
	CronExpression string     `json:"cron_expression"`
	Enabled        bool       `json:"enabled"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// --- Filter and update types ---

// DefinitionFilter specifies criteria for listing definitions.
type DefinitionFilter struct {
	TenantID    string                   `json:"tenant_id,omitempty"`
	Status      *schema.DefinitionStatus `json:"status,omitempty"`
	TriggerType schema.TriggerType       `json:"trigger_type,omitempty"`
	Limit       int                      `json:"limit,omitempty"`
}

// DefinitionUpdate specifies mutable fields of a definition.
type DefinitionUpdate struct {
	Name         *string                  `json:"name,omitempty"`
	Status       *schema.DefinitionStatus `json:"status,omitempty"`
	Trigger      *schema.TriggerSpec      `json:"trigger,omitempty"`
	Reentry      *schema.ReentryPolicy    `json:"reentry_policy,omitempty"`
	GraphVersion *int                     `json:"graph_version,omitempty"`
	Graph        *schema.Graph            `json:"graph,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution.
type ExecutionUpdate struct {
	Status      *schema.ExecutionStatus `json:"status,omitempty"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
}

// LogFilter specifies criteria for querying the execution log.
type LogFilter struct {
	FlowStateID string            `json:"flow_state_id,omitempty"`
	ExecutionID string            `json:"execution_id,omitempty"`
	NodeID      string            `json:"node_id,omitempty"`
	Outcome     schema.LogOutcome `json:"outcome,omitempty"`
	Limit       int               `json:"limit,omitempty"`
}

// ScheduledEnrollmentUpdate specifies mutable fields of a scheduled enrollment.
type ScheduledEnrollmentUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledEnrollmentFilter specifies criteria for listing scheduled enrollments.
type ScheduledEnrollmentFilter struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}
