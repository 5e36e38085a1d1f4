package schema

// DefinitionStatus is the lifecycle state of a workflow definition.
type DefinitionStatus string

const (
	DefinitionStatusDraft    DefinitionStatus = "draft"
	DefinitionStatusActive   DefinitionStatus = "active"
	DefinitionStatusPaused   DefinitionStatus = "paused"
	DefinitionStatusArchived DefinitionStatus = "archived"
)

// Editable reports whether the definition's graph may be mutated.
func (s DefinitionStatus) Editable() bool {
	return s == DefinitionStatusDraft || s == DefinitionStatusPaused
}

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// FlowStateStatus is the lifecycle state of a per-contact flow state.
type FlowStateStatus string

const (
	FlowStatePending    FlowStateStatus = "PENDING"
	FlowStateProcessing FlowStateStatus = "PROCESSING"
	FlowStateWaiting    FlowStateStatus = "WAITING"
	FlowStateCompleted  FlowStateStatus = "COMPLETED"
	FlowStateExited     FlowStateStatus = "EXITED"
	FlowStateFailed     FlowStateStatus = "FAILED"
)

// Terminal reports whether the flow state can make no further progress.
func (s FlowStateStatus) Terminal() bool {
	return s == FlowStateCompleted || s == FlowStateExited || s == FlowStateFailed
}

// Claimable reports whether a worker may acquire the state for processing.
func (s FlowStateStatus) Claimable() bool {
	return s == FlowStatePending || s == FlowStateWaiting
}

// LogOutcome is the recorded result of a single node-visit attempt.
type LogOutcome string

const (
	OutcomeSuccess LogOutcome = "success"
	OutcomeFailure LogOutcome = "failure"
	OutcomeSkipped LogOutcome = "skipped"
)

// ActionStatus is the result classification returned by the action gateway.
type ActionStatus string

const (
	ActionSuccess          ActionStatus = "success"
	ActionFailure          ActionStatus = "failure"
	ActionRetryableFailure ActionStatus = "retryable_failure"
)
