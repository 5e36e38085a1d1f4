package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Definitions
	CreateDefinition(ctx context.Context, def *Definition) error
	GetDefinition(ctx context.Context, id string) (*Definition, error)
	UpdateDefinition(ctx context.Context, id string, update DefinitionUpdate) error
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*Definition, error)

	// Graph snapshots (immutable once written)
	SaveSnapshot(ctx context.Context, snap *GraphSnapshot) error
	GetSnapshot(ctx context.Context, workflowID string, graphVersion int) (*GraphSnapshot, error)

	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error

	// Contact flow states
	CreateFlowState(ctx context.Context, st *ContactFlowState) error
	GetFlowState(ctx context.Context, id string) (*ContactFlowState, error)
	// UpdateFlowStateCAS persists st only if the stored version equals
	// expectedVersion, incrementing it by one. A version mismatch returns a
	// CONCURRENT_MODIFICATION error and leaves the row untouched.
	UpdateFlowStateCAS(ctx context.Context, st *ContactFlowState, expectedVersion int64) error
	ListDueWaiting(ctx context.Context, now time.Time, limit int) ([]*ContactFlowState, error)
	ListPendingStates(ctx context.Context, limit int) ([]*ContactFlowState, error)
	ListNonTerminalStates(ctx context.Context, workflowID, contactID string) ([]*ContactFlowState, error)
	ListStatesByExecution(ctx context.Context, executionID string) ([]*ContactFlowState, error)

	// Enrollment ledger (idempotency for at-least-once event delivery).
	// Returns false when the (workflow, version, contact, event) tuple was
	// already recorded.
	RecordEnrollment(ctx context.Context, workflowID string, graphVersion int, contactID, externalEventID string) (bool, error)
	DeleteEnrollment(ctx context.Context, workflowID string, graphVersion int, contactID, externalEventID string) error

	// Execution log (append-only)
	AppendLogEntry(ctx context.Context, entry *LogEntry) error
	ListLogEntries(ctx context.Context, filter LogFilter) ([]*LogEntry, error)

	// Scheduled enrollments
	CreateScheduledEnrollment(ctx context.Context, se *ScheduledEnrollment) error
	UpdateScheduledEnrollment(ctx context.Context, id string, update ScheduledEnrollmentUpdate) error
	ListScheduledEnrollments(ctx context.Context, filter ScheduledEnrollmentFilter) ([]*ScheduledEnrollment, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
