package store

import (
	"context"

	"github.com/karsvo/journey/pkg/schema"
)

// ExecutionLog provides append-only audit operations for node visits.
// It is the surface consumed by analytics and operator tooling; the engine
// itself only appends.
type ExecutionLog struct {
	store Store
}

// NewExecutionLog wraps a Store to provide execution-log operations.
func NewExecutionLog(s Store) *ExecutionLog {
	return &ExecutionLog{store: s}
}

// Append records one node-visit attempt. The store assigns a monotonically
// increasing per-flow-state sequence.
func (el *ExecutionLog) Append(ctx context.Context, entry *LogEntry) error {
	return el.store.AppendLogEntry(ctx, entry)
}

// ByFlowState returns all entries for a flow state in visit order.
func (el *ExecutionLog) ByFlowState(ctx context.Context, flowStateID string) ([]*LogEntry, error) {
	return el.store.ListLogEntries(ctx, LogFilter{FlowStateID: flowStateID})
}

// ByExecution returns all entries for an execution.
func (el *ExecutionLog) ByExecution(ctx context.Context, executionID string) ([]*LogEntry, error) {
	return el.store.ListLogEntries(ctx, LogFilter{ExecutionID: executionID})
}

// Failures returns failure entries matching the filter, for operator
// inspection of FAILED states.
func (el *ExecutionLog) Failures(ctx context.Context, filter LogFilter) ([]*LogEntry, error) {
	filter.Outcome = schema.OutcomeFailure
	return el.store.ListLogEntries(ctx, filter)
}

// VerifySequence checks that a flow state's log has no sequence gaps.
func (el *ExecutionLog) VerifySequence(ctx context.Context, flowStateID string) error {
	entries, err := el.ByFlowState(ctx, flowStateID)
	if err != nil {
		return err
	}
	for i, e := range entries {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in flow state %s: expected %d, got %d", flowStateID, expected, e.Sequence)
		}
	}
	return nil
}
