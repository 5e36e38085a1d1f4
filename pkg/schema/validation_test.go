package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult(t *testing.T) {
	var r ValidationResult
	assert.True(t, r.Valid())
	assert.NoError(t, r.ToError())

	r.AddWarning("nodes[2]", "unreachable_node", "node is unreachable")
	assert.True(t, r.Valid(), "warnings alone keep the result valid")

	r.AddError("edges[0]", "dangling_edge", "edge targets unknown node")
	assert.False(t, r.Valid())

	err := r.ToError()
	require.Error(t, err)
	var jErr *JourneyError
	require.True(t, errors.As(err, &jErr))
	assert.Equal(t, ErrCodeGraphValidation, jErr.Code)
	assert.Equal(t, "edge targets unknown node", jErr.Message)
	assert.EqualValues(t, 1, jErr.Details["error_count"])
	assert.EqualValues(t, 1, jErr.Details["warning_count"])
}

func TestValidationResultMultipleErrorsSummarized(t *testing.T) {
	var r ValidationResult
	r.AddError("nodes[0]", "missing_config", "wait node needs a config")
	r.AddError("nodes[1]", "invalid_split_weights", "weights must sum to 100")

	err := r.ToError()
	require.Error(t, err)
	var jErr *JourneyError
	require.True(t, errors.As(err, &jErr))
	assert.Contains(t, jErr.Message, "2 errors")
}

func TestValidationResultMerge(t *testing.T) {
	var a, b ValidationResult
	a.AddError("p1", "c1", "m1")
	b.AddError("p2", "c2", "m2")
	b.AddWarning("p3", "c3", "m3")

	a.Merge(&b)
	assert.Len(t, a.Errors, 2)
	assert.Len(t, a.Warnings, 1)

	a.Merge(nil)
	assert.Len(t, a.Errors, 2)
}

func TestJourneyErrorChaining(t *testing.T) {
	cause := errors.New("disk full")
	err := NewErrorf(ErrCodeStore, "write failed on %s", "flow_states").
		WithNode("email-1").
		WithCause(cause)

	assert.Contains(t, err.Error(), "STORE_ERROR")
	assert.Contains(t, err.Error(), "email-1")
	assert.ErrorIs(t, err, cause)
	assert.True(t, err.IsRetryable())

	permanent := NewError(ErrCodeValidation, "bad graph")
	assert.False(t, permanent.IsRetryable())
}

func TestHasCode(t *testing.T) {
	err := NewError(ErrCodeConcurrentMod, "version mismatch")
	assert.True(t, HasCode(err, ErrCodeConcurrentMod))
	assert.False(t, HasCode(err, ErrCodeStore))

	wrapped := fmt.Errorf("claim failed: %w", err)
	assert.True(t, HasCode(wrapped, ErrCodeConcurrentMod))

	assert.False(t, HasCode(errors.New("plain"), ErrCodeConcurrentMod))
	assert.False(t, HasCode(nil, ErrCodeConcurrentMod))
}

func TestPredicateIsExpression(t *testing.T) {
	expr := Predicate{Expression: `contact.tier == "vip"`}
	assert.True(t, expr.IsExpression())

	cmp := Predicate{Attribute: ".tier", Op: OpEq, Value: "vip"}
	assert.False(t, cmp.IsExpression())
}

func TestStatusHelpers(t *testing.T) {
	assert.True(t, DefinitionStatusDraft.Editable())
	assert.True(t, DefinitionStatusPaused.Editable())
	assert.False(t, DefinitionStatusActive.Editable())
	assert.False(t, DefinitionStatusArchived.Editable())

	assert.True(t, FlowStateCompleted.Terminal())
	assert.True(t, FlowStateExited.Terminal())
	assert.True(t, FlowStateFailed.Terminal())
	assert.False(t, FlowStateWaiting.Terminal())

	assert.True(t, FlowStatePending.Claimable())
	assert.True(t, FlowStateWaiting.Claimable())
	assert.False(t, FlowStateProcessing.Claimable())
	assert.False(t, FlowStateCompleted.Claimable())
}
