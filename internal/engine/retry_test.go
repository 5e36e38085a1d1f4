package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeBackoff(t *testing.T) {
	base := 200 * time.Millisecond
	cap := 10 * time.Second

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 200 * time.Millisecond},
		{1, 400 * time.Millisecond},
		{2, 800 * time.Millisecond},
		{3, 1600 * time.Millisecond},
		{4, 3200 * time.Millisecond},
		{5, 6400 * time.Millisecond},
		{6, 10 * time.Second},
		{20, 10 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ComputeBackoff(base, cap, tc.attempt), "attempt %d", tc.attempt)
	}
}

func TestComputeBackoffDefaults(t *testing.T) {
	assert.Equal(t, DefaultBackoffBase, ComputeBackoff(0, 0, 0))
	assert.Equal(t, DefaultBackoffCap, ComputeBackoff(0, 0, 100))
}

func TestWaitForBackoff(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, WaitForBackoff(ctx, 0))
	require.NoError(t, WaitForBackoff(ctx, time.Millisecond))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err := WaitForBackoff(cancelled, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
