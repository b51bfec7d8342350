package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusProbing, true},
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCompleted, false},
		{StatusProbing, StatusRunning, true},
		{StatusProbing, StatusFailed, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusCompletedWithErrors, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusPending, true},
		{StatusRunning, StatusProbing, false},
		{StatusRunning, StatusCancelled, true},
		{StatusCompleted, StatusRunning, false},
		{StatusCancelled, StatusCancelled, false},
		{StatusFailed, StatusPending, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestJob_TransitionTo(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	j := &Job{Status: StatusPending}

	require.NoError(t, j.TransitionTo(StatusRunning, now))
	assert.Nil(t, j.CompletedAt)

	require.NoError(t, j.TransitionTo(StatusCompleted, now))
	require.NotNil(t, j.CompletedAt)
	assert.Equal(t, now, *j.CompletedAt)

	err := j.TransitionTo(StatusRunning, now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestJob_CloseBatches(t *testing.T) {
	j := &Job{TotalBatches: 4}

	j.CloseBatches(1)
	assert.Equal(t, 1, j.CompletedBatches)
	assert.InDelta(t, 0.25, j.Progress, 1e-9)

	j.CloseBatches(10)
	assert.Equal(t, 4, j.CompletedBatches)
	assert.InDelta(t, 1.0, j.Progress, 1e-9)
}

func TestCheckUpdate(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	before := &Job{ID: "a", Status: StatusRunning, TotalBatches: 3, CompletedBatches: 1, Progress: 1.0 / 3}
	before.AddError(0, "timeout", "slow", at)

	t.Run("valid", func(t *testing.T) {
		after := before.Clone()
		after.CloseBatches(1)
		after.AddError(1, "unknown", "bad", at)
		assert.NoError(t, CheckUpdate(before, after))
	})
	t.Run("completed decreases", func(t *testing.T) {
		after := before.Clone()
		after.CompletedBatches = 0
		assert.Error(t, CheckUpdate(before, after))
	})
	t.Run("completed exceeds total", func(t *testing.T) {
		after := before.Clone()
		after.CompletedBatches = 4
		assert.Error(t, CheckUpdate(before, after))
	})
	t.Run("errors rewritten", func(t *testing.T) {
		after := before.Clone()
		after.Errors[0].Message = "changed"
		assert.Error(t, CheckUpdate(before, after))
	})
	t.Run("errors truncated", func(t *testing.T) {
		after := before.Clone()
		after.Errors = nil
		assert.Error(t, CheckUpdate(before, after))
	})
	t.Run("illegal transition", func(t *testing.T) {
		after := before.Clone()
		after.Status = StatusProbing
		assert.ErrorIs(t, CheckUpdate(before, after), ErrInvalidTransition)
	})
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)

	p, err = ParsePriority("high")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)
	assert.Less(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Less(t, PriorityNormal.Rank(), PriorityLow.Rank())

	_, err = ParsePriority("urgent")
	assert.Error(t, err)
}
