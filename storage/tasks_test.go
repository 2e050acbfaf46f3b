package storage

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/taskmesh/mesh"
)

func queuedRecord(t *testing.T) *TaskRecord {
	t.Helper()
	now := time.Unix(1700000000, 0)
	return &TaskRecord{
		Task: mesh.Task{
			ID:   "task-abc",
			Type: "scan",
			Name: "nightly",
		},
		Status:    mesh.TaskQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestApplyStatusTransitions(t *testing.T) {
	now := time.Unix(1700000100, 0)

	t.Run("queued to active records audit and start time", func(t *testing.T) {
		rec := queuedRecord(t)
		require.NoError(t, rec.applyStatus(mesh.TaskActive, now))

		assert.Equal(t, mesh.TaskActive, rec.Status)
		require.Len(t, rec.StatusChange, 1)
		assert.Equal(t, mesh.TaskQueued, rec.StatusChange[0].From)
		assert.Equal(t, mesh.TaskActive, rec.StatusChange[0].To)
		require.NotNil(t, rec.StartedAt)
		assert.Equal(t, now, *rec.StartedAt)
		assert.Nil(t, rec.CompletedAt)
	})

	t.Run("repeating the current status is a no-op", func(t *testing.T) {
		rec := queuedRecord(t)
		require.NoError(t, rec.applyStatus(mesh.TaskQueued, now))
		assert.Empty(t, rec.StatusChange)
	})

	t.Run("terminal status sets completion time", func(t *testing.T) {
		rec := queuedRecord(t)
		require.NoError(t, rec.applyStatus(mesh.TaskCancelled, now))
		require.NotNil(t, rec.CompletedAt)
		assert.Equal(t, now, *rec.CompletedAt)
	})

	t.Run("leaving a terminal state is rejected", func(t *testing.T) {
		rec := queuedRecord(t)
		require.NoError(t, rec.applyStatus(mesh.TaskCompleted, now))

		err := rec.applyStatus(mesh.TaskQueued, now.Add(time.Second))
		require.ErrorIs(t, err, ErrTerminalState)
		assert.Equal(t, mesh.TaskCompleted, rec.Status)
	})

	t.Run("active task can requeue for failover", func(t *testing.T) {
		rec := queuedRecord(t)
		require.NoError(t, rec.applyStatus(mesh.TaskActive, now))
		require.NoError(t, rec.applyStatus(mesh.TaskQueued, now.Add(time.Second)))
		assert.Equal(t, mesh.TaskQueued, rec.Status)
		assert.Len(t, rec.StatusChange, 2)
	})
}

func TestApplyProgress(t *testing.T) {
	now := time.Unix(1700000100, 0)

	t.Run("clamps to unit range", func(t *testing.T) {
		rec := queuedRecord(t)
		rec.applyProgress(1.7, now)
		assert.Equal(t, 1.0, rec.Progress)

		rec.applyProgress(-0.3, now)
		assert.Equal(t, 0.0, rec.Progress)
	})

	t.Run("drops progress after terminal state", func(t *testing.T) {
		rec := queuedRecord(t)
		require.NoError(t, rec.applyCompleted(nil, now))

		rec.applyProgress(0.5, now.Add(time.Second))
		assert.Equal(t, 1.0, rec.Progress, "completion pinned progress at 1")
	})
}

func TestApplyStarted(t *testing.T) {
	now := time.Unix(1700000100, 0)

	rec := queuedRecord(t)
	require.NoError(t, rec.applyStarted("worker-1", now))
	assert.Equal(t, mesh.TaskActive, rec.Status)
	assert.Equal(t, "worker-1", rec.AssignedNode)

	// Redelivered start report for the same worker changes nothing.
	require.NoError(t, rec.applyStarted("worker-1", now.Add(time.Second)))
	assert.Len(t, rec.StatusChange, 1)

	// Failover start on another worker reuses the first StartedAt.
	require.NoError(t, rec.applyStatus(mesh.TaskQueued, now.Add(2*time.Second)))
	require.NoError(t, rec.applyStarted("worker-2", now.Add(3*time.Second)))
	assert.Equal(t, "worker-2", rec.AssignedNode)
	assert.Equal(t, now, *rec.StartedAt)
}

func TestApplyTerminalOutcomes(t *testing.T) {
	now := time.Unix(1700000100, 0)

	t.Run("completed stores result and pins progress", func(t *testing.T) {
		rec := queuedRecord(t)
		require.NoError(t, rec.applyStarted("worker-1", now))

		result := json.RawMessage(`{"rows":42}`)
		require.NoError(t, rec.applyCompleted(result, now.Add(time.Second)))
		assert.Equal(t, mesh.TaskCompleted, rec.Status)
		assert.Equal(t, result, rec.Result)
		assert.Equal(t, 1.0, rec.Progress)

		// Duplicate completion report is absorbed.
		require.NoError(t, rec.applyCompleted(json.RawMessage(`{"rows":0}`), now.Add(2*time.Second)))
		assert.Equal(t, result, rec.Result)
	})

	t.Run("failed stores the reason", func(t *testing.T) {
		rec := queuedRecord(t)
		require.NoError(t, rec.applyFailed("disk full", now))
		assert.Equal(t, mesh.TaskFailed, rec.Status)
		assert.Equal(t, "disk full", rec.Error)

		require.NoError(t, rec.applyFailed("other reason", now.Add(time.Second)))
		assert.Equal(t, "disk full", rec.Error, "first failure reason wins")
	})

	t.Run("completed after failed is rejected", func(t *testing.T) {
		rec := queuedRecord(t)
		require.NoError(t, rec.applyFailed("timeout", now))
		require.ErrorIs(t, rec.applyCompleted(nil, now.Add(time.Second)), ErrTerminalState)
	})
}

func TestTaskRecordRoundTrip(t *testing.T) {
	now := time.Unix(1700000100, 0)
	rec := queuedRecord(t)
	require.NoError(t, rec.applyStarted("worker-1", now))
	require.NoError(t, rec.applyCompleted(json.RawMessage(`{"ok":true}`), now.Add(time.Minute)))

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var loaded TaskRecord
	require.NoError(t, json.Unmarshal(data, &loaded))
	assert.Equal(t, rec.Status, loaded.Status)
	assert.Equal(t, rec.AssignedNode, loaded.AssignedNode)
	assert.Len(t, loaded.StatusChange, 2)
}
