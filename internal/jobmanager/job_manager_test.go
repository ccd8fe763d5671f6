package jobmanager

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/genbroker/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var t0 = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

func imageSpec(id string) types.JobSpec {
	return types.JobSpec{ID: types.JobID(id), Prompt: "prompt " + id, TaskType: types.TaskCreateImage}
}

func mustEnqueue(t *testing.T, jm *JobManager, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := jm.Enqueue(imageSpec(id), t0)
		require.NoError(t, err)
	}
}

func statusOf(t *testing.T, jm *JobManager, id string) types.JobStatus {
	t.Helper()
	job, ok := jm.Get(types.JobID(id))
	require.True(t, ok, "job %s not found", id)
	return job.Status
}

func allIDs(jm *JobManager) []types.JobID {
	var ids []types.JobID
	for _, j := range jm.All() {
		ids = append(ids, j.ID)
	}
	return ids
}

// ============================================================================
// Enqueue
// ============================================================================

func TestEnqueue(t *testing.T) {
	jm := NewJobManager()

	id, err := jm.Enqueue(types.JobSpec{Prompt: "  a red fox ", TaskType: types.TaskCreateImage}, t0)
	require.NoError(t, err)
	assert.NotEmpty(t, id, "id is generated when not supplied")

	job, ok := jm.Get(id)
	require.True(t, ok)
	assert.Equal(t, types.StatusWaiting, job.Status)
	assert.Equal(t, "a red fox", job.Prompt)
	assert.Equal(t, types.DefaultAspectRatio, job.AspectRatio)
	assert.Equal(t, "4K", job.Resolution)
	assert.Equal(t, ".png", job.FileExt)
	assert.Equal(t, t0, job.CreatedAt)
	assert.Empty(t, job.AssignedWorker)
}

func TestEnqueueValidation(t *testing.T) {
	tests := []struct {
		name string
		spec types.JobSpec
	}{
		{"empty prompt", types.JobSpec{TaskType: types.TaskCreateImage}},
		{"unknown type", types.JobSpec{Prompt: "x", TaskType: "Upscale"}},
		{"frames without images", types.JobSpec{Prompt: "x", TaskType: types.TaskFramesToVideo}},
		{"ingredients with four", types.JobSpec{Prompt: "x", TaskType: types.TaskIngredientsToVideo, ReferenceImages: []string{"a", "b", "c", "d"}}},
		{"text to video with image", types.JobSpec{Prompt: "x", TaskType: types.TaskTextToVideo, ReferenceImages: []string{"a"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jm := NewJobManager()
			_, err := jm.Enqueue(tt.spec, t0)
			assert.ErrorIs(t, err, types.ErrInvalidJobSpec)
			assert.Empty(t, jm.All(), "rejected job is not stored")
		})
	}
}

func TestEnqueueDuplicateID(t *testing.T) {
	jm := NewJobManager()
	mustEnqueue(t, jm, "A")

	_, err := jm.Enqueue(imageSpec("A"), t0)
	assert.ErrorIs(t, err, types.ErrInvalidJobSpec)
	assert.ErrorIs(t, err, types.ErrDuplicateJob)
	assert.Len(t, jm.All(), 1)
}

func TestEnqueueVideoDefaults(t *testing.T) {
	jm := NewJobManager()
	id, err := jm.Enqueue(types.JobSpec{
		Prompt:          "waves",
		TaskType:        types.TaskFramesToVideo,
		AspectRatio:     "9:16",
		ReferenceImages: []string{"Zmlyc3Q=", "bGFzdA=="},
	}, t0)
	require.NoError(t, err)

	job, _ := jm.Get(id)
	assert.Equal(t, "9:16", job.AspectRatio)
	assert.Equal(t, "1080p", job.Resolution)
	assert.Equal(t, ".mp4", job.FileExt)
	assert.Len(t, job.ReferenceImages, 2)
	assert.Equal(t, ".mp4", job.View().FileExt)
}

// ============================================================================
// Ordering
// ============================================================================

func TestNextWaitingIsOldest(t *testing.T) {
	jm := NewJobManager()
	_, ok := jm.NextWaiting()
	assert.False(t, ok)

	mustEnqueue(t, jm, "A", "B", "C")

	job, ok := jm.NextWaiting()
	require.True(t, ok)
	assert.Equal(t, types.JobID("A"), job.ID)

	// NextWaiting 不移除任務
	again, _ := jm.NextWaiting()
	assert.Equal(t, job.ID, again.ID)
}

func TestRequeueGoesToFront(t *testing.T) {
	jm := NewJobManager()
	mustEnqueue(t, jm, "A", "B")

	require.NoError(t, jm.Assign("A", "w1", t0))
	assert.Equal(t, []types.JobID{"B"}, jm.WaitingIDs())

	require.NoError(t, jm.Requeue("A", "worker disconnected", t0.Add(time.Second)))
	mustEnqueue(t, jm, "C")

	assert.Equal(t, []types.JobID{"A", "B", "C"}, jm.WaitingIDs())
	assert.Equal(t, []types.JobID{"A", "B", "C"}, allIDs(jm))

	job, _ := jm.Get("A")
	assert.Equal(t, types.StatusWaiting, job.Status)
	assert.Equal(t, 1, job.Attempts, "requeue keeps the attempt count")
	assert.Empty(t, job.AssignedWorker)
	assert.True(t, job.StartTime.IsZero())
	assert.Equal(t, "worker disconnected", job.StatusDetail)
}

func TestUnassignRestoresPosition(t *testing.T) {
	jm := NewJobManager()
	mustEnqueue(t, jm, "A", "B")

	require.NoError(t, jm.Assign("A", "w1", t0))
	require.NoError(t, jm.Unassign("A"))

	job, _ := jm.Get("A")
	assert.Equal(t, types.StatusWaiting, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, []types.JobID{"A", "B"}, jm.WaitingIDs())
}

// ============================================================================
// State machine
// ============================================================================

func TestAssign(t *testing.T) {
	jm := NewJobManager()
	mustEnqueue(t, jm, "A")

	require.NoError(t, jm.Assign("A", "w1", t0))
	job, _ := jm.Get("A")
	assert.Equal(t, types.StatusProcessing, job.Status)
	assert.Equal(t, types.WorkerID("w1"), job.AssignedWorker)
	assert.Equal(t, t0, job.StartTime)
	assert.Equal(t, 1, job.Attempts)

	err := jm.Assign("A", "w2", t0)
	assert.ErrorIs(t, err, types.ErrInvalidTransition, "a processing job cannot be assigned twice")

	assert.ErrorIs(t, jm.Assign("missing", "w1", t0), types.ErrUnknownJob)
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(jm *JobManager)
		to      types.JobStatus
		wantErr error
		want    types.JobStatus
	}{
		{
			name:    "waiting to completed",
			to:      types.StatusCompleted,
			wantErr: types.ErrInvalidTransition,
			want:    types.StatusWaiting,
		},
		{
			name:  "processing detail update",
			setup: func(jm *JobManager) { jm.Assign("A", "w1", t0) },
			to:    types.StatusProcessing,
			want:  types.StatusProcessing,
		},
		{
			name:  "processing to completed",
			setup: func(jm *JobManager) { jm.Assign("A", "w1", t0) },
			to:    types.StatusCompleted,
			want:  types.StatusCompleted,
		},
		{
			name:  "processing to failed",
			setup: func(jm *JobManager) { jm.Assign("A", "w1", t0) },
			to:    types.StatusFailed,
			want:  types.StatusFailed,
		},
		{
			name:  "processing to timed out",
			setup: func(jm *JobManager) { jm.Assign("A", "w1", t0) },
			to:    types.StatusTimedOut,
			want:  types.StatusTimedOut,
		},
		{
			name:    "processing to waiting via transition",
			setup:   func(jm *JobManager) { jm.Assign("A", "w1", t0) },
			to:      types.StatusWaiting,
			wantErr: types.ErrInvalidTransition,
			want:    types.StatusProcessing,
		},
		{
			name: "completed is terminal",
			setup: func(jm *JobManager) {
				jm.Assign("A", "w1", t0)
				jm.Transition("A", types.StatusCompleted, "done", t0)
			},
			to:      types.StatusFailed,
			wantErr: types.ErrInvalidTransition,
			want:    types.StatusCompleted,
		},
		{
			name: "timed out is terminal",
			setup: func(jm *JobManager) {
				jm.Assign("A", "w1", t0)
				jm.Transition("A", types.StatusTimedOut, "late", t0)
			},
			to:      types.StatusProcessing,
			wantErr: types.ErrInvalidTransition,
			want:    types.StatusTimedOut,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jm := NewJobManager()
			mustEnqueue(t, jm, "A")
			if tt.setup != nil {
				tt.setup(jm)
			}

			err := jm.Transition("A", tt.to, "detail", t0.Add(time.Minute))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, statusOf(t, jm, "A"))
		})
	}
}

func TestTerminalClearsWorkerAndSetsEndTime(t *testing.T) {
	jm := NewJobManager()
	mustEnqueue(t, jm, "A")
	require.NoError(t, jm.Assign("A", "w1", t0))

	end := t0.Add(90 * time.Second)
	require.NoError(t, jm.Transition("A", types.StatusFailed, "quota exceeded", end))

	job, _ := jm.Get("A")
	assert.Empty(t, job.AssignedWorker)
	assert.Equal(t, end, job.EndTime)
	assert.Equal(t, "quota exceeded", job.StatusDetail)

	assert.ErrorIs(t, jm.Requeue("A", "again", end), types.ErrInvalidTransition)
	assert.ErrorIs(t, jm.RecordArtifact("A", "/tmp/x.png", ""), types.ErrInvalidTransition)
}

func TestRecordArtifact(t *testing.T) {
	jm := NewJobManager()
	mustEnqueue(t, jm, "A")
	require.NoError(t, jm.Assign("A", "w1", t0))

	require.NoError(t, jm.RecordArtifact("A", "/out/2026-10-19_09-00-00.png", "/out"))
	require.NoError(t, jm.Transition("A", types.StatusCompleted, "saved", t0))

	job, _ := jm.Get("A")
	assert.Equal(t, "/out/2026-10-19_09-00-00.png", job.SavedPath)
	assert.Equal(t, "/out", job.OutputDir)
}

func TestStatusHistoryLimit(t *testing.T) {
	jm := NewJobManager()
	jm.historyLimit = 3
	mustEnqueue(t, jm, "A")
	require.NoError(t, jm.Assign("A", "w1", t0))

	for i := 0; i < 5; i++ {
		require.NoError(t, jm.Transition("A", types.StatusProcessing, fmt.Sprintf("step %d", i), t0))
	}

	job, _ := jm.Get("A")
	require.Len(t, job.StatusHistory, 3)
	assert.Equal(t, "step 2", job.StatusHistory[0].Message)
	assert.Equal(t, "step 4", job.StatusDetail)
}

func TestStats(t *testing.T) {
	jm := NewJobManager()
	mustEnqueue(t, jm, "A", "B", "C", "D")
	require.NoError(t, jm.Assign("A", "w1", t0))
	require.NoError(t, jm.Assign("B", "w2", t0))
	require.NoError(t, jm.Transition("B", types.StatusCompleted, "", t0))
	require.NoError(t, jm.Assign("C", "w2", t0))
	require.NoError(t, jm.Transition("C", types.StatusTimedOut, "", t0))

	stats := jm.Stats()
	assert.Equal(t, 1, stats["waiting"])
	assert.Equal(t, 1, stats["processing"])
	assert.Equal(t, 1, stats["completed"])
	assert.Equal(t, 0, stats["failed"])
	assert.Equal(t, 1, stats["timed_out"])
	assert.Equal(t, 2, jm.Unfinished())

	processing := jm.ProcessingJobs()
	require.Len(t, processing, 1)
	assert.Equal(t, types.JobID("A"), processing[0].ID)
}
