package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, store.Close()) })
	return store
}

func TestSQLiteStore_RecordAndGet(t *testing.T) {
	store := newTestStore(t)

	job := CompletedJob{
		JobID:       "abc-123",
		CompletedAt: time.Now().Add(-time.Minute),
		LocalPath:   "/tmp/cat.png",
		Artifacts: []Artifact{
			{URL: "https://cdn/video/abc-123/0.mp4", Index: 0},
			{URL: "https://cdn/video/abc-123/1.mp4", ThumbnailURL: "https://cdn/abc-123/0_1.webp", Index: 1},
		},
	}
	require.NoError(t, store.RecordCompleted(job))

	got, err := store.Get("abc-123")
	require.NoError(t, err)
	assert.Equal(t, job.JobID, got.JobID)
	assert.Equal(t, job.LocalPath, got.LocalPath)
	assert.Equal(t, job.Artifacts, got.Artifacts)

	_, err = store.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_RecordReplaces(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.RecordCompleted(CompletedJob{JobID: "j1"}))
	require.NoError(t, store.RecordCompleted(CompletedJob{
		JobID:     "j1",
		Artifacts: []Artifact{{URL: "https://cdn/video/j1/0.mp4", Index: 0}},
	}))

	got, err := store.Get("j1")
	require.NoError(t, err)
	assert.Len(t, got.Artifacts, 1)
	assert.False(t, got.CompletedAt.IsZero(), "zero completion time defaulted")
}

func TestSQLiteStore_LoadRecentOrder(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, store.RecordCompleted(CompletedJob{
			JobID:       id,
			CompletedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	jobs, err := store.LoadRecent(2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "new", jobs[0].JobID, "most recent first")
	assert.Equal(t, "mid", jobs[1].JobID)
}
