package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_CRUD(t *testing.T) {
	r := NewRegistry()

	r.Create(Job{ID: "j1"})
	job, ok := r.Get("j1")
	require.True(t, ok)
	assert.Equal(t, StatusStarting, job.Status, "default status applied")
	assert.False(t, job.CreatedAt.IsZero(), "createdAt defaulted")

	updated, ok := r.Update("j1", func(j *Job) { j.Progress = 50; j.Status = StatusProcessing })
	require.True(t, ok)
	assert.Equal(t, 50, updated.Progress)

	_, ok = r.Update("missing", func(j *Job) { j.Progress = 1 })
	assert.False(t, ok)

	r.Remove("j1")
	_, ok = r.Get("j1")
	assert.False(t, ok)
}

func TestRegistry_ActiveCount(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, 0, r.ActiveCount())

	r.Create(Job{ID: "a", Status: StatusProcessing})
	r.Create(Job{ID: "b", Status: StatusStarting})
	r.Create(Job{ID: "c", Status: StatusComplete})

	assert.Equal(t, 2, r.ActiveCount())
	assert.Len(t, r.Active(), 2)
	assert.Len(t, r.List(), 3, "completed jobs remain visible to clients")
}
