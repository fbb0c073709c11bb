// Package monitor implements the job registry and the periodic progress
// inference engine. Jobs are created by the actions layer, mutated by the
// reconciler tick, and marked complete either by an authoritative page signal
// or by the stall-detection policy.
package monitor

import (
	"sync"
	"time"
)

// Status represents job lifecycle state
type Status string

// job lifecycle states, terminal state is StatusComplete
const (
	StatusStarting   Status = "starting"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
)

// Job is a single tracked generation request
type Job struct {
	ID        string         `json:"jobId"`
	Status    Status         `json:"status"`
	Progress  int            `json:"progress"`
	CreatedAt time.Time      `json:"createdAt"`
	LocalPath string         `json:"localPath,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
}

// Active reports whether the job is still monitored
func (j Job) Active() bool { return j.Status != StatusComplete }

// Registry is the in-memory source of truth for job state. Completed jobs stay
// in the map for client polling but drop out of the active-monitoring set.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]Job)}
}

// Create adds a new job record. Existing record with the same id is replaced.
func (r *Registry) Create(job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.Status == "" {
		job.Status = StatusStarting
	}
	r.jobs[job.ID] = job
}

// Get returns a job by id
func (r *Registry) Get(id string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	return job, ok
}

// Update applies patch to the job with the given id, returns the updated job.
// No-op if the job doesn't exist.
func (r *Registry) Update(id string, patch func(*Job)) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	patch(&job)
	r.jobs[id] = job
	return job, true
}

// Remove deletes a job record entirely
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, id)
}

// ActiveCount returns the number of jobs still being monitored
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, job := range r.jobs {
		if job.Active() {
			count++
		}
	}
	return count
}

// Active returns all jobs still being monitored
func (r *Registry) Active() []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		if job.Active() {
			res = append(res, job)
		}
	}
	return res
}

// List returns all job records, active and completed
func (r *Registry) List() []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		res = append(res, job)
	}
	return res
}
