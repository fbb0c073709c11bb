// Package artifacts turns inferred job completion into concrete downloadable
// media URLs. Candidates are synthesized from the job id over a fixed index
// range and validated with lightweight existence checks; a page-wide scan
// covers jobs whose media is only discoverable from the rendered grid.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
)

// ErrNotReady indicates no artifact passed the existence check yet. Expected
// during generation, not an error state.
var ErrNotReady = errors.New("no validated artifacts yet")

// Artifact is one individually addressable output of a completed job
type Artifact struct {
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	JobID        string `json:"jobId"`
	Index        int    `json:"index"`
}

// Doer is the minimal http client surface used for existence checks
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Repeater retries a failed function, matching the go-pkgz/repeater shape
type Repeater interface {
	Do(ctx context.Context, fun func() error, errs ...error) error
}

// Page is the page surface needed for the grid scan
type Page interface {
	URL() string
	Evaluate(expression string, arg ...interface{}) (interface{}, error)
}

// Params configures the resolver
type Params struct {
	Client        Doer
	Repeater      Repeater      // nil means no retries
	VideoTemplate string        // fmt template with job id and index, e.g. https://cdn.../video/%s/%d.mp4
	ThumbTemplate string        // fmt template with job id and index
	MaxPerJob     int           // upstream grid size, default 4
	WaitTimeout   time.Duration // wall-clock bound for WaitForComplete, default 180s
	PollInterval  time.Duration // default 2s
	Concurrency   int           // parallel existence checks, default 4
}

// Resolver validates candidate artifact URLs and scans the rendered page
type Resolver struct {
	Params
}

// New creates a resolver with defaults applied
func New(p Params) *Resolver {
	if p.Client == nil {
		p.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if p.MaxPerJob <= 0 {
		p.MaxPerJob = 4
	}
	if p.WaitTimeout <= 0 {
		p.WaitTimeout = 180 * time.Second
	}
	if p.PollInterval <= 0 {
		p.PollInterval = 2 * time.Second
	}
	if p.Concurrency <= 0 {
		p.Concurrency = 4
	}
	return &Resolver{Params: p}
}

// Candidates synthesizes the candidate artifact set for a job id over the
// fixed per-job index range
func (r *Resolver) Candidates(jobID string) []Artifact {
	res := make([]Artifact, 0, r.MaxPerJob)
	for i := 0; i < r.MaxPerJob; i++ {
		a := Artifact{JobID: jobID, Index: i, URL: fmt.Sprintf(r.VideoTemplate, jobID, i)}
		if r.ThumbTemplate != "" {
			a.ThumbnailURL = fmt.Sprintf(r.ThumbTemplate, jobID, i)
		}
		res = append(res, a)
	}
	return res
}

// Resolve validates the candidate set and returns artifacts that exist,
// deduplicated by URL, ordered by index, capped at MaxPerJob
func (r *Resolver) Resolve(ctx context.Context, jobID string) []Artifact {
	candidates := r.Candidates(jobID)

	var mu sync.Mutex
	var valid []Artifact

	gr := syncs.NewSizedGroup(r.Concurrency, syncs.Context(ctx))
	for _, cand := range candidates {
		gr.Go(func(ctx context.Context) {
			if !r.exists(ctx, cand.URL) {
				return
			}
			mu.Lock()
			valid = append(valid, cand)
			mu.Unlock()
		})
	}
	gr.Wait()

	sort.Slice(valid, func(i, j int) bool { return valid[i].Index < valid[j].Index })
	return Dedup(valid, r.MaxPerJob)
}

// exists issues a HEAD request, retried via the repeater when configured
func (r *Resolver) exists(ctx context.Context, url string) bool {
	check := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, http.NoBody)
		if err != nil {
			return err
		}
		resp, err := r.Client.Do(req)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("status %d for %s", resp.StatusCode, url)
		}
		return nil
	}

	var err error
	if r.Repeater != nil {
		err = r.Repeater.Do(ctx, check)
	} else {
		err = check()
	}
	if err != nil {
		log.Printf("[DEBUG] artifact check failed: %v", err)
		return false
	}
	return true
}

// WaitForComplete polls until at least one validated artifact exists or the
// wall-clock bound elapses. Timeout reports failure without touching the job;
// the async monitor may still complete it later.
func (r *Resolver) WaitForComplete(ctx context.Context, jobID string) ([]Artifact, error) {
	deadline := time.Now().Add(r.WaitTimeout)
	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()

	for {
		if found := r.Resolve(ctx, jobID); len(found) > 0 {
			return found, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrNotReady
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Dedup removes duplicate URLs preserving order and caps the result
func Dedup(in []Artifact, limit int) []Artifact {
	seen := make(map[string]bool, len(in))
	out := make([]Artifact, 0, len(in))
	for _, a := range in {
		if seen[a.URL] {
			continue
		}
		seen[a.URL] = true
		out = append(out, a)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
