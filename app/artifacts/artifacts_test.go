package artifacts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedup(t *testing.T) {
	in := []Artifact{
		{URL: "u1", Index: 0},
		{URL: "u2", Index: 1},
		{URL: "u1", Index: 2}, // duplicate URL
		{URL: "u3", Index: 3},
		{URL: "u4", Index: 4},
		{URL: "u5", Index: 5}, // over the cap
	}

	out := Dedup(in, 4)
	require.Len(t, out, 4)
	urls := make([]string, 0, len(out))
	for _, a := range out {
		urls = append(urls, a.URL)
	}
	assert.Equal(t, []string{"u1", "u2", "u3", "u4"}, urls, "each URL at most once, at most 4 entries")
}

func TestResolver_Candidates(t *testing.T) {
	r := New(Params{
		VideoTemplate: "https://cdn.example.com/video/%s/%d.mp4",
		ThumbTemplate: "https://cdn.example.com/%s/0_%d.webp",
	})

	cands := r.Candidates("abc-123")
	require.Len(t, cands, 4)
	assert.Equal(t, "https://cdn.example.com/video/abc-123/0.mp4", cands[0].URL)
	assert.Equal(t, "https://cdn.example.com/abc-123/0_3.webp", cands[3].ThumbnailURL)
	assert.Equal(t, 3, cands[3].Index)
}

func TestResolver_ResolveValidatesExistence(t *testing.T) {
	// only indexes 0 and 2 exist upstream
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		if strings.HasSuffix(r.URL.Path, "/0.mp4") || strings.HasSuffix(r.URL.Path, "/2.mp4") {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	r := New(Params{VideoTemplate: ts.URL + "/video/%s/%d.mp4"})
	got := r.Resolve(context.Background(), "job-1")

	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].Index)
	assert.Equal(t, 2, got[1].Index)
}

func TestResolver_WaitForComplete_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	r := New(Params{
		VideoTemplate: ts.URL + "/video/%s/%d.mp4",
		WaitTimeout:   150 * time.Millisecond,
		PollInterval:  50 * time.Millisecond,
	})

	_, err := r.WaitForComplete(context.Background(), "job-1")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestResolver_WaitForComplete_SucceedsOnceArtifactAppears(t *testing.T) {
	var ready atomic.Bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ready.Load() && strings.HasSuffix(r.URL.Path, "/0.mp4") {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	r := New(Params{
		VideoTemplate: ts.URL + "/video/%s/%d.mp4",
		WaitTimeout:   5 * time.Second,
		PollInterval:  30 * time.Millisecond,
	})

	go func() {
		time.Sleep(100 * time.Millisecond)
		ready.Store(true)
	}()

	got, err := r.WaitForComplete(context.Background(), "job-1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(got), 1)
}

// scanPage fake returning canned scan entries
type scanFake struct{ raw interface{} }

func (s *scanFake) URL() string { return "https://studio.example.com/create" }
func (s *scanFake) Evaluate(_ string, _ ...interface{}) (interface{}, error) {
	return s.raw, nil
}

func scanEntry(jobID, url string, index int) map[string]interface{} {
	return map[string]interface{}{"jobId": jobID, "url": url, "index": float64(index), "thumb": ""}
}

func TestResolver_ScanPage_GroupsAndOrder(t *testing.T) {
	page := &scanFake{raw: []interface{}{
		scanEntry("newest", "https://cdn/x/n0.mp4", 0),
		scanEntry("newest", "https://cdn/x/n1.mp4", 1),
		scanEntry("newest", "https://cdn/x/n1.mp4", 1), // duplicate index, dropped
		scanEntry("older", "https://cdn/x/o0.mp4", 0),
	}}

	r := New(Params{VideoTemplate: "%s/%d"})

	// no explicit job id: first-seen group (most recent) wins
	jobID, got, err := r.ScanPage(page, "")
	require.NoError(t, err)
	assert.Equal(t, "newest", jobID)
	require.Len(t, got, 2)

	// explicit job id selects its group
	jobID, got, err = r.ScanPage(page, "older")
	require.NoError(t, err)
	assert.Equal(t, "older", jobID)
	require.Len(t, got, 1)
	assert.Equal(t, "https://cdn/x/o0.mp4", got[0].URL)
}

func TestResolver_ScanPage_NotReady(t *testing.T) {
	r := New(Params{VideoTemplate: "%s/%d"})

	_, _, err := r.ScanPage(&scanFake{raw: []interface{}{}}, "")
	assert.ErrorIs(t, err, ErrNotReady)

	_, _, err = r.ScanPage(&scanFake{raw: []interface{}{scanEntry("ghost", "", -1)}}, "")
	assert.ErrorIs(t, err, ErrNotReady, "anchor without media yields an empty group")
}
