package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akaiHuang/api-less-creative-automation/app/actions"
	"github.com/akaiHuang/api-less-creative-automation/app/artifacts"
	"github.com/akaiHuang/api-less-creative-automation/app/events"
	"github.com/akaiHuang/api-less-creative-automation/app/monitor"
	"github.com/akaiHuang/api-less-creative-automation/app/session"
	"github.com/akaiHuang/api-less-creative-automation/app/web/persistence"
)

type fakeSession struct {
	acquireMode session.Mode
	acquireErr  error
	navLoggedIn bool
	navErr      error
	checkResult bool
	checkErr    error
	state       session.State
	closed      bool
	lastMode    session.Mode
}

func (f *fakeSession) Acquire(_ context.Context, mode session.Mode) (session.Mode, error) {
	f.lastMode = mode
	if f.acquireErr != nil {
		return "", f.acquireErr
	}
	if f.acquireMode != "" {
		return f.acquireMode, nil
	}
	return mode, nil
}
func (f *fakeSession) Navigate(context.Context) (bool, error)  { return f.navLoggedIn, f.navErr }
func (f *fakeSession) CheckLoginStatus() (bool, error)         { return f.checkResult, f.checkErr }
func (f *fakeSession) Status() session.State                   { return f.state }
func (f *fakeSession) Close() error                            { f.closed = true; return nil }

type fakeRunner struct {
	jobID        string
	err          error
	cdn          bool
	existingRuns int
	urlRuns      int
	uploadRuns   int
	lastURL      string
	lastPath     string
}

func (f *fakeRunner) AnimateExisting(context.Context) (string, error) {
	f.existingRuns++
	return f.jobID, f.err
}
func (f *fakeRunner) AnimateFromURL(_ context.Context, imageURL string, _ actions.Options) (string, error) {
	f.urlRuns++
	f.lastURL = imageURL
	return f.jobID, f.err
}
func (f *fakeRunner) UploadAndAnimate(_ context.Context, imagePath string, _ actions.Options) (string, error) {
	f.uploadRuns++
	f.lastPath = imagePath
	return f.jobID, f.err
}
func (f *fakeRunner) IsHostCDN(string) bool { return f.cdn }

type fakeArtifactSvc struct {
	resolved []artifacts.Artifact
	waitRes  []artifacts.Artifact
	waitErr  error
}

func (f *fakeArtifactSvc) Resolve(context.Context, string) []artifacts.Artifact { return f.resolved }
func (f *fakeArtifactSvc) WaitForComplete(context.Context, string) ([]artifacts.Artifact, error) {
	return f.waitRes, f.waitErr
}

type fakeMonitorCtl struct {
	running bool
	stopped bool
}

func (f *fakeMonitorCtl) Start()        { f.running = true }
func (f *fakeMonitorCtl) Stop()         { f.stopped = true; f.running = false }
func (f *fakeMonitorCtl) Running() bool { return f.running }

type fakeHistory struct {
	records map[string]persistence.CompletedJob
	recent  []persistence.CompletedJob
}

func (f *fakeHistory) LoadRecent(int) ([]persistence.CompletedJob, error) { return f.recent, nil }
func (f *fakeHistory) Get(jobID string) (persistence.CompletedJob, error) {
	rec, ok := f.records[jobID]
	if !ok {
		return persistence.CompletedJob{}, persistence.ErrNotFound
	}
	return rec, nil
}

func testServer(t *testing.T, mutate func(*Config)) (*Server, *fakeSession, *fakeRunner) {
	t.Helper()
	sess := &fakeSession{}
	runner := &fakeRunner{jobID: "job-abc"}
	cfg := Config{
		Version:  "test",
		Session:  sess,
		Actions:  runner,
		Registry: monitor.NewRegistry(),
		Events:   events.NewBroadcaster(16),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg)
	require.NoError(t, err)
	return srv, sess, runner
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestNew_RequiresCoreDependencies(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Session: &fakeSession{}, Actions: &fakeRunner{}})
	assert.Error(t, err, "registry and events still missing")
}

func TestHandleBrowserLaunch(t *testing.T) {
	t.Run("default mode is auto", func(t *testing.T) {
		srv, sess, _ := testServer(t, nil)
		sess.state = session.State{HasBrowser: true, HasPage: true}

		rec := httptest.NewRecorder()
		srv.handleBrowserLaunch(rec, httptest.NewRequest(http.MethodPost, "/api/browser/launch", http.NoBody))

		assert.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, "auto", body["mode"])
		assert.Equal(t, session.ModeAuto, sess.lastMode)
	})

	t.Run("invalid mode rejected", func(t *testing.T) {
		srv, _, _ := testServer(t, nil)

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/browser/launch", strings.NewReader(`{"mode":"bogus"}`))
		srv.handleBrowserLaunch(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, false, decodeBody(t, rec)["success"])
	})

	t.Run("acquire failure surfaces", func(t *testing.T) {
		srv, sess, _ := testServer(t, nil)
		sess.acquireErr = session.ErrAttachFailed

		rec := httptest.NewRecorder()
		srv.handleBrowserLaunch(rec, httptest.NewRequest(http.MethodPost, "/api/browser/launch", http.NoBody))
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func TestHandleBrowserConnect_FailureIncludesHint(t *testing.T) {
	srv, sess, _ := testServer(t, nil)
	sess.acquireErr = session.ErrAttachFailed

	rec := httptest.NewRecorder()
	srv.handleBrowserConnect(rec, httptest.NewRequest(http.MethodPost, "/api/browser/connect", http.NoBody))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, session.AttachHint, body["hint"])
	assert.Equal(t, session.ModeAttach, sess.lastMode, "connect never falls back")
}

func TestHandleAuthStatus_NoSessionIsNotAnError(t *testing.T) {
	srv, sess, _ := testServer(t, nil)
	sess.checkErr = session.ErrNoSession

	rec := httptest.NewRecorder()
	srv.handleAuthStatus(rec, httptest.NewRequest(http.MethodGet, "/api/auth/status", http.NoBody))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, false, body["isLoggedIn"])
}

func TestHandleVideoGenerate(t *testing.T) {
	t.Run("missing imageUrl", func(t *testing.T) {
		srv, _, _ := testServer(t, nil)
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/video/generate", strings.NewReader(`{}`))
		srv.handleVideoGenerate(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("cdn url reuses animate-existing flow", func(t *testing.T) {
		srv, _, runner := testServer(t, nil)
		runner.cdn = true

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/video/generate",
			strings.NewReader(`{"imageUrl":"https://cdn.example.com/jobs/x/0.png"}`))
		srv.handleVideoGenerate(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, runner.existingRuns)
		assert.Equal(t, 0, runner.urlRuns)
		assert.Equal(t, "job-abc", decodeBody(t, rec)["jobId"])
	})

	t.Run("external url enters via paste flow", func(t *testing.T) {
		srv, _, runner := testServer(t, nil)

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/video/generate",
			strings.NewReader(`{"imageUrl":"https://elsewhere.com/pic.png"}`))
		srv.handleVideoGenerate(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, runner.urlRuns)
		assert.Equal(t, "https://elsewhere.com/pic.png", runner.lastURL)
	})

	t.Run("not logged in maps to 403", func(t *testing.T) {
		srv, _, runner := testServer(t, nil)
		runner.err = actions.ErrNotLoggedIn

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/video/generate",
			strings.NewReader(`{"imageUrl":"https://elsewhere.com/pic.png"}`))
		srv.handleVideoGenerate(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("no session maps to 409", func(t *testing.T) {
		srv, _, runner := testServer(t, nil)
		runner.err = actions.ErrNoSession

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/video/generate",
			strings.NewReader(`{"imageUrl":"https://elsewhere.com/pic.png"}`))
		srv.handleVideoGenerate(rec, req)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestHandleVideoUpload_Validation(t *testing.T) {
	srv, _, runner := testServer(t, nil)

	tmp := t.TempDir()
	imgPath := filepath.Join(tmp, "frame.png")
	require.NoError(t, os.WriteFile(imgPath, []byte("png-bytes"), 0o600))

	tbl := []struct {
		name   string
		path   string
		status int
	}{
		{"valid image", imgPath, http.StatusOK},
		{"missing path", "", http.StatusBadRequest},
		{"wrong extension", filepath.Join(tmp, "movie.mp4"), http.StatusBadRequest},
		{"nonexistent file", filepath.Join(tmp, "nope.png"), http.StatusBadRequest},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			body, err := json.Marshal(uploadRequest{ImagePath: tt.path})
			require.NoError(t, err)
			rec := httptest.NewRecorder()
			srv.handleVideoUpload(rec, httptest.NewRequest(http.MethodPost, "/api/video/upload", bytes.NewReader(body)))
			assert.Equal(t, tt.status, rec.Code)
		})
	}
	assert.Equal(t, 1, runner.uploadRuns, "only the valid request reaches the flow")
}

func TestHandleVideoUpload_SizeCap(t *testing.T) {
	srv, _, _ := testServer(t, func(cfg *Config) { cfg.UploadMaxBytes = 4 })

	imgPath := filepath.Join(t.TempDir(), "big.png")
	require.NoError(t, os.WriteFile(imgPath, []byte("more than four bytes"), 0o600))

	body, err := json.Marshal(uploadRequest{ImagePath: imgPath})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	srv.handleVideoUpload(rec, httptest.NewRequest(http.MethodPost, "/api/video/upload", bytes.NewReader(body)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "too large")
}

func TestHandleVideoUploadAndWait(t *testing.T) {
	imgPath := filepath.Join(t.TempDir(), "frame.jpg")
	require.NoError(t, os.WriteFile(imgPath, []byte("jpg"), 0o600))
	reqBody, err := json.Marshal(uploadRequest{ImagePath: imgPath})
	require.NoError(t, err)

	t.Run("timeout reported without failing the job", func(t *testing.T) {
		srv, _, _ := testServer(t, func(cfg *Config) {
			cfg.Artifacts = &fakeArtifactSvc{waitErr: artifacts.ErrNotReady}
		})

		rec := httptest.NewRecorder()
		srv.handleVideoUploadAndWait(rec, httptest.NewRequest(http.MethodPost, "/api/video/upload-and-wait", bytes.NewReader(reqBody)))

		assert.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, false, body["success"])
		assert.Equal(t, "timeout", body["message"])
	})

	t.Run("artifacts returned once validated", func(t *testing.T) {
		srv, _, _ := testServer(t, func(cfg *Config) {
			cfg.Artifacts = &fakeArtifactSvc{waitRes: []artifacts.Artifact{{URL: "https://cdn/jobs/job-abc/0.mp4", JobID: "job-abc"}}}
		})

		rec := httptest.NewRecorder()
		srv.handleVideoUploadAndWait(rec, httptest.NewRequest(http.MethodPost, "/api/video/upload-and-wait", bytes.NewReader(reqBody)))

		assert.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, true, body["success"])
		assert.Len(t, body["videos"], 1)
	})
}

func TestHandleJobStatus(t *testing.T) {
	completedAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	srv, _, _ := testServer(t, func(cfg *Config) {
		cfg.History = &fakeHistory{records: map[string]persistence.CompletedJob{
			"old-job": {JobID: "old-job", CompletedAt: completedAt},
		}}
	})
	srv.Registry.Create(monitor.Job{ID: "live-job", Status: monitor.StatusProcessing, Progress: 42})

	tbl := []struct {
		jobID    string
		status   int
		jobState string
	}{
		{"live-job", http.StatusOK, "processing"},
		{"old-job", http.StatusOK, "complete"},
		{"unknown", http.StatusNotFound, ""},
	}

	for _, tt := range tbl {
		t.Run(tt.jobID, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/job/"+tt.jobID+"/status", http.NoBody)
			req.SetPathValue("jobId", tt.jobID)
			rec := httptest.NewRecorder()
			srv.handleJobStatus(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.jobState != "" {
				assert.Equal(t, tt.jobState, decodeBody(t, rec)["status"])
			}
		})
	}
}

func TestHandleJobVideo(t *testing.T) {
	resolved := []artifacts.Artifact{
		{URL: "https://cdn/jobs/j1/0.mp4", JobID: "j1", Index: 0},
		{URL: "https://cdn/jobs/j1/1.mp4", JobID: "j1", Index: 1},
	}

	t.Run("not ready", func(t *testing.T) {
		srv, _, _ := testServer(t, func(cfg *Config) { cfg.Artifacts = &fakeArtifactSvc{} })
		req := httptest.NewRequest(http.MethodGet, "/api/job/j1/video", http.NoBody)
		req.SetPathValue("jobId", "j1")
		rec := httptest.NewRecorder()
		srv.handleJobVideo(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("index selection", func(t *testing.T) {
		srv, _, _ := testServer(t, func(cfg *Config) { cfg.Artifacts = &fakeArtifactSvc{resolved: resolved} })
		req := httptest.NewRequest(http.MethodGet, "/api/job/j1/video?index=1", http.NoBody)
		req.SetPathValue("jobId", "j1")
		rec := httptest.NewRecorder()
		srv.handleJobVideo(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "https://cdn/jobs/j1/1.mp4", decodeBody(t, rec)["url"])
	})

	t.Run("index out of range", func(t *testing.T) {
		srv, _, _ := testServer(t, func(cfg *Config) { cfg.Artifacts = &fakeArtifactSvc{resolved: resolved} })
		req := httptest.NewRequest(http.MethodGet, "/api/job/j1/video?index=5", http.NoBody)
		req.SetPathValue("jobId", "j1")
		rec := httptest.NewRecorder()
		srv.handleJobVideo(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("negative index rejected", func(t *testing.T) {
		srv, _, _ := testServer(t, func(cfg *Config) { cfg.Artifacts = &fakeArtifactSvc{resolved: resolved} })
		req := httptest.NewRequest(http.MethodGet, "/api/job/j1/video?index=-1", http.NoBody)
		req.SetPathValue("jobId", "j1")
		rec := httptest.NewRecorder()
		srv.handleJobVideo(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleCreations_MergesLiveAndHistory(t *testing.T) {
	srv, _, _ := testServer(t, func(cfg *Config) {
		cfg.History = &fakeHistory{recent: []persistence.CompletedJob{
			{JobID: "done-1", CompletedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
				Artifacts: []persistence.Artifact{{URL: "https://cdn/jobs/done-1/0.mp4"}}},
			{JobID: "live-1", CompletedAt: time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)},
		}}
	})
	srv.Registry.Create(monitor.Job{ID: "live-1", Status: monitor.StatusProcessing, Progress: 60,
		CreatedAt: time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)})

	rec := httptest.NewRecorder()
	srv.handleCreations(rec, httptest.NewRequest(http.MethodGet, "/api/creations", http.NoBody))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp creationsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Creations, 2, "live job shadows its history record")
	assert.Equal(t, "live-1", resp.Creations[0].JobID, "newest first")
	assert.Equal(t, "done-1", resp.Creations[1].JobID)
	assert.Len(t, resp.Creations[1].Videos, 1)
}

func TestHandleVideosFetch(t *testing.T) {
	t.Run("broadcasts found videos", func(t *testing.T) {
		srv, _, _ := testServer(t, func(cfg *Config) {
			cfg.Scan = func(jobID string) (string, []artifacts.Artifact, error) {
				return "job-xyz", []artifacts.Artifact{{URL: "https://cdn/jobs/job-xyz/0.mp4"}}, nil
			}
		})
		_, ch := srv.Events.Subscribe()

		rec := httptest.NewRecorder()
		srv.handleVideosFetch(rec, httptest.NewRequest(http.MethodPost, "/api/videos/fetch", http.NoBody))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "job-xyz", decodeBody(t, rec)["jobId"])

		select {
		case e := <-ch:
			assert.Equal(t, events.KindVideosFound, e.Kind)
			assert.Equal(t, "job-xyz", e.Data["jobId"])
		case <-time.After(time.Second):
			t.Fatal("expected videos_found event")
		}
	})

	t.Run("nothing completed yet", func(t *testing.T) {
		srv, _, _ := testServer(t, func(cfg *Config) {
			cfg.Scan = func(string) (string, []artifacts.Artifact, error) { return "", nil, artifacts.ErrNotReady }
		})

		rec := httptest.NewRecorder()
		srv.handleVideosFetch(rec, httptest.NewRequest(http.MethodPost, "/api/videos/fetch", http.NoBody))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleBrowserClose_StopsMonitorAndSession(t *testing.T) {
	ctl := &fakeMonitorCtl{running: true}
	srv, sess, _ := testServer(t, func(cfg *Config) { cfg.Monitor = ctl })

	rec := httptest.NewRecorder()
	srv.handleBrowserClose(rec, httptest.NewRequest(http.MethodPost, "/api/browser/close", http.NoBody))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ctl.stopped)
	assert.True(t, sess.closed)
}

func TestHandleSystemStatus(t *testing.T) {
	srv, sess, _ := testServer(t, func(cfg *Config) { cfg.Monitor = &fakeMonitorCtl{running: true} })
	sess.state = session.State{Mode: string(session.ModeAttach), HasBrowser: true, HasPage: true, IsLoggedIn: true}
	srv.Registry.Create(monitor.Job{ID: "j1", Status: monitor.StatusProcessing})

	rec := httptest.NewRecorder()
	srv.handleSystemStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", http.NoBody))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, true, body["monitoring"])
	sessInfo, ok := body["session"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "attach", sessInfo["mode"])
	jobs, ok := body["jobs"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, jobs["active"])
}
