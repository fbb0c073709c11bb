package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/akaiHuang/api-less-creative-automation/app/actions"
	"github.com/akaiHuang/api-less-creative-automation/app/artifacts"
	"github.com/akaiHuang/api-less-creative-automation/app/events"
	"github.com/akaiHuang/api-less-creative-automation/app/monitor"
	"github.com/akaiHuang/api-less-creative-automation/app/session"
)

// imageExtensions lists accepted upload file types
var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".webp": true, ".gif": true,
}

// handleBrowserLaunch acquires a browser session in the requested mode
func (s *Server) handleBrowserLaunch(w http.ResponseWriter, r *http.Request) {
	var req launchRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // empty body means auto mode
	}

	mode, err := session.ParseMode(req.Mode)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	effective, err := s.Session.Acquire(r.Context(), mode)
	if err != nil {
		s.writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}

	st := s.Session.Status()
	s.writeJSON(w, http.StatusOK, sessionResponse{Success: true, Mode: string(effective),
		HasBrowser: st.HasBrowser, HasPage: st.HasPage, IsLoggedIn: st.IsLoggedIn})
}

// handleBrowserConnect attaches to an already running browser, no fallback
func (s *Server) handleBrowserConnect(w http.ResponseWriter, r *http.Request) {
	if _, err := s.Session.Acquire(r.Context(), session.ModeAttach); err != nil {
		s.writeJSON(w, http.StatusBadGateway, errorResponse{Success: false, Error: err.Error(), Hint: session.AttachHint})
		return
	}

	st := s.Session.Status()
	s.writeJSON(w, http.StatusOK, sessionResponse{Success: true, Mode: string(session.ModeAttach),
		HasBrowser: st.HasBrowser, HasPage: st.HasPage, IsLoggedIn: st.IsLoggedIn})
}

// handleBrowserNavigate opens the target app and reports login state
func (s *Server) handleBrowserNavigate(w http.ResponseWriter, r *http.Request) {
	loggedIn, err := s.Session.Navigate(r.Context())
	if err != nil {
		s.writeJSONError(w, s.actionErrStatus(err), err.Error())
		return
	}

	st := s.Session.Status()
	s.writeJSON(w, http.StatusOK, sessionResponse{Success: true, Mode: st.Mode,
		HasBrowser: st.HasBrowser, HasPage: st.HasPage, IsLoggedIn: loggedIn})
}

// handleBrowserClose stops monitoring and tears the session down
func (s *Server) handleBrowserClose(w http.ResponseWriter, _ *http.Request) {
	if s.Monitor != nil {
		s.Monitor.Stop()
	}
	if err := s.Session.Close(); err != nil {
		log.Printf("[WARN] session close: %v", err)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleAuthStatus re-derives login state from the current page URL
func (s *Server) handleAuthStatus(w http.ResponseWriter, _ *http.Request) {
	loggedIn, err := s.Session.CheckLoginStatus()
	if err != nil {
		// no session yet is a normal state for a polling endpoint
		st := s.Session.Status()
		s.writeJSON(w, http.StatusOK, sessionResponse{Success: true, Mode: st.Mode,
			HasBrowser: st.HasBrowser, HasPage: st.HasPage, IsLoggedIn: false})
		return
	}

	st := s.Session.Status()
	s.writeJSON(w, http.StatusOK, sessionResponse{Success: true, Mode: st.Mode,
		HasBrowser: st.HasBrowser, HasPage: st.HasPage, IsLoggedIn: loggedIn})
}

// handleVideoGenerate starts a generation from an image URL. URLs already on
// the app's CDN reuse the animate-existing flow instead of re-entering the URL.
func (s *Server) handleVideoGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ImageURL == "" {
		s.writeJSONError(w, http.StatusBadRequest, "imageUrl required")
		return
	}

	var jobID string
	var err error
	if s.Actions.IsHostCDN(req.ImageURL) {
		jobID, err = s.Actions.AnimateExisting(r.Context())
	} else {
		jobID, err = s.Actions.AnimateFromURL(r.Context(), req.ImageURL, req.Options)
	}
	if err != nil {
		s.writeJSONError(w, s.actionErrStatus(err), err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, jobResponse{Success: true, JobID: jobID, Message: "generation started"})
}

// handleVideoAnimate animates the most recent existing result on the page
func (s *Server) handleVideoAnimate(w http.ResponseWriter, r *http.Request) {
	jobID, err := s.Actions.AnimateExisting(r.Context())
	if err != nil {
		s.writeJSONError(w, s.actionErrStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, jobResponse{Success: true, JobID: jobID, Message: "animation started"})
}

// handleVideoUpload starts a generation from a local image file
func (s *Server) handleVideoUpload(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.startUpload(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, jobResponse{Success: true, JobID: jobID, Message: "upload started"})
}

// handleVideoUploadAndWait starts an upload generation and blocks until the
// artifact validates or the wait times out. Timeout does not abandon the job,
// background monitoring keeps running and will broadcast completion later.
func (s *Server) handleVideoUploadAndWait(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.startUpload(w, r)
	if !ok {
		return
	}
	if s.Artifacts == nil {
		s.writeJSONError(w, http.StatusNotImplemented, "artifact resolution not configured")
		return
	}

	found, err := s.Artifacts.WaitForComplete(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, artifacts.ErrNotReady) {
			s.writeJSON(w, http.StatusOK, videosResponse{Success: false, JobID: jobID, Message: "timeout"})
			return
		}
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, videosResponse{Success: true, JobID: jobID, Videos: found})
}

// startUpload validates the upload request and kicks off the flow.
// On failure it writes the error response and returns ok=false.
func (s *Server) startUpload(w http.ResponseWriter, r *http.Request) (jobID string, ok bool) {
	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return "", false
	}
	if req.ImagePath == "" {
		s.writeJSONError(w, http.StatusBadRequest, "imagePath required")
		return "", false
	}
	if err := s.validateUpload(req.ImagePath); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return "", false
	}

	jobID, err := s.Actions.UploadAndAnimate(r.Context(), req.ImagePath, req.Options)
	if err != nil {
		s.writeJSONError(w, s.actionErrStatus(err), err.Error())
		return "", false
	}
	return jobID, true
}

// validateUpload rejects non-image files and oversized payloads
func (s *Server) validateUpload(path string) error {
	if !imageExtensions[strings.ToLower(filepath.Ext(path))] {
		return errors.New("unsupported image type, expected png, jpg, jpeg, webp or gif")
	}
	info, err := os.Stat(path)
	if err != nil {
		return errors.New("image file not found: " + path)
	}
	if info.IsDir() {
		return errors.New("image path is a directory: " + path)
	}
	if info.Size() > s.UploadMaxBytes {
		return errors.New("image too large: " + strconv.FormatInt(info.Size(), 10) + " bytes")
	}
	return nil
}

// handleJobStatus reports progress for a tracked or previously completed job
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "job ID required")
		return
	}

	if job, found := s.Registry.Get(jobID); found {
		s.writeJSON(w, http.StatusOK, jobStatusResponse{Success: true, JobID: job.ID,
			Status: string(job.Status), Progress: job.Progress, CreatedAt: job.CreatedAt})
		return
	}

	if s.History != nil {
		if rec, err := s.History.Get(jobID); err == nil {
			s.writeJSON(w, http.StatusOK, jobStatusResponse{Success: true, JobID: rec.JobID,
				Status: string(monitor.StatusComplete), Progress: 100, CreatedAt: rec.CompletedAt})
			return
		}
	}

	s.writeJSONError(w, http.StatusNotFound, "job not found")
}

// handleJobVideo returns one validated artifact for a job, selected by index
func (s *Server) handleJobVideo(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "job ID required")
		return
	}
	if s.Artifacts == nil {
		s.writeJSONError(w, http.StatusNotImplemented, "artifact resolution not configured")
		return
	}

	index := 0
	if v := r.URL.Query().Get("index"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			s.writeJSONError(w, http.StatusBadRequest, "invalid index")
			return
		}
		index = parsed
	}

	found := s.Artifacts.Resolve(r.Context(), jobID)
	if len(found) == 0 {
		s.writeJSONError(w, http.StatusNotFound, "video not ready")
		return
	}
	if index >= len(found) {
		s.writeJSONError(w, http.StatusNotFound, "video index out of range")
		return
	}

	s.writeJSON(w, http.StatusOK, videoResponse{Success: true, JobID: jobID,
		Index: index, URL: found[index].URL, ThumbnailURL: found[index].ThumbnailURL})
}

// handleCreations lists tracked jobs merged with recorded history, newest first
func (s *Server) handleCreations(w http.ResponseWriter, _ *http.Request) {
	entries := []creationEntry{}
	seen := map[string]bool{}

	for _, job := range s.Registry.List() {
		entries = append(entries, creationEntry{JobID: job.ID, Status: string(job.Status),
			Progress: job.Progress, CreatedAt: job.CreatedAt})
		seen[job.ID] = true
	}

	if s.History != nil {
		recent, err := s.History.LoadRecent(50)
		if err != nil {
			log.Printf("[WARN] failed to load job history: %v", err)
		}
		for _, rec := range recent {
			if seen[rec.JobID] {
				continue
			}
			videos := make([]artifacts.Artifact, 0, len(rec.Artifacts))
			for i, a := range rec.Artifacts {
				videos = append(videos, artifacts.Artifact{URL: a.URL, ThumbnailURL: a.ThumbnailURL, JobID: rec.JobID, Index: i})
			}
			entries = append(entries, creationEntry{JobID: rec.JobID, Status: string(monitor.StatusComplete),
				Progress: 100, CreatedAt: rec.CompletedAt, Videos: videos})
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.After(entries[j].CreatedAt) })
	s.writeJSON(w, http.StatusOK, creationsResponse{Success: true, Creations: entries})
}

// handleVideosFetch scans the current page DOM for completed media
func (s *Server) handleVideosFetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // empty body means newest job
	}
	if s.Scan == nil {
		s.writeJSONError(w, http.StatusNotImplemented, "page scanning not configured")
		return
	}

	jobID, found, err := s.Scan(req.JobID)
	if err != nil {
		if errors.Is(err, artifacts.ErrNotReady) {
			s.writeJSONError(w, http.StatusNotFound, "no completed videos found")
			return
		}
		s.writeJSONError(w, s.actionErrStatus(err), err.Error())
		return
	}

	s.Events.Broadcast(events.Event{Kind: events.KindVideosFound, Timestamp: time.Now(),
		Data: map[string]any{"jobId": jobID, "videos": found}})
	s.writeJSON(w, http.StatusOK, videosResponse{Success: true, JobID: jobID, Videos: found})
}

// handleSystemStatus reports service, session and host health
func (s *Server) handleSystemStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.Session.Status()

	resp := map[string]any{
		"success": true,
		"version": s.Version,
		"session": map[string]any{
			"mode":       st.Mode,
			"hasBrowser": st.HasBrowser,
			"hasPage":    st.HasPage,
			"isLoggedIn": st.IsLoggedIn,
		},
		"jobs": map[string]any{
			"active": s.Registry.ActiveCount(),
			"total":  len(s.Registry.List()),
		},
		"subscribers": s.Events.Count(),
	}
	if s.Monitor != nil {
		resp["monitoring"] = s.Monitor.Running()
	}

	system := map[string]any{}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		system["cpuPercent"] = percents[0]
	}
	if v, err := mem.VirtualMemory(); err == nil {
		system["memoryPercent"] = v.UsedPercent
	}
	if avg, err := load.Avg(); err == nil {
		system["load1"] = avg.Load1
	}
	resp["system"] = system

	s.writeJSON(w, http.StatusOK, resp)
}

// actionErrStatus maps flow errors to HTTP status codes
func (s *Server) actionErrStatus(err error) int {
	switch {
	case errors.Is(err, actions.ErrNoSession) || errors.Is(err, session.ErrNoSession):
		return http.StatusConflict
	case errors.Is(err, actions.ErrNotLoggedIn) || errors.Is(err, session.ErrNotLoggedIn):
		return http.StatusForbidden
	case errors.Is(err, actions.ErrControlNotFound):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
