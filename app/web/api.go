package web

import (
	"encoding/json"
	"net/http"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/akaiHuang/api-less-creative-automation/app/actions"
	"github.com/akaiHuang/api-less-creative-automation/app/artifacts"
)

// launchRequest selects how the browser session is acquired
type launchRequest struct {
	Mode string `json:"mode"` // auto, attach or standalone; empty means auto
}

// generateRequest starts a generation from an image URL
type generateRequest struct {
	ImageURL string          `json:"imageUrl"`
	Options  actions.Options `json:"options"`
}

// uploadRequest starts a generation from a local image file
type uploadRequest struct {
	ImagePath string          `json:"imagePath"`
	Options   actions.Options `json:"options"`
}

// fetchRequest narrows a page scan to a single job, empty means newest
type fetchRequest struct {
	JobID string `json:"jobId"`
}

// sessionResponse reports the browser session state
type sessionResponse struct {
	Success    bool   `json:"success"`
	Mode       string `json:"mode,omitempty"`
	HasBrowser bool   `json:"hasBrowser"`
	HasPage    bool   `json:"hasPage"`
	IsLoggedIn bool   `json:"isLoggedIn"`
}

// jobResponse reports a started or extracted job
type jobResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"jobId"`
	Message string `json:"message,omitempty"`
}

// jobStatusResponse reports tracked progress for a single job
type jobStatusResponse struct {
	Success   bool      `json:"success"`
	JobID     string    `json:"jobId"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	CreatedAt time.Time `json:"createdAt"`
}

// videosResponse carries resolved artifacts for a job
type videosResponse struct {
	Success bool                 `json:"success"`
	JobID   string               `json:"jobId,omitempty"`
	Videos  []artifacts.Artifact `json:"videos"`
	Message string               `json:"message,omitempty"`
}

// videoResponse carries a single artifact selected by index
type videoResponse struct {
	Success      bool   `json:"success"`
	JobID        string `json:"jobId"`
	Index        int    `json:"index"`
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
}

// creationEntry is one row of the merged live+history job listing
type creationEntry struct {
	JobID     string               `json:"jobId"`
	Status    string               `json:"status"`
	Progress  int                  `json:"progress"`
	CreatedAt time.Time            `json:"createdAt"`
	Videos    []artifacts.Artifact `json:"videos,omitempty"`
}

// creationsResponse lists known jobs, newest first
type creationsResponse struct {
	Success   bool            `json:"success"`
	Creations []creationEntry `json:"creations"`
}

// errorResponse is the uniform failure shape for all endpoints
type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Hint    string `json:"hint,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response with the given status code
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Success: false, Error: message})
}
