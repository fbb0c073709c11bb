// Package web implements the HTTP API server for the automation service
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"
	"golang.org/x/crypto/bcrypt"

	"github.com/akaiHuang/api-less-creative-automation/app/actions"
	"github.com/akaiHuang/api-less-creative-automation/app/artifacts"
	"github.com/akaiHuang/api-less-creative-automation/app/events"
	"github.com/akaiHuang/api-less-creative-automation/app/monitor"
	"github.com/akaiHuang/api-less-creative-automation/app/session"
	"github.com/akaiHuang/api-less-creative-automation/app/web/persistence"
)

// actionLimiter throttles the browser-driving endpoints. Each of them
// serializes on the single page anyway, so there is no point letting
// callers pile up requests.
var actionLimiter = tollbooth.NewLimiter(2, nil)

// SessionController manages the browser session lifecycle
type SessionController interface {
	Acquire(ctx context.Context, mode session.Mode) (session.Mode, error)
	Navigate(ctx context.Context) (bool, error)
	CheckLoginStatus() (bool, error)
	Status() session.State
	Close() error
}

// JobRunner drives the generation flows on the active page
type JobRunner interface {
	AnimateExisting(ctx context.Context) (string, error)
	AnimateFromURL(ctx context.Context, imageURL string, opts actions.Options) (string, error)
	UploadAndAnimate(ctx context.Context, imagePath string, opts actions.Options) (string, error)
	IsHostCDN(rawURL string) bool
}

// ArtifactService resolves and waits for generated media
type ArtifactService interface {
	Resolve(ctx context.Context, jobID string) []artifacts.Artifact
	WaitForComplete(ctx context.Context, jobID string) ([]artifacts.Artifact, error)
}

// PageScanner extracts completed media from the current page DOM.
// jobID narrows the scan to a single job; empty means newest.
type PageScanner func(jobID string) (string, []artifacts.Artifact, error)

// MonitorControl exposes the progress watcher lifecycle
type MonitorControl interface {
	Stop()
	Running() bool
}

// HistoryStore reads completed jobs recorded by earlier runs
type HistoryStore interface {
	LoadRecent(limit int) ([]persistence.CompletedJob, error)
	Get(jobID string) (persistence.CompletedJob, error)
}

// Config holds server configuration
type Config struct {
	Version        string
	PasswordHash   string // bcrypt hash for basic auth, empty disables auth
	Session        SessionController
	Actions        JobRunner
	Artifacts      ArtifactService
	Scan           PageScanner
	Monitor        MonitorControl
	Registry       *monitor.Registry
	Events         *events.Broadcaster
	History        HistoryStore
	UploadMaxBytes int64 // max accepted image size for upload flows
}

// Server represents the web server
type Server struct {
	Config
}

// New creates a web server with the given configuration
func New(cfg Config) (*Server, error) {
	if cfg.Session == nil || cfg.Actions == nil {
		return nil, fmt.Errorf("session and actions are required")
	}
	if cfg.Registry == nil || cfg.Events == nil {
		return nil, fmt.Errorf("registry and events are required")
	}
	if cfg.UploadMaxBytes <= 0 {
		cfg.UploadMaxBytes = 10 * 1024 * 1024
	}
	return &Server{Config: cfg}, nil
}

// Run starts the web server and blocks until ctx is canceled
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
		// no WriteTimeout, the events endpoint holds connections open
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("creative-automation", "akaiHuang", s.Version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(64*1024), // 64KB max request size, uploads are passed by path
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	if s.PasswordHash != "" {
		log.Printf("[INFO] authentication enabled for API")
		router.Use(s.authMiddleware)
	}

	router.Mount("/api").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)

		api.HandleFunc("POST /browser/launch", s.handleBrowserLaunch)
		api.HandleFunc("POST /browser/connect", s.handleBrowserConnect)
		api.HandleFunc("POST /browser/navigate", s.handleBrowserNavigate)
		api.HandleFunc("POST /browser/close", s.handleBrowserClose)
		api.HandleFunc("GET /auth/status", s.handleAuthStatus)

		// generation endpoints are rate limited, they contend for one page
		api.With(tollbooth.HTTPMiddleware(actionLimiter)).HandleFunc("POST /video/generate", s.handleVideoGenerate)
		api.With(tollbooth.HTTPMiddleware(actionLimiter)).HandleFunc("POST /video/animate", s.handleVideoAnimate)
		api.With(tollbooth.HTTPMiddleware(actionLimiter)).HandleFunc("POST /video/upload", s.handleVideoUpload)
		api.With(tollbooth.HTTPMiddleware(actionLimiter)).HandleFunc("POST /video/upload-and-wait", s.handleVideoUploadAndWait)

		api.HandleFunc("GET /job/{jobId}/status", s.handleJobStatus)
		api.HandleFunc("GET /job/{jobId}/video", s.handleJobVideo)
		api.HandleFunc("GET /creations", s.handleCreations)
		api.HandleFunc("POST /videos/fetch", s.handleVideosFetch)
		api.HandleFunc("GET /status", s.handleSystemStatus)

		api.HandleFunc("GET /events", s.handleEvents)
	})

	return router
}

// authMiddleware enforces basic auth against the configured bcrypt hash
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ping" {
			next.ServeHTTP(w, r)
			return
		}
		_, password, ok := r.BasicAuth()
		if ok {
			if err := bcrypt.CompareHashAndPassword([]byte(s.PasswordHash), []byte(password)); err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="Creative Automation API"`)
		s.writeJSONError(w, http.StatusUnauthorized, "unauthorized")
	})
}
