package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/akaiHuang/api-less-creative-automation/app/events"
)

// heartbeatInterval keeps idle SSE connections from being reaped by proxies
const heartbeatInterval = 15 * time.Second

// handleEvents streams broadcaster events to the client as server-sent events.
// The first message is a status snapshot so late subscribers start with
// current state instead of waiting for the next change.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	id, ch := s.Events.Subscribe()
	defer s.Events.Unsubscribe(id)
	log.Printf("[DEBUG] sse subscriber %s connected from %s", id, r.RemoteAddr)

	st := s.Session.Status()
	snapshot := events.Event{Kind: events.KindStatus, Timestamp: time.Now(), Data: map[string]any{
		"mode":       st.Mode,
		"hasBrowser": st.HasBrowser,
		"hasPage":    st.HasPage,
		"isLoggedIn": st.IsLoggedIn,
		"activeJobs": s.Registry.ActiveCount(),
	}}
	if err := writeEvent(w, snapshot); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Printf("[DEBUG] sse subscriber %s disconnected", id)
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, open := <-ch:
			if !open {
				return
			}
			if err := writeEvent(w, e); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeEvent serializes a single SSE data frame
func writeEvent(w http.ResponseWriter, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("[WARN] failed to marshal sse event: %v", err)
		return nil // skip the event, keep the stream alive
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
