package webui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// handleStream implements GET /api/sessions/{id}/stream as server-sent events. Each push
// is one "data:" frame; idle streams get comment frames so proxies keep them open.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	id := r.PathValue("id")

	// Subscribe first so pushes of a turn already running are not missed.
	pushes, cancel := s.hub.Subscribe(id)
	defer cancel()
	if err := s.sessions.Exists(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	s.logger.Debug("stream opened for %s", id)

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("stream closed for %s", id)
			return
		case push, open := <-pushes:
			if !open {
				return
			}
			data, err := json.Marshal(push)
			if err != nil {
				s.logger.Error("Failed to encode push for %s: %v", id, err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
