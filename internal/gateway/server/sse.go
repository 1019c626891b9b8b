package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// keepaliveInterval is how often the stream emits a comment frame so
// intermediaries keep the connection open.
const keepaliveInterval = 15 * time.Second

// handleLogStream serves a run's live events as text/event-stream.  Clients
// reconnect with Last-Event-ID to resume from the replay ring.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error", Details: "streaming unsupported"})
		return
	}

	runID := chi.URLParam(r, "id")
	var afterID uint64
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		if v, err := strconv.ParseUint(last, 10, 64); err == nil {
			afterID = v
		}
	}

	events, cancel := s.deps.Hub.Subscribe(runID, afterID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case evt, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", evt.SSEID(), evt.Kind, data)
			flusher.Flush()
		}
	}
}
