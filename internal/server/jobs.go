package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleJob routes GET /jobs/{id} and GET /jobs/{id}/stream.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := pathSegments(r, "/jobs/")
	if len(parts) == 0 || parts[0] == "" {
		s.jsonError(w, "job id required", http.StatusBadRequest)
		return
	}
	jobID := parts[0]

	switch {
	case len(parts) == 1:
		s.handleJobDetail(w, r, jobID)
	case len(parts) == 2 && parts[1] == "stream":
		s.handleJobStream(w, r, jobID)
	default:
		s.jsonError(w, "not found", http.StatusNotFound)
	}
}

// handleJobDetail handles GET /jobs/{id}?cursor=. The response cursor
// is the highest log sequence included, for the next poll or an SSE
// reconnect.
func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request, jobID string) {
	cursor := int64(parseIntParam(r, "cursor", 0))
	limit := parseIntParam(r, "limit", 0)

	detail, err := s.jobs.GetDetail(r.Context(), jobID, cursor, limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, detail)
}

// handleJobStream handles GET /jobs/{id}/stream as SSE. The
// subscription delivers a snapshot, replays persisted logs after the
// cursor, then live events and heartbeats until the job finishes or
// the client goes away.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request, jobID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.jsonError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	cursor := int64(parseIntParam(r, "cursor", 0))

	events, cancel, err := s.jobs.Subscribe(r.Context(), jobID, cursor)
	if err != nil {
		s.respondError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			s.logger.Warn(r.Context(), "encode stream event failed", "job_id", jobID, "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return
		}
		flusher.Flush()
	}
}
