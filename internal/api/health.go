package api

import (
	"net/http"
	"time"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"service":   "chorus",
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if s.deps.Callbacks != nil {
		body["pending_callbacks"] = s.deps.Callbacks.Pending()
	}
	if s.deps.Directory != nil {
		if agents, err := s.deps.Directory.List(r.Context()); err == nil {
			body["agents"] = len(agents)
		} else {
			body["status"] = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, body)
}
