package agent

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"Chorus-Network/internal/dispatch"
)

const maxJobBody = 4 << 20

// Handler 暴露容器的 HTTP 接口：POST /jobs、GET /info、GET /health。
func Handler(c *Container) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/jobs", func(w http.ResponseWriter, req *http.Request) {
		var job dispatch.JobRequest
		dec := json.NewDecoder(io.LimitReader(req.Body, maxJobBody))
		if err := dec.Decode(&job); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"status":        dispatch.StatusFailure,
				"error_code":    dispatch.ErrExecution,
				"error_message": "invalid job request: " + err.Error(),
			})
			return
		}
		// 拒单同样以 200 返回，结果中携带错误码。
		writeJSON(w, http.StatusOK, c.HandleJob(req.Context(), job))
	}).Methods(http.MethodPost)

	r.HandleFunc("/info", func(w http.ResponseWriter, _ *http.Request) {
		reg := c.Registration()
		writeJSON(w, http.StatusOK, map[string]any{
			"agent_id": reg.AgentID,
			"name":     reg.Name,
			"owner_id": reg.OwnerID,
			"skills":   reg.Skills,
			"stats":    c.Stats(),
		})
	}).Methods(http.MethodGet)

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		stats := c.Stats()
		writeJSON(w, http.StatusOK, map[string]any{
			"service":        "chorus-agent",
			"agent_id":       stats.AgentID,
			"name":           stats.Name,
			"status":         "healthy",
			"jobs_completed": stats.JobsCompleted,
		})
	}).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
