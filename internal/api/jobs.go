package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"Chorus-Network/internal/auth"
	"Chorus-Network/internal/dispatch"
	xerrors "Chorus-Network/internal/errors"
	"Chorus-Network/internal/market"
)

// handleHire 选出最合适的 Agent 执行单个任务并完成结算。
// 被拒绝或执行失败的任务同样返回 200，失败原因体现在 result 中。
func (s *Server) handleHire(w http.ResponseWriter, r *http.Request) {
	if s.deps.Market == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "市场服务未启用"))
		return
	}
	var req market.HireRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.RequesterID) == "" {
		req.RequesterID = auth.OwnerFromContext(r.Context(), "")
	}
	receipt, err := s.deps.Market.Hire(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// handleCallback 接收 Agent 异步回传的任务结果。
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if s.deps.Callbacks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "回调未启用"))
		return
	}
	var res dispatch.JobResult
	if err := decodeJSON(r, &res); err != nil {
		writeError(w, err)
		return
	}
	jobID := mux.Vars(r)["job_id"]
	if res.JobID != "" && res.JobID != jobID {
		writeError(w, xerrors.Validation("job_id %q does not match callback path", res.JobID))
		return
	}
	res.JobID = jobID
	if res.Status != dispatch.StatusSuccess && res.Status != dispatch.StatusFailure {
		writeError(w, xerrors.Validation("callback status must be SUCCESS or FAILURE"))
		return
	}
	if err := s.deps.Callbacks.Deliver(res); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "job_id": jobID})
}
