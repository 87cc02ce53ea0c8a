package api

import (
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"Chorus-Network/internal/auth"
	xerrors "Chorus-Network/internal/errors"
	"Chorus-Network/internal/pipeline"
	"Chorus-Network/internal/run"
)

func (s *Server) catalog() (*pipeline.Catalog, error) {
	if s.deps.Catalog == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "流水线目录未启用")
	}
	return s.deps.Catalog, nil
}

func (s *Server) runs() (*run.Service, error) {
	if s.deps.Runs == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未启用")
	}
	return s.deps.Runs, nil
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	cat, err := s.catalog()
	if err != nil {
		writeError(w, err)
		return
	}
	graphs := cat.List()
	writeJSON(w, http.StatusOK, map[string]any{"pipelines": graphs, "total": len(graphs)})
}

// handlePutPipeline 接受 JSON 或 YAML（Content-Type 为 application/yaml 等）格式的流水线。
func (s *Server) handlePutPipeline(w http.ResponseWriter, r *http.Request) {
	cat, err := s.catalog()
	if err != nil {
		writeError(w, err)
		return
	}
	var g *pipeline.Graph
	if isYAML(r.Header.Get("Content-Type")) {
		data, readErr := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if readErr != nil {
			writeError(w, xerrors.Validation("read request body: %v", readErr))
			return
		}
		g, err = pipeline.ParseYAML(data)
	} else {
		g = &pipeline.Graph{}
		err = decodeJSON(r, g)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	stored, err := cat.Put(g)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	cat, err := s.catalog()
	if err != nil {
		writeError(w, err)
		return
	}
	g, err := cat.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleRunPipeline(w http.ResponseWriter, r *http.Request) {
	var req run.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.PipelineID = mux.Vars(r)["id"]
	req.Graph = nil
	s.submitRun(w, r, req)
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req run.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.submitRun(w, r, req)
}

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request, req run.SubmitRequest) {
	svc, err := s.runs()
	if err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.RequesterID) == "" {
		req.RequesterID = auth.OwnerFromContext(r.Context(), "")
	}
	created, err := svc.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	svc, err := s.runs()
	if err != nil {
		writeError(w, err)
		return
	}
	opts, err := runListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	runs, err := svc.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "total": len(runs)})
}

func (s *Server) handleRunStats(w http.ResponseWriter, r *http.Request) {
	svc, err := s.runs()
	if err != nil {
		writeError(w, err)
		return
	}
	opts, err := runListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := svc.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	s.withRun(w, r, func(svc *run.Service, id string) (*run.Run, error) { return svc.Get(r.Context(), id) }, http.StatusOK)
}

func (s *Server) handleRerun(w http.ResponseWriter, r *http.Request) {
	s.withRun(w, r, func(svc *run.Service, id string) (*run.Run, error) { return svc.Rerun(r.Context(), id) }, http.StatusAccepted)
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	s.withRun(w, r, func(svc *run.Service, id string) (*run.Run, error) { return svc.Stop(r.Context(), id) }, http.StatusAccepted)
}

func (s *Server) withRun(w http.ResponseWriter, r *http.Request, fn func(*run.Service, string) (*run.Run, error), status int) {
	svc, err := s.runs()
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := fn(svc, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, result)
}

// runListOptions 解析运行列表的查询参数。
func runListOptions(r *http.Request) ([]run.ListOption, error) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		return nil, err
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		return nil, err
	}
	opts := []run.ListOption{run.WithLimit(limit), run.WithOffset(offset)}

	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		var statuses []run.Status
		for _, part := range strings.Split(raw, ",") {
			st := run.Status(strings.ToLower(strings.TrimSpace(part)))
			if !run.IsValidStatus(st) {
				return nil, xerrors.Validation("unknown run status %q", part)
			}
			statuses = append(statuses, st)
		}
		opts = append(opts, run.WithStatuses(statuses...))
	}
	if v := strings.TrimSpace(q.Get("pipeline_id")); v != "" {
		opts = append(opts, run.WithPipeline(v))
	}
	if v := strings.TrimSpace(q.Get("requester_id")); v != "" {
		opts = append(opts, run.WithRequester(v))
	}
	for key, apply := range map[string]func(time.Time) run.ListOption{
		"updated_since": run.WithUpdatedSince,
		"updated_until": run.WithUpdatedUntil,
	} {
		raw := strings.TrimSpace(q.Get(key))
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, xerrors.Validation("%s must be RFC3339", key)
		}
		opts = append(opts, apply(ts))
	}
	switch strings.ToLower(q.Get("order")) {
	case "", "desc":
	case "asc":
		opts = append(opts, run.WithSortOrder(run.SortByUpdatedAsc))
	default:
		return nil, xerrors.Validation("order must be asc or desc")
	}
	return opts, nil
}

func isYAML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml":
		return true
	}
	return false
}
