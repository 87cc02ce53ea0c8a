package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"Chorus-Network/internal/auth"
	"Chorus-Network/internal/dispatch"
	"Chorus-Network/internal/ledger"
	"Chorus-Network/internal/market"
	"Chorus-Network/internal/observability/metrics"
	"Chorus-Network/internal/pipeline"
	"Chorus-Network/internal/registry"
	"Chorus-Network/internal/run"
	"Chorus-Network/pkg/logger"
)

// Deps 汇集了 HTTP 层依赖的领域组件。Runs 与 Catalog 为空时流水线相关接口返回 503。
type Deps struct {
	Directory *registry.Directory
	Ledger    *ledger.Ledger
	Market    *market.Market
	Callbacks *dispatch.CallbackHub
	Catalog   *pipeline.Catalog
	Runs      *run.Service
}

// Config 控制 HTTP 服务的行为。
type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// RequireOwner 为 true 时写请求必须携带 X-Chorus-Owner。
	RequireOwner  bool
	ExposeMetrics bool
}

// Server 负责暴露 REST 接口。
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	return &Server{cfg: cfg, deps: deps, logger: logger.Named("api")}
}

// Handler 返回完整的路由，便于测试与嵌入。
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(instrument)

	r.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/discover", s.handleDiscover).Methods(http.MethodGet)
	r.HandleFunc("/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/agents", s.handleListAgents).Methods(http.MethodGet)
	r.HandleFunc("/agents/{id}", s.handleGetAgent).Methods(http.MethodGet)
	r.HandleFunc("/agents/{id}", s.handleRetireAgent).Methods(http.MethodDelete)
	r.HandleFunc("/skills", s.handleSkills).Methods(http.MethodGet)
	r.HandleFunc("/reputation/{id}", s.handleReputation).Methods(http.MethodGet)
	r.HandleFunc("/leaderboard", s.handleLeaderboard).Methods(http.MethodGet)

	r.HandleFunc("/accounts", s.handleOpenAccount).Methods(http.MethodPost)
	r.HandleFunc("/accounts/{owner_id}", s.handleBalance).Methods(http.MethodGet)
	r.HandleFunc("/transfer", s.handleTransfer).Methods(http.MethodPost)
	r.HandleFunc("/audit", s.handleAudit).Methods(http.MethodGet)
	r.HandleFunc("/audit/verify", s.handleVerify).Methods(http.MethodGet)
	r.HandleFunc("/economy", s.handleEconomy).Methods(http.MethodGet)

	r.HandleFunc("/hire", s.handleHire).Methods(http.MethodPost)
	r.HandleFunc("/callbacks/{job_id}", s.handleCallback).Methods(http.MethodPost)

	r.HandleFunc("/pipelines", s.handleListPipelines).Methods(http.MethodGet)
	r.HandleFunc("/pipelines", s.handlePutPipeline).Methods(http.MethodPost)
	r.HandleFunc("/pipelines/{id}", s.handleGetPipeline).Methods(http.MethodGet)
	r.HandleFunc("/pipelines/{id}/runs", s.handleRunPipeline).Methods(http.MethodPost)
	r.HandleFunc("/runs", s.handleSubmitRun).Methods(http.MethodPost)
	r.HandleFunc("/runs", s.handleListRuns).Methods(http.MethodGet)
	r.HandleFunc("/runs/stats", s.handleRunStats).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}", s.handleGetRun).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}/rerun", s.handleRerun).Methods(http.MethodPost)
	r.HandleFunc("/runs/{id}/stop", s.handleStopRun).Methods(http.MethodPost)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.cfg.ExposeMetrics {
		r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, errNotFoundRoute(r))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorBody(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", r.Method+" is not allowed on "+r.URL.Path)
	})

	var required []string
	if s.cfg.RequireOwner {
		required = []string{http.MethodPost, http.MethodDelete}
	}
	return auth.Middleware(auth.MiddlewareConfig{
		RequiredMethods: required,
		ExemptPaths:     []string{"/callbacks/", "/register", "/heartbeat"},
	})(r)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("api server listening", slog.String("address", s.cfg.Address))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeErrorBody(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

// statusRecorder 捕获响应状态码供指标使用。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument 以路由模板为维度记录请求指标，避免 ID 造成标签爆炸。
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.ObserveHTTPRequest(route, r.Method, rec.status, time.Since(start))
	})
}
