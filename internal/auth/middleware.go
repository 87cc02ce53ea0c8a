package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "Chorus-Network/internal/errors"
	loggerpkg "Chorus-Network/pkg/logger"
)

// DefaultHeader 是携带所有者 ID 的请求头。
const DefaultHeader = "X-Chorus-Owner"

// CodeUnauthenticated 表示请求缺少必需的身份声明。
const CodeUnauthenticated xerrors.Code = "UNAUTHENTICATED"

func init() {
	xerrors.Register(CodeUnauthenticated, xerrors.Attributes{
		Message:    "owner identity required",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusUnauthorized,
	})
}

// MiddlewareConfig 配置身份传递中间件的行为。
type MiddlewareConfig struct {
	// Header 指定读取所有者 ID 的请求头，默认 X-Chorus-Owner。
	Header string
	// RequiredMethods 中的方法必须携带身份，例如 POST。
	RequiredMethods []string
	// ExemptPaths 不做身份检查，例如 /health、/callbacks/。以 "/" 结尾时按前缀匹配。
	ExemptPaths []string
	// AuditEvent 指定记录审计日志时使用的事件名称。
	AuditEvent string
	Logger     *slog.Logger
}

// Middleware 返回一个 HTTP 中间件，把请求头中的所有者写入上下文并记录审计日志。
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	header := cfg.Header
	if header == "" {
		header = DefaultHeader
	}
	required := make(map[string]struct{}, len(cfg.RequiredMethods))
	for _, m := range cfg.RequiredMethods {
		required[strings.ToUpper(m)] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			audit := cfg.Logger
			if audit == nil {
				audit = loggerpkg.Audit()
			}
			owner := strings.TrimSpace(r.Header.Get(header))
			_, mustHave := required[r.Method]
			if owner == "" && mustHave && !exempt(cfg.ExemptPaths, r.URL.Path) {
				writeUnauthenticated(w, header)
				audit.Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", http.StatusUnauthorized,
				)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			ctx := WithIdentity(r.Context(), Identity{OwnerID: owner, Source: header})
			next.ServeHTTP(aw, r.WithContext(ctx))

			if r.Method == http.MethodGet {
				return
			}
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			audit.Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"owner", owner,
			)
		})
	}
}

func exempt(paths []string, path string) bool {
	for _, p := range paths {
		if p == path || (strings.HasSuffix(p, "/") && strings.HasPrefix(path, p)) {
			return true
		}
	}
	return false
}

func writeUnauthenticated(w http.ResponseWriter, header string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    string(CodeUnauthenticated),
			"message": "missing " + header + " header",
		},
	})
}

// auditWriter 包装 http.ResponseWriter，用于捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
