package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	xerrors "Chorus-Network/internal/errors"
	"Chorus-Network/pkg/logger"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 按错误码映射状态码并输出统一的错误结构。
func writeError(w http.ResponseWriter, err error) {
	status := xerrors.HTTPStatusOf(err)
	code := xerrors.CodeOf(err)
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	if status >= http.StatusInternalServerError {
		logger.Named("api").Error("请求处理失败", slog.String("code", string(code)), slog.Any("error", err))
	}
	writeErrorBody(w, status, string(code), message)
}

func writeErrorBody(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

// decodeJSON 解码请求体并限制读取大小。
func decodeJSON(r *http.Request, dst any) error {
	body := io.LimitReader(r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return xerrors.Validation("request body is required")
		}
		return xerrors.Validation("invalid request body: %v", err)
	}
	return nil
}

func errNotFoundRoute(r *http.Request) error {
	return xerrors.NotFound("no route for %s %s", r.Method, r.URL.Path)
}

func queryFloat(r *http.Request, key string) (float64, bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false, xerrors.Validation("%s must be a finite number", key)
	}
	return v, true, nil
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, xerrors.Validation("%s must be a non-negative integer", key)
	}
	return v, nil
}
