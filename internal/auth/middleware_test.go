package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMiddlewarePropagatesOwner(t *testing.T) {
	var seen string
	h := Middleware(MiddlewareConfig{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = OwnerFromContext(r.Context(), "anonymous")
			w.WriteHeader(http.StatusNoContent)
		}))

	req := httptest.NewRequest(http.MethodGet, "/runs", nil)
	req.Header.Set(DefaultHeader, " alice ")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || seen != "alice" {
		t.Fatalf("unexpected response %d owner=%q", rec.Code, seen)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs", nil))
	if seen != "anonymous" {
		t.Fatalf("missing header should fall back, got %q", seen)
	}
}

func TestMiddlewareRequiresOwnerForWrites(t *testing.T) {
	h := Middleware(MiddlewareConfig{
		RequiredMethods: []string{"post"},
		ExemptPaths:     []string{"/callbacks/"},
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader("{}")))
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), string(CodeUnauthenticated)) {
		t.Fatalf("expected 401, got %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/callbacks/job-1", strings.NewReader("{}")))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("exempt path should pass, got %d", rec.Code)
	}
}
