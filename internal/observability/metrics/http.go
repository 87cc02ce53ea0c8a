package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"
)

var (
	httpRequests = defaultRegistry.counter("chorus_http_requests_total",
		"API requests by route template, method and status code.", "handler", "method", "code")
	httpErrors = defaultRegistry.counter("chorus_http_request_errors_total",
		"API requests that ended in a 5xx response.", "handler", "method")
	httpLatency = defaultRegistry.histogram("chorus_http_request_duration_seconds",
		"API request duration in seconds.", durationBuckets, "handler", "method")
)

// ObserveHTTPRequest records one API request. handler should be the route
// template, not the raw path, so ids do not become label values.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.inc(handler, method, strconv.Itoa(status))
	if status >= http.StatusInternalServerError {
		httpErrors.inc(handler, method)
	}
	httpLatency.observe(duration.Seconds(), handler, method)
}

// Handler serves every registered metric.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(defaultRegistry.render()))
	})
}

// StartServer serves /metrics on addr until ctx is cancelled.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}
