// Package server exposes a Gateway over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"

	"github.com/aweris/hybridfs"
	"github.com/aweris/hybridfs/internal/logging"
	"github.com/aweris/hybridfs/internal/metrics"
)

// OriginHeader reports which source served the response.
const OriginHeader = "X-Hybridfs-Origin"

const shutdownTimeout = 10 * time.Second

// Handler returns the HTTP handler for gw: content under /, plus /healthz
// and /metrics.
func Handler(gw *hybridfs.Gateway) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("GET /", content(gw))

	return gzhttp.GzipHandler(metrics.Middleware(logging.Middleware(mux)))
}

func content(gw *hybridfs.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logging.WithContext(r.Context())

		scope, err := gw.ResolveScope(r.Context(), hybridfs.ScopeRequestFromHTTP(r))
		if err != nil {
			if errors.Is(err, hybridfs.ErrRepoNotFound) {
				http.Error(w, "repository not found", http.StatusNotFound)
				return
			}
			log.Error("resolve scope", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		res := gw.Resolve(r.Context(), hybridfs.Request{
			Scope:  scope,
			Path:   r.URL.Path,
			Accept: r.Header.Get("Accept"),
		})

		h := w.Header()
		h.Set("Content-Type", res.ContentType)
		h.Set(OriginHeader, string(res.Origin))
		h.Add("Vary", "Accept")
		w.WriteHeader(res.Status)
		if r.Method == http.MethodHead {
			return
		}
		if _, err := w.Write(res.Body); err != nil {
			log.Debug("write response", zap.Error(err))
		}
	}
}

// Run serves handler on addr until ctx is done, then shuts down.
func Run(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.L().Info("listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
