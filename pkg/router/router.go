package router

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

type HandlerFunc func(http.ResponseWriter, *http.Request)

type Router struct {
	mux    *http.ServeMux
	routes map[string]HandlerFunc // key = METHOD:PATH
	paths  map[string]bool
	logger *slog.Logger
}

func New(logger *slog.Logger) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		routes: make(map[string]HandlerFunc),
		paths:  make(map[string]bool),
		logger: logger,
	}
	r.mux.Handle("/", r.logged(http.HandlerFunc(r.dispatch)))
	return r
}

func (r *Router) dispatch(w http.ResponseWriter, req *http.Request) {
	if h, ok := r.routes[req.Method+":"+req.URL.Path]; ok {
		h(w, req)
		return
	}
	if h, ok := r.matchWildcard(req.Method, req.URL.Path); ok {
		h(w, req)
		return
	}
	if r.paths[req.URL.Path] {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	http.Error(w, "Not Found", http.StatusNotFound)
}

// matchWildcard picks the most specific wildcard route for path, so
// /runs/*/errors wins over /runs/* regardless of registration order.
func (r *Router) matchWildcard(method, path string) (HandlerFunc, bool) {
	var (
		best      HandlerFunc
		bestScore = -1
	)
	for routePath := range r.paths {
		if !strings.Contains(routePath, "*") || !matchWildcardRoute(path, routePath) {
			continue
		}
		h, ok := r.routes[method+":"+routePath]
		if !ok {
			continue
		}
		if score := len(strings.ReplaceAll(routePath, "*", "")); score > bestScore {
			best, bestScore = h, score
		}
	}
	return best, best != nil
}

// matchWildcardRoute checks if a request path matches a wildcard route pattern
func matchWildcardRoute(requestPath, routePattern string) bool {
	requestSegments := strings.Split(strings.Trim(requestPath, "/"), "/")
	routeSegments := strings.Split(strings.Trim(routePattern, "/"), "/")

	// trailing wildcard matches one or more remaining segments
	if len(routeSegments) > 0 && routeSegments[len(routeSegments)-1] == "*" {
		if len(requestSegments) < len(routeSegments) {
			return false
		}
		for i := 0; i < len(routeSegments)-1; i++ {
			if routeSegments[i] != "*" && requestSegments[i] != routeSegments[i] {
				return false
			}
		}
		return true
	}

	if len(requestSegments) != len(routeSegments) {
		return false
	}
	for i, routeSegment := range routeSegments {
		if routeSegment == "*" {
			continue
		}
		if requestSegments[i] != routeSegment {
			return false
		}
	}
	return true
}

func (r *Router) register(method, path string, handler HandlerFunc) {
	r.routes[method+":"+path] = handler
	r.paths[path] = true
}

func (r *Router) GET(path string, handler HandlerFunc)  { r.register(http.MethodGet, path, handler) }
func (r *Router) POST(path string, handler HandlerFunc) { r.register(http.MethodPost, path, handler) }

// Handle mounts an http.Handler for a ServeMux pattern such as "/metrics"
// or "/swagger/"
func (r *Router) Handle(pattern string, h http.Handler) {
	r.mux.Handle(pattern, r.logged(h))
}

// Handler returns the router as an http.Handler
func (r *Router) Handler() http.Handler {
	return r.mux
}

// Routes exposes the METHOD:PATH table for tests
func (r *Router) Routes() map[string]HandlerFunc {
	return r.routes
}

// Start serves on addr until ctx is done, then shuts down gracefully
func (r *Router) Start(ctx context.Context, addr string, readTimeout, writeTimeout time.Duration) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      r.mux,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info("server started", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		r.logger.Info("shutting down server")
		return srv.Shutdown(shutdownCtx)
	}
}

func (r *Router) logged(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		h.ServeHTTP(lrw, req)

		level := slog.LevelInfo
		switch {
		case lrw.statusCode >= 500:
			level = slog.LevelError
		case lrw.statusCode >= 400:
			level = slog.LevelWarn
		}
		r.logger.Log(req.Context(), level, "http request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", lrw.statusCode,
			"duration", time.Since(start),
		)
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}
