// Package server exposes an Orchestrator over HTTP.
//
// Routes:
//
//	POST /run?task=<description>   run one task, reply with the outcome as JSON
//	GET  /read?path=<path>         return a file from inside the jail
//	GET  /healthz                  report sandbox availability
//
// A success outcome maps to 200, an invalid one to 400 and an error to 500.
// Read requests outside the jail get 403 and missing files 404.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/semaphore"

	"github.com/zhangyunhao116/taskjail"
)

// Service is the part of *taskjail.Orchestrator the server uses.
type Service interface {
	NewRequest(description string) (taskjail.TaskRequest, error)
	Handle(ctx context.Context, req taskjail.TaskRequest, opts ...taskjail.Option) taskjail.Outcome
	ReadFile(path string) ([]byte, error)
	Executor() taskjail.Executor
}

const (
	defaultMaxConcurrent     = 4
	defaultReadHeaderTimeout = 10 * time.Second
	defaultShutdownTimeout   = 30 * time.Second

	requestIDHeader = "X-Request-Id"
)

// Config configures a Server.
type Config struct {
	// Addr is the listen address for ListenAndServe.
	Addr string

	// MaxConcurrent bounds tasks running at once. Further /run requests
	// wait for a slot or for their client to go away. Defaults to 4.
	MaxConcurrent int64

	// MaxConnections bounds open client connections. 0 means unlimited.
	MaxConnections int

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	// Logger receives one line per request. If nil, zap.NewNop() is used.
	Logger *zap.Logger
}

// Server is the HTTP front end.
type Server struct {
	svc     Service
	cfg     Config
	sem     *semaphore.Weighted
	logger  *zap.Logger
	handler http.Handler
}

// New returns a Server dispatching to svc.
func New(svc Service, cfg Config) *Server {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	s := &Server{
		svc:    svc,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
		logger: cfg.Logger,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /run", s.handleRun)
	mux.HandleFunc("GET /read", s.handleRead)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	s.handler = s.logRequests(mux)
	return s
}

// Handler returns the root handler, with request logging applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe listens on cfg.Addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down,
// letting running tasks finish within the shutdown timeout. It returns nil
// after a clean shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ErrorLog:          zap.NewStdLog(s.logger.Named("http")),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	task := r.URL.Query().Get("task")
	req, err := s.svc.NewRequest(task)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, taskjail.Outcome{Status: taskjail.StatusInvalid, Error: err.Error()})
		return
	}

	if err := s.sem.Acquire(r.Context(), 1); err != nil {
		// The client went away while waiting for a slot.
		writeJSON(w, http.StatusServiceUnavailable, taskjail.Outcome{Status: taskjail.StatusError, Error: err.Error()})
		return
	}
	defer s.sem.Release(1)

	out := s.svc.Handle(r.Context(), req, taskjail.WithTaskID(requestID(r)))
	writeJSON(w, statusCode(out.Status), out)
}

func statusCode(st taskjail.Status) int {
	switch st {
	case taskjail.StatusSuccess:
		return http.StatusOK
	case taskjail.StatusInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	data, err := s.svc.ReadFile(path)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	case errors.Is(err, taskjail.ErrPathEscape):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, taskjail.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, fs.ErrNotExist):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

type health struct {
	Status    string   `json:"status"`
	Sandboxed bool     `json:"sandboxed"`
	Errors    []string `json:"errors,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	ex := s.svc.Executor()
	h := health{Status: "ok", Sandboxed: ex.Available()}
	if dc := ex.CheckDependencies(); dc != nil {
		h.Errors = dc.Errors
		h.Warnings = dc.Warnings
	}
	if !h.Sandboxed {
		h.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, h)
}

// statusRecorder captures the response status for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

func requestID(r *http.Request) string {
	return r.Header.Get(requestIDHeader)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
