package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/hpc-gateway/internal/apperr"
	"github.com/JakeFAU/hpc-gateway/internal/auth"
	"github.com/JakeFAU/hpc-gateway/internal/cluster"
	"github.com/JakeFAU/hpc-gateway/internal/files"
	"github.com/JakeFAU/hpc-gateway/internal/jobs"
	"github.com/JakeFAU/hpc-gateway/internal/metrics"
	"github.com/JakeFAU/hpc-gateway/internal/telemetry"
)

const (
	requestIDHeader = "X-Request-ID"
	maxRequestIDLen = 128
	maxJSONBody     = 1 << 20
)

// Clusters lists and resolves submission-enabled clusters.
type Clusters interface {
	List() []cluster.Cluster
	Get(id string) (cluster.Cluster, bool)
}

// JobService runs job operations against the scheduler backends.
type JobService interface {
	List(ctx context.Context, clusterID, owner string) ([]jobs.Job, error)
	Get(ctx context.Context, clusterID, jobID string) (jobs.Job, error)
	Submit(ctx context.Context, req jobs.SubmitRequest, owner string) (jobs.Job, error)
	Cancel(ctx context.Context, clusterID, jobID string) (jobs.Cancelled, error)
}

// FileService runs sandboxed filesystem operations.
type FileService interface {
	List(path string) ([]files.Entry, error)
	Read(path string) (*files.Content, error)
	Create(path string, dir bool) (files.Entry, error)
	Write(path string, body io.Reader, declared int64) (files.Entry, error)
	Delete(path string, recursive bool) error
	MaxWriteBytes() int64
}

// RequestIDs mints request identifiers.
type RequestIDs interface {
	NewRequestID() string
}

// Options wires a Server.
type Options struct {
	Auth           auth.Authenticator
	Clusters       Clusters
	Jobs           JobService
	Files          FileService
	RequestIDs     RequestIDs
	Logger         *zap.Logger
	MetricsEnabled bool
	// TracerProvider enables per-request spans when set.
	TracerProvider trace.TracerProvider
}

// Server wires HTTP handlers to the gateway services.
type Server struct {
	router   chi.Router
	clusters Clusters
	jobs     JobService
	files    FileService
	ids      RequestIDs
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Auth == nil || opts.Clusters == nil || opts.Jobs == nil || opts.Files == nil || opts.RequestIDs == nil {
		return nil, errors.New("api: auth, clusters, jobs, files and request ids are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		clusters: opts.Clusters,
		jobs:     opts.Jobs,
		files:    opts.Files,
		ids:      opts.RequestIDs,
		logger:   logger.Named("http"),
	}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	if opts.TracerProvider != nil {
		r.Use(telemetry.Middleware(opts.TracerProvider))
	}
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	if opts.MetricsEnabled {
		metrics.Init()
		r.Use(metrics.Middleware)
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, apperr.New(apperr.NotFound, "no route for "+r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, apperr.Newf(apperr.BadRequest, "method %s not allowed on %s", r.Method, r.URL.Path))
	})

	r.Get("/health", s.health)

	protected := auth.Middleware(opts.Auth, s.writeError)
	if opts.MetricsEnabled {
		r.With(protected).Handle("/metrics", metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(protected)
		r.Route("/clusters", func(r chi.Router) {
			r.Get("/", s.listClusters)
			r.Get("/{cluster_id}", s.getCluster)
		})
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Post("/", s.submitJob)
			r.Get("/{job_id}", s.getJob)
			r.Delete("/{job_id}", s.cancelJob)
		})
		r.Route("/files", func(r chi.Router) {
			r.Get("/", s.listFiles)
			r.Get("/content", s.readFile)
			r.Post("/", s.createFile)
			r.Put("/", s.writeFile)
			r.Delete("/", s.deleteFile)
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listClusters(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, r, http.StatusOK, s.clusters.List())
}

func (s *Server) getCluster(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "cluster_id")
	c, ok := s.clusters.Get(id)
	if !ok {
		s.writeError(w, r, apperr.Newf(apperr.NotFound, "cluster %s not found", id))
		return
	}
	s.writeData(w, r, http.StatusOK, c)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" || len(reqID) > maxRequestIDLen {
			reqID = s.ids.NewRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set(requestIDHeader, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", RequestIDFromContext(r.Context())),
		}
		if traceID := telemetry.TraceID(r.Context()); traceID != "" {
			fields = append(fields, zap.String("trace_id", traceID))
		}
		s.logger.Info("request completed", fields...)
	})
}

// recoverMiddleware turns a handler panic into a 500. Once the handler has
// started its response the status can no longer change, so the panic is
// only logged.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww, ok := w.(*responseWriter)
		if !ok {
			ww = &responseWriter{ResponseWriter: w, status: http.StatusOK}
		}
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				if ww.wroteHeader {
					s.logger.Error("panic after response started",
						zap.Any("panic", rec),
						zap.Int("status", ww.status),
						zap.String("request_id", RequestIDFromContext(r.Context())),
					)
					return
				}
				s.writeError(ww, r, fmt.Errorf("panic: %v", rec))
			}
		}()
		next.ServeHTTP(ww, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

// RequestIDFromContext returns the request id assigned by the server.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func principalName(r *http.Request) string {
	p, _ := auth.FromContext(r.Context())
	return p.Name
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return apperr.New(apperr.PayloadTooLarge, "request body too large")
		}
		return apperr.Wrap(apperr.BadRequest, "invalid JSON body", err)
	}
	return nil
}

func (s *Server) writeData(w http.ResponseWriter, r *http.Request, status int, data any) {
	s.writeJSON(w, r, status, map[string]any{"data": data})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("write JSON failed", zap.String("request_id", RequestIDFromContext(r.Context())), zap.Error(err))
	}
}

// writeError renders err as {"error": slug, "message": text}. Errors that
// carry no apperr kind are internal; their text stays in the log.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	message := "internal server error"
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	if kind == apperr.Internal {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.Error(err))
	}
	s.writeJSON(w, r, kind.Status(), map[string]string{"error": kind.Slug(), "message": message})
}
