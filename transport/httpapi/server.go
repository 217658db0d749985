// Package httpapi serves the ingestion and retrieval API over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/poiesic/archivist/core"
	"github.com/poiesic/archivist/ingestion"
	"github.com/poiesic/archivist/metrics"
	"github.com/poiesic/archivist/search"
	"github.com/poiesic/archivist/storage"
	"github.com/prometheus/client_golang/prometheus"
)

// Prefix is the path under which the API is mounted.
const Prefix = "/brp/v0"

const defaultMaxBodyBytes = 10 << 20

// Service is what the API needs from the engine.
type Service interface {
	Healthy(ctx context.Context) error
	CreateOrg(ctx context.Context, org *core.Org) (*core.Org, error)
	GetOrg(ctx context.Context, id string) (*core.Org, error)
	CreateCollection(ctx context.Context, c *core.Collection) (*core.Collection, error)
	GetCollection(ctx context.Context, orgID, id string) (*core.Collection, error)
	ListCollections(ctx context.Context, orgID string) ([]*core.Collection, error)
	Submit(ctx context.Context, req ingestion.SubmitRequest) (ingestion.SubmitResult, error)
	JobStatus(ctx context.Context, id string) (core.JobView, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]core.JobView, error)
	CancelJob(ctx context.Context, id string) (core.JobView, error)
	Retrieve(ctx context.Context, req search.RetrieveRequest) ([]core.ChunkResult, error)
}

// Server routes API requests to a Service.
type Server struct {
	svc      Service
	logger   *slog.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	maxBody  int64
	router   chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records request metrics in m and serves g at /metrics.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

// WithMaxBodyBytes limits request bodies. Default is 10 MiB.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// NewServer creates an HTTP API server.
func NewServer(svc Service, opts ...Option) *Server {
	s := &Server{
		svc:     svc,
		logger:  slog.Default(),
		maxBody: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "http")
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(s.recoverer)
	r.Use(s.requestLog)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware())
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "no such route", r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", r.Method)
	})

	r.Get("/healthz", s.healthz)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.gatherer))
	}

	r.Route(Prefix, func(r chi.Router) {
		r.Post("/orgs", s.createOrg)
		r.Route("/orgs/{org}", func(r chi.Router) {
			r.Get("/", s.getOrg)
			r.Post("/collections", s.createCollection)
			r.Get("/collections", s.listCollections)
			r.Route("/collections/{coll}", func(r chi.Router) {
				r.Get("/", s.getCollection)
				r.Post("/ingest", s.ingest)
				r.Post("/query", s.query)
			})
		})
		r.Get("/ingestion/jobs", s.listJobs)
		r.Get("/ingestion/jobs/{job}", s.getJob)
		r.Post("/ingestion/jobs/{job}/cancel", s.cancelJob)
	})
	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Healthy(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) createOrg(w http.ResponseWriter, r *http.Request) {
	var req orgRequest
	if !s.decode(w, r, &req) {
		return
	}
	org, err := s.svc.CreateOrg(r.Context(), &core.Org{ID: req.ID, DisplayName: req.DisplayName})
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, orgToResponse(org))
}

func (s *Server) getOrg(w http.ResponseWriter, r *http.Request) {
	org, err := s.svc.GetOrg(r.Context(), chi.URLParam(r, "org"))
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orgToResponse(org))
}

func (s *Server) createCollection(w http.ResponseWriter, r *http.Request) {
	var req collectionRequest
	if !s.decode(w, r, &req) {
		return
	}
	c, err := req.toCore(chi.URLParam(r, "org"))
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	coll, err := s.svc.CreateCollection(r.Context(), c)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, collectionToResponse(coll))
}

func (s *Server) listCollections(w http.ResponseWriter, r *http.Request) {
	colls, err := s.svc.ListCollections(r.Context(), chi.URLParam(r, "org"))
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	items := make([]collectionResponse, len(colls))
	for i, c := range colls {
		items[i] = collectionToResponse(c)
	}
	writeJSON(w, http.StatusOK, map[string]any{"collections": items})
}

func (s *Server) getCollection(w http.ResponseWriter, r *http.Request) {
	coll, err := s.svc.GetCollection(r.Context(), chi.URLParam(r, "org"), chi.URLParam(r, "coll"))
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, collectionToResponse(coll))
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.svc.Submit(r.Context(), ingestion.SubmitRequest{
		OrgID:        chi.URLParam(r, "org"),
		CollectionID: chi.URLParam(r, "coll"),
		Source: core.SourceDescriptor{
			Kind:   req.Source.Kind,
			Text:   req.Source.Text,
			URI:    req.Source.URI,
			Format: req.Source.Format,
		},
		Metadata: req.Metadata,
	})
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("%s/ingestion/jobs/%s", Prefix, res.JobID))
	writeJSON(w, http.StatusAccepted, ingestResponse{
		JobID:      res.JobID,
		DocumentID: res.DocumentID,
		Status:     res.Status,
		Existing:   res.Existing,
	})
}

func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.TopK < 0 {
		badRequest(w, "top_k must not be negative", nil)
		return
	}
	filter, err := req.Filter.toCore()
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	results, err := s.svc.Retrieve(r.Context(), search.RetrieveRequest{
		OrgID:        chi.URLParam(r, "org"),
		CollectionID: chi.URLParam(r, "coll"),
		Query:        req.Query,
		TopK:         req.TopK,
		Filter:       filter,
	})
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resultsToResponse(results))
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.JobFilter{
		CollectionID: q.Get("collection"),
		Status:       core.JobStatus(q.Get("status")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		badRequest(w, "unknown status", fmt.Errorf("%q", filter.Status))
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(w, "limit must be a non-negative integer", err)
			return
		}
		filter.Limit = n
	}
	views, err := s.svc.ListJobs(r.Context(), filter)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	items := make([]jobResponse, len(views))
	for i, v := range views {
		items[i] = jobToResponse(v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": items})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.JobStatus(r.Context(), chi.URLParam(r, "job"))
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobToResponse(view))
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.CancelJob(r.Context(), chi.URLParam(r, "job"))
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobToResponse(view))
}

// decode reads a JSON body into v, writing a 400 and returning false when
// it can't.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, CodeInvalidRequest, "request body too large", "")
		case errors.Is(err, io.EOF):
			badRequest(w, "request body is empty", nil)
		default:
			badRequest(w, "invalid request body", err)
		}
		return false
	}
	return true
}

// recoverer turns a panic into a JSON 500.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				s.logger.Error("panic recovered", "panic", rvr, "path", r.URL.Path,
					"request_id", chimw.GetReqID(r.Context()))
				writeError(w, http.StatusInternalServerError, CodeInternal, "internal error", "")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestLog emits one line per request.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := chimw.GetReqID(r.Context())
		if requestID != "" {
			w.Header().Set("X-Request-ID", requestID)
		}

		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("http_request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"latency", time.Since(start),
			"response_bytes", ww.BytesWritten(),
		)
	})
}
