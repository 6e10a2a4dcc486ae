package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matteso1/chestnut/internal/catalog"
	"github.com/matteso1/chestnut/internal/listmap"
	"github.com/matteso1/chestnut/internal/metrics"
)

// RequestIDHeader carries the request id on requests and responses.
const RequestIDHeader = "X-Request-ID"

// ServerConfig configures the server.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server exposes the catalog over a JSON HTTP API.
type Server struct {
	catalog *catalog.Catalog
	metrics *metrics.Metrics
	logger  *zap.Logger
	config  ServerConfig

	http *http.Server
}

// NewServer creates a server over an open catalog. The caller keeps
// ownership of the catalog.
func NewServer(config ServerConfig, cat *catalog.Catalog, m *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		catalog: cat,
		metrics: m,
		logger:  logger,
		config:  config,
	}
	s.http = &http.Server{
		Addr:         config.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s
}

// Handler returns the API routes wrapped in request id and logging
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/lists/{name}/keys/{key}", s.handleAppend)
	mux.HandleFunc("GET /v1/lists/{name}/keys/{key}", s.handleGet)
	mux.HandleFunc("GET /v1/lists/{name}/keys/{key}/contains/{value}", s.handleContains)
	mux.HandleFunc("GET /v1/lists/{name}/keys/{key}/count", s.handleCount)
	mux.HandleFunc("GET /v1/lists", s.handleLists)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return s.withRequestID(mux)
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("chestnut server listening", zap.String("addr", lis.Addr().String()))
	if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server, waiting for in-flight requests until
// ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		fields := []zap.Field{
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		}
		if rec.status >= http.StatusInternalServerError {
			s.logger.Error("request failed", fields...)
		} else {
			s.logger.Debug("request", fields...)
		}
	})
}

type appendRequest struct {
	Value uint64 `json:"value"`
}

type keyResponse struct {
	Key   uint64 `json:"key"`
	Count uint64 `json:"count"`
}

type getResponse struct {
	Key    uint64   `json:"key"`
	Count  uint64   `json:"count"`
	Values []uint64 `json:"values"`
}

type containsResponse struct {
	Key      uint64 `json:"key"`
	Value    uint64 `json:"value"`
	Contains bool   `json:"contains"`
}

type listsResponse struct {
	Lists []string `json:"lists"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	key, ok := s.pathUint(w, r, "key")
	if !ok {
		return
	}

	var req appendRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: malformed body: %v", listmap.ErrInvalidArgument, err))
		return
	}

	store, err := s.catalog.Get(r.PathValue("name"), true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := store.Append(key, req.Value); err != nil {
		s.writeError(w, r, err)
		return
	}
	count, err := store.Count(key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, keyResponse{Key: key, Count: count})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key, ok := s.pathUint(w, r, "key")
	if !ok {
		return
	}
	store, err := s.catalog.Get(r.PathValue("name"), false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	limit := uint64(math.MaxUint64)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: limit %q", listmap.ErrInvalidArgument, raw))
			return
		}
		limit = n
	}
	count, values, err := store.Read(key, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if values == nil {
		values = []uint64{}
	}
	s.writeJSON(w, http.StatusOK, getResponse{Key: key, Count: count, Values: values})
}

func (s *Server) handleContains(w http.ResponseWriter, r *http.Request) {
	key, ok := s.pathUint(w, r, "key")
	if !ok {
		return
	}
	value, ok := s.pathUint(w, r, "value")
	if !ok {
		return
	}
	store, err := s.catalog.Get(r.PathValue("name"), false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	found, err := store.Contains(key, value)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, containsResponse{Key: key, Value: value, Contains: found})
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	key, ok := s.pathUint(w, r, "key")
	if !ok {
		return
	}
	store, err := s.catalog.Get(r.PathValue("name"), false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	count, err := store.Count(key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, keyResponse{Key: key, Count: count})
}

func (s *Server) handleLists(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, listsResponse{Lists: s.catalog.Names()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) pathUint(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	raw := r.PathValue(name)
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %s %q is not an unsigned integer", listmap.ErrInvalidArgument, name, raw))
		return 0, false
	}
	return v, true
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, listmap.ErrInvalidArgument), errors.Is(err, catalog.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, catalog.ErrListNotFound):
		return http.StatusNotFound
	case errors.Is(err, listmap.ErrListFull), errors.Is(err, catalog.ErrThresholdMismatch):
		return http.StatusConflict
	case errors.Is(err, listmap.ErrClosed), errors.Is(err, catalog.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request error",
			zap.String("request_id", w.Header().Get(RequestIDHeader)),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	s.writeJSON(w, status, errorResponse{
		Error:     err.Error(),
		RequestID: w.Header().Get(RequestIDHeader),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", zap.Error(err))
	}
}
