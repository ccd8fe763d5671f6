package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/schema"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/genbroker/internal/broker"
	"github.com/ChuLiYu/genbroker/pkg/types"
)

// ============================================================================
// 錯誤與回應輔助
// ============================================================================

type codedError struct {
	err  error
	code int
}

func (e *codedError) Error() string {
	return e.err.Error()
}

func (e *codedError) Unwrap() error {
	return e.err
}

// CodedError 帶 HTTP 狀態碼的錯誤
func CodedError(code int, err error) error {
	return &codedError{err: err, code: code}
}

// statusCode 將錯誤對應到 HTTP 狀態碼
func statusCode(err error) int {
	var cerr *codedError
	switch {
	case errors.As(err, &cerr):
		return cerr.code
	case errors.Is(err, types.ErrDuplicateJob):
		return http.StatusConflict
	case errors.Is(err, types.ErrInvalidJobSpec):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrUnknownJob), errors.Is(err, ErrUnknownOperation):
		return http.StatusNotFound
	case errors.Is(err, broker.ErrStopped), errors.Is(err, broker.ErrNotStarted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) restHandler(handler func(r *http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := handler(r)
		if err != nil {
			code := statusCode(err)
			if code == http.StatusInternalServerError {
				s.log.Error("Internal error in endpoint", "path", r.URL.Path, "error", err)
			}
			writeJSON(w, code, map[string]string{"error": err.Error()})
			return
		}
		if res == nil {
			res = struct{}{}
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write response body", "error", err)
	}
}

func parseRequest[T any](r *http.Request) (T, error) {
	var data T
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		return data, CodedError(http.StatusBadRequest, fmt.Errorf("unable to parse request body: %w", err))
	}
	return data, nil
}

// requestLogger 以 slog 記錄每個請求
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// ============================================================================
// 路由
// ============================================================================

// Router 所有 HTTP 端點
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// WebSocket 連線是長連線，不經過請求日誌
	r.Get("/ws", s.handleWS)

	r.Group(func(r chi.Router) {
		r.Use(s.requestLogger)

		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
		if s.gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}

		r.Route("/api", func(r chi.Router) {
			r.Post("/jobs", s.restHandler(s.createJob))
			r.Get("/jobs/{id}", s.restHandler(s.getJob))
			r.Get("/status", s.restHandler(s.getStatus))
			r.Post("/start", s.restHandler(s.start))
			r.Post("/stop", s.restHandler(s.stop))
			r.Post("/passthrough/{op}", s.restHandler(s.callPassthrough))
		})
	})

	return r
}

// CreateJobResponse POST /api/jobs 的回應
type CreateJobResponse struct {
	ID types.JobID `json:"id"`
}

func (s *Server) createJob(r *http.Request) (any, error) {
	spec, err := parseRequest[types.JobSpec](r)
	if err != nil {
		return nil, err
	}
	id, err := s.broker.Enqueue(r.Context(), spec)
	if err != nil {
		return nil, err
	}
	return CreateJobResponse{ID: id}, nil
}

func (s *Server) getJob(r *http.Request) (any, error) {
	return s.broker.Job(r.Context(), types.JobID(chi.URLParam(r, "id")))
}

// StatusQuery GET /api/status 的查詢參數
type StatusQuery struct {
	Status []string `schema:"status"`
	Limit  int      `schema:"limit"`
}

var queryDecoder = func() *schema.Decoder {
	d := schema.NewDecoder()
	d.IgnoreUnknownKeys(true)
	return d
}()

func (s *Server) getStatus(r *http.Request) (any, error) {
	var q StatusQuery
	if err := queryDecoder.Decode(&q, r.URL.Query()); err != nil {
		return nil, CodedError(http.StatusBadRequest, fmt.Errorf("invalid query: %w", err))
	}

	snap, err := s.broker.Snapshot(r.Context())
	if err != nil {
		return nil, err
	}
	return filterSnapshot(snap, q), nil
}

// filterSnapshot 只保留指定狀態的任務；計數不受影響
func filterSnapshot(snap types.Snapshot, q StatusQuery) types.Snapshot {
	if len(q.Status) > 0 {
		want := make(map[types.JobStatus]bool, len(q.Status))
		for _, st := range q.Status {
			want[types.JobStatus(st)] = true
		}
		tasks := make([]types.JobView, 0, len(snap.Tasks))
		for _, t := range snap.Tasks {
			if want[t.Status] {
				tasks = append(tasks, t)
			}
		}
		snap.Tasks = tasks
	}
	if q.Limit > 0 && len(snap.Tasks) > q.Limit {
		snap.Tasks = snap.Tasks[:q.Limit]
	}
	return snap
}

func (s *Server) start(r *http.Request) (any, error) {
	if err := s.broker.StartExecution(r.Context()); err != nil {
		return nil, err
	}
	return map[string]bool{"is_running": true}, nil
}

func (s *Server) stop(r *http.Request) (any, error) {
	if err := s.broker.StopExecution(r.Context()); err != nil {
		return nil, err
	}
	return map[string]bool{"is_running": false}, nil
}

func (s *Server) callPassthrough(r *http.Request) (any, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxMessageBytes))
	if err != nil {
		return nil, CodedError(http.StatusBadRequest, err)
	}
	return s.passthrough.Call(r.Context(), chi.URLParam(r, "op"), body)
}
