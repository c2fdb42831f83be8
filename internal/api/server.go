// Package api is the HTTP host: producers enqueue through it, and every
// request may pay for a short drain of its tenant's queue once the response
// has gone out.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/SirClappington/tenantq/internal/queue"
	"github.com/SirClappington/tenantq/internal/runner"
)

// TenantHeader carries the tenant a request operates in.
const TenantHeader = "X-Tenant-ID"

// Queues hands out the queue bound to a tenant, or the one that sees only
// global records.
type Queues interface {
	For(tenantID string) (*queue.Queue, error)
	Global() (*queue.Queue, error)
}

type Server struct {
	queues Queues
	runner *runner.Runner
	logger *zap.Logger

	draining sync.Mutex
	wg       sync.WaitGroup
}

// New builds a Server. A nil runner disables the drain after responses.
func New(queues Queues, drain *runner.Runner, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{queues: queues, runner: drain, logger: logger}
}

func (s *Server) Routes() http.Handler {
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(middleware.Recoverer)
	rtr.Use(Tenant)
	rtr.Use(s.DrainAfterResponse)

	rtr.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	rtr.Post("/v1/jobs", s.enqueue)
	rtr.Get("/v1/queues/{queue}/size", s.size)
	return rtr
}

// Wait blocks until drains started by DrainAfterResponse have finished.
func (s *Server) Wait() { s.wg.Wait() }

type tenantKey struct{}

// Tenant binds the request to the tenant named by TenantHeader. Requests
// without the header are global.
func Tenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get(TenantHeader); id != "" {
			r = r.WithContext(context.WithValue(r.Context(), tenantKey{}, id))
		}
		next.ServeHTTP(w, r)
	})
}

// TenantFrom returns the tenant bound by Tenant.
func TenantFrom(ctx context.Context) string {
	id, _ := ctx.Value(tenantKey{}).(string)
	return id
}

// DrainAfterResponse runs a budgeted drain of the request tenant's queue once
// the handler has written its response. At most one drain runs per process;
// requests finishing while one is in flight skip theirs. Drain errors are
// logged because the response is already gone.
func (s *Server) DrainAfterResponse(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		if s.runner == nil {
			return
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		if !s.draining.TryLock() {
			return
		}

		tenant := TenantFrom(r.Context())
		ctx := context.WithoutCancel(r.Context())
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.draining.Unlock()
			s.drain(ctx, tenant)
		}()
	})
}

// queueFor binds a request to its tenant's queue. A request without a tenant
// only ever sees global records.
func (s *Server) queueFor(tenant string) (*queue.Queue, error) {
	if tenant == "" {
		return s.queues.Global()
	}
	return s.queues.For(tenant)
}

func (s *Server) drain(ctx context.Context, tenant string) {
	log := s.logger.With(zap.String("tenant_id", tenant))
	q, err := s.queueFor(tenant)
	if err != nil {
		log.Error("drain: connect", zap.Error(err))
		return
	}
	if err := s.runner.Drain(ctx, q); err != nil {
		log.Error("drain failed", zap.Error(err))
	}
}

type enqueueRequest struct {
	Job          string          `json:"job"`
	Queue        string          `json:"queue,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	DelaySeconds int             `json:"delaySeconds,omitempty"`
	Tries        *int            `json:"tries,omitempty"`
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Job == "" {
		writeError(w, http.StatusBadRequest, "job is required")
		return
	}
	if req.DelaySeconds < 0 {
		writeError(w, http.StatusBadRequest, "delaySeconds must not be negative")
		return
	}

	tenant := TenantFrom(r.Context())
	q, err := s.queueFor(tenant)
	if err != nil {
		s.logger.Error("enqueue: connect", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "queue unavailable")
		return
	}

	opts := []queue.PushOption{queue.ForTenant(tenant)}
	if req.Queue != "" {
		opts = append(opts, queue.OnQueue(req.Queue))
	}
	if req.DelaySeconds > 0 {
		opts = append(opts, queue.Delay(time.Duration(req.DelaySeconds)*time.Second))
	}
	if req.Tries != nil {
		opts = append(opts, queue.Tries(*req.Tries))
	}
	var data any
	if len(req.Data) > 0 {
		data = req.Data
	}

	id, err := q.Push(r.Context(), req.Job, data, opts...)
	if err != nil {
		s.logger.Error("enqueue failed", zap.String("job", req.Job), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) size(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	q, err := s.queueFor(TenantFrom(r.Context()))
	if err != nil {
		s.logger.Error("size: connect", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "queue unavailable")
		return
	}
	n, err := q.Size(r.Context(), name)
	if err != nil {
		s.logger.Error("size failed", zap.String("queue", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "size failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": name, "size": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Serve runs srv until ctx is done, then shuts it down and waits for
// in-flight drains.
func (s *Server) Serve(ctx context.Context, srv *http.Server) error {
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Wait()
	return err
}
