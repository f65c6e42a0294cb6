package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/stl311/stl311sync/pkg/polling"
	"github.com/stl311/stl311sync/pkg/storage"
)

type Server struct {
	Orch      *polling.Orchestrator
	Scheduler *polling.Scheduler
	Store     storage.Store
	Gatherer  prometheus.Gatherer // optional; /metrics is not mounted without it
	Log       logrus.FieldLogger
	Username  string
	Password  string

	// base outlives single requests: syncs and the scheduler loop run on it
	// so a dropped client never aborts a commit.
	base context.Context
}

func New(orch *polling.Orchestrator, sched *polling.Scheduler, store storage.Store, user, pass string) *Server {
	return &Server{
		Orch:      orch,
		Scheduler: sched,
		Store:     store,
		Username:  user,
		Password:  pass,
		base:      context.Background(),
	}
}

// Handler builds the route table. ctx bounds syncs and the scheduler.
func (s *Server) Handler(ctx context.Context) http.Handler {
	if ctx != nil {
		s.base = ctx
	}
	if s.Log == nil {
		s.Log = logrus.StandardLogger()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/sync", s.basicAuth(s.handleSync))
	mux.HandleFunc("POST /api/sync/yesterday", s.basicAuth(s.handleSyncYesterday))
	mux.HandleFunc("POST /api/sync/range", s.basicAuth(s.handleSyncRange))
	mux.HandleFunc("GET /api/sync/status", s.basicAuth(s.handleSyncStatus))

	mux.HandleFunc("POST /api/scheduler/start", s.basicAuth(s.handleSchedulerStart))
	mux.HandleFunc("POST /api/scheduler/stop", s.basicAuth(s.handleSchedulerStop))
	mux.HandleFunc("GET /api/scheduler/status", s.basicAuth(s.handleSchedulerStatus))

	mux.HandleFunc("GET /api/test-connection", s.basicAuth(s.handleTestConnection))
	mux.HandleFunc("GET /api/requests", s.basicAuth(s.handleRequests))
	mux.HandleFunc("GET /api/requests/{id}/updates", s.basicAuth(s.handleRequestUpdates))
	mux.HandleFunc("GET /api/stats", s.basicAuth(s.handleStats))

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.Gatherer != nil {
		mux.Handle("GET /metrics", s.basicAuthHandler(promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})))
	}
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.Log.Infof("Starting server on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if s.Scheduler != nil {
			s.Scheduler.Stop()
		}
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.Username == "" && s.Password == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	return ok && user == s.Username && pass == s.Password
}

func (s *Server) basicAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) basicAuthHandler(next http.Handler) http.Handler {
	return s.basicAuth(next.ServeHTTP)
}
