// Package admin serves the daemon's HTTP control surface: health, a status
// snapshot, recent runs, job cancellation, manual trigger firing and
// optionally net/http/pprof.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"jobsched/internal/job"
	"jobsched/internal/runtime/supervisor"
	"jobsched/internal/storage"
	"jobsched/internal/task/engine"
	"jobsched/internal/task/future"
	"jobsched/internal/task/trigger"
	logx "jobsched/pkg/logx"
)

const defaultAddr = "127.0.0.1:7070"

// Config controls the admin server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback Addr needs Token or AllowInsecure.
type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	// Profiling mounts net/http/pprof under /debug/pprof/.
	Profiling bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Scheduler interface {
	Snapshot() engine.Snapshot
	Cancel(id string) bool
}

type Triggers interface {
	Snapshot() []trigger.Info
	Fire(name string) (*future.Future[job.Result], error)
}

type Loops interface {
	Snapshot() []supervisor.LoopStats
}

// Deps are the components the server reports on. Store and Loops may be nil.
type Deps struct {
	Scheduler Scheduler
	Triggers  Triggers
	Loops     Loops
	Store     storage.Store
}

type Server struct {
	cfg    Config
	deps   Deps
	log    logx.Logger
	router chi.Router

	mu   sync.Mutex
	addr string
}

func New(cfg Config, deps Deps, log logx.Logger) (*Server, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Scheduler == nil || deps.Triggers == nil {
		return nil, errors.New("admin: scheduler and triggers are required")
	}
	cfg.Addr = strings.TrimSpace(cfg.Addr)
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	cfg.Token = strings.TrimSpace(cfg.Token)
	if err := CheckBind(cfg.Addr, cfg.Token, cfg.AllowInsecure); err != nil {
		return nil, err
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	// WriteTimeout stays 0 by default: /debug/pprof/profile streams for its
	// whole sampling window.
	s := &Server{cfg: cfg, deps: deps, log: log, router: chi.NewRouter()}
	s.routes()
	return s, nil
}

// CheckBind refuses a non-loopback addr without a token unless insecure
// binding is allowed explicitly.
func CheckBind(addr, token string, allowInsecure bool) error {
	if allowInsecure || strings.TrimSpace(token) != "" || isLoopbackAddr(addr) {
		return nil
	}
	return fmt.Errorf("admin: refusing to bind %s without a token (set admin.token or admin.allow_insecure)", addr)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Addr returns the bound address once Run is listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run listens and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("admin: listen %s: %w", s.cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(cctx)
	}()

	if s.cfg.Token == "" && !isLoopbackAddr(s.cfg.Addr) {
		s.log.Warn("admin server running without token on non-loopback addr (insecure)", logx.String("addr", s.addr))
	}
	s.log.Info("admin server started", logx.String("addr", s.addr), logx.Bool("token_set", s.cfg.Token != ""), logx.Bool("pprof", s.cfg.Profiling))

	err = srv.Serve(ln)
	if ctx.Err() != nil {
		<-stopped
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("admin server exited unexpectedly")
	}
	return err
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(s.withAuth)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", s.handleStatus)
	r.Get("/runs", s.handleRuns)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Post("/triggers/{name}/fire", s.handleFire)

	if s.cfg.Profiling {
		r.Mount("/debug", middleware.Profiler())
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("admin request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Int("bytes", ww.BytesWritten()),
			logx.Duration("took", time.Since(start)),
		)
	})
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func (s *Server) withAuth(next http.Handler) http.Handler {
	tok := s.cfg.Token
	if tok == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			next.ServeHTTP(w, r)
			return
		}
		unauthorized(w)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
