// Package httpapi serves the local operator API: health, metrics, plugin
// status, manual runs and the webhook routes plugins mount at runtime.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"shoutbot/internal/dispatch"
	"shoutbot/internal/plugin"
	rtsup "shoutbot/internal/runtime/supervisor"
	"shoutbot/internal/task/scheduler"
	logx "shoutbot/pkg/logx"
)

const (
	DefaultAddr = "127.0.0.1:8088"
	pluginBase  = "/api/v1/plugins"
)

type Config struct {
	Enabled bool
	Addr    string
	// Token guards the operator endpoints. Plugin routes authenticate
	// themselves.
	Token string
	// Pprof mounts net/http/pprof under /debug/pprof/ behind the token.
	Pprof bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Plugins is the slice of the plugin manager the API needs.
type Plugins interface {
	Snapshot() []plugin.Status
	CanRun(name string) error
	Run(ctx context.Context, name string) error
}

type Deps struct {
	Plugins   Plugins
	Schedules func() []scheduler.ScheduleInfo
	Metrics   http.Handler
	// Ready reports readiness for /readyz; nil means always ready.
	Ready func() error
	// Go runs a manual run in the background. The runner owns the run's
	// context so a listener restart does not end it; nil means a bare
	// goroutine on a background context.
	Go  func(name string, fn func(context.Context))
	Log logx.Logger
}

type route struct {
	method string
	path   string
	h      http.Handler
}

// Server is an http.Server whose plugin routes can change while it runs.
// It implements plugin.RouteRegistrar.
type Server struct {
	deps Deps
	log  logx.Logger

	mu       sync.Mutex
	cfg      Config
	srv      *http.Server
	ln       net.Listener
	sup      *rtsup.Supervisor
	stopDone chan struct{}

	rmu    sync.RWMutex
	routes map[string][]route
}

func New(cfg Config, deps Deps) *Server {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		cfg:    cfg,
		deps:   deps,
		log:    log.With(logx.String("comp", "httpapi")),
		routes: map[string][]route{},
	}
}

// SetPlugins sets the plugin manager. Call before Start; the manager is
// built after the server because it mounts routes on it.
func (s *Server) SetPlugins(p Plugins) {
	s.mu.Lock()
	s.deps.Plugins = p
	s.mu.Unlock()
}

func (s *Server) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr is the bound listen address, empty when not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Handle mounts h at /api/v1/plugins/<pluginName>/<path>. A later call
// for the same method and path replaces the earlier one.
func (s *Server) Handle(pluginName, method, path string, h http.Handler) {
	path = strings.Trim(path, "/")
	method = strings.ToUpper(method)
	s.rmu.Lock()
	defer s.rmu.Unlock()
	list := s.routes[pluginName]
	for i, r := range list {
		if r.method == method && r.path == path {
			list[i].h = h
			return
		}
	}
	s.routes[pluginName] = append(list, route{method: method, path: path, h: h})
	s.log.Debug("plugin route mounted", logx.String("plugin", pluginName), logx.String("method", method), logx.String("path", path))
}

// Drop unmounts every route of pluginName.
func (s *Server) Drop(pluginName string) {
	s.rmu.Lock()
	n := len(s.routes[pluginName])
	delete(s.routes, pluginName)
	s.rmu.Unlock()
	if n > 0 {
		s.log.Debug("plugin routes dropped", logx.String("plugin", pluginName), logx.Int("count", n))
	}
}

func (s *Server) lookup(pluginName, method, path string) (http.Handler, bool) {
	s.rmu.RLock()
	defer s.rmu.RUnlock()
	list, ok := s.routes[pluginName]
	if !ok {
		return nil, false
	}
	found := false
	for _, r := range list {
		if r.path != path {
			continue
		}
		found = true
		if r.method == method {
			return r.h, true
		}
	}
	return nil, found
}

// Handler builds the router for the current config.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return s.router(cfg)
}

func (s *Server) router(cfg Config) http.Handler {
	r := mux.NewRouter()
	auth := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.ready).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	}

	r.HandleFunc(pluginBase, auth(s.listPlugins)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/schedules", auth(s.listSchedules)).Methods(http.MethodGet)
	r.HandleFunc(pluginBase+"/{name}/run", auth(s.runPlugin)).Methods(http.MethodPost)
	r.PathPrefix(pluginBase + "/{name}/").HandlerFunc(s.pluginRoute)

	if cfg.Pprof {
		p := r.PathPrefix("/debug/pprof").Subrouter()
		p.HandleFunc("/cmdline", auth(hpprof.Cmdline))
		p.HandleFunc("/profile", auth(hpprof.Profile))
		p.HandleFunc("/symbol", auth(hpprof.Symbol))
		p.HandleFunc("/trace", auth(hpprof.Trace))
		p.PathPrefix("/").HandlerFunc(auth(hpprof.Index))
	}
	return r
}

func (s *Server) ready(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "err": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listPlugins(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Plugins == nil {
		writeJSON(w, http.StatusOK, []plugin.Status{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Plugins.Snapshot())
}

func (s *Server) listSchedules(w http.ResponseWriter, _ *http.Request) {
	var out []scheduler.ScheduleInfo
	if s.deps.Schedules != nil {
		out = s.deps.Schedules()
	}
	if out == nil {
		out = []scheduler.ScheduleInfo{}
	}
	writeJSON(w, http.StatusOK, out)
}

// runPlugin starts a manual run. The run continues after the response;
// ?wait=1 holds the request until it ends; a dropped client does not
// cancel it.
func (s *Server) runPlugin(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if s.deps.Plugins == nil {
		writeError(w, http.StatusServiceUnavailable, "plugins unavailable")
		return
	}
	if err := s.deps.Plugins.CanRun(name); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	if wait := r.URL.Query().Get("wait"); wait == "1" || wait == "true" {
		err := s.deps.Plugins.Run(context.WithoutCancel(r.Context()), name)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "plugin": name})
		return
	}

	start := func(ctx context.Context) {
		if err := s.deps.Plugins.Run(ctx, name); err != nil {
			s.log.Info("manual run ended", logx.String("plugin", name), logx.Err(err))
		}
	}
	if s.deps.Go != nil {
		s.deps.Go("run."+name, start)
	} else {
		go start(context.Background())
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "plugin": name, "queued": true})
}

func (s *Server) pluginRoute(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, pluginBase+"/"+name), "/")
	h, ok := s.lookup(name, r.Method, rest)
	switch {
	case h != nil:
		h.ServeHTTP(w, r)
	case ok:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, plugin.ErrUnknownPlugin):
		return http.StatusNotFound
	case errors.Is(err, plugin.ErrCapabilityDenied):
		return http.StatusForbidden
	case errors.Is(err, plugin.ErrNotRunning), errors.Is(err, plugin.ErrNotRunnable):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrGuardHeld), errors.Is(err, dispatch.ErrOutsideWindow), errors.Is(err, dispatch.ErrNoTargets):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) {
				got = strings.TrimSpace(strings.TrimPrefix(ah, p))
			}
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "message": msg})
}

// Reconfigure applies cfg and starts, stops or restarts the listener as
// needed. Plugin routes survive restarts.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start is idempotent; the listener is re-bound with backoff if Serve
// fails.
func (s *Server) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return
			}
		}
		if s.sup != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
		sup := s.sup
		s.mu.Unlock()

		sup.GoRestart("http.serve", s.serveOnce, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
		return
	}
}

// Stop shuts the listener down gracefully, bounded by ctx. Manual runs
// started through the API keep going under their runner.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, sup := s.srv, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.srv, s.ln, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("http api stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("http api refused to start: non-loopback addr requires a token", logx.String("addr", addr))
		return errors.New("http api refused to start: insecure bind")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.router(cfg),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("http api started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cfg.Token != ""),
		logx.Bool("pprof", cfg.Pprof),
	)
	err = srv.Serve(ln)

	s.mu.Lock()
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http api exited unexpectedly")
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
