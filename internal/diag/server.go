// Package diag serves operational state over HTTP on the port the original
// container exposed (10000): readiness, queue depth, and subsystem
// snapshots. Optionally mounts pprof.
package diag

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"postqueue/pkg/logx"
)

// Config controls the diagnostics HTTP server.
type Config struct {
	Enabled bool
	Addr    string // default ":10000"

	// Token, when set, is required as "Authorization: Bearer <token>".
	Token string
	// AllowInsecure permits binding to a non-loopback address without a token.
	AllowInsecure bool

	Pprof bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Status is assembled per request from the injected sources.
type Status struct {
	Ready      bool      `json:"ready"`
	Time       time.Time `json:"time"`
	QueueLen   int64     `json:"queue_len"`
	QueueErr   string    `json:"queue_err,omitempty"`
	Supervisor any       `json:"supervisor,omitempty"`
	Worker     any       `json:"worker,omitempty"`
	Beat       any       `json:"beat,omitempty"`
	Events     any       `json:"events,omitempty"`
}

// Sources provides the live state the handlers expose. Nil funcs are
// omitted from the output.
type Sources struct {
	Ready      func() bool
	QueueLen   func(ctx context.Context) (int64, error)
	Supervisor func() any
	Worker     func() any
	Beat       func() any
	Events     func() any
}

// Server is the diagnostics HTTP server.
type Server struct {
	cfg Config
	log logx.Logger
	src Sources

	srv *http.Server
}

func NewServer(cfg Config, src Sources, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = ":10000"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, log: log, src: src}
}

// Start begins serving. It returns an error for misconfiguration; listener
// failures surface through the supervisor running Serve.
func (s *Server) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	if !s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(s.cfg.Addr) {
		return errors.New("diag: refusing non-loopback bind without token (set token or allow_insecure)")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.auth(s.handleStatus))
	if s.cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", s.auth(pprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", s.auth(pprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", s.auth(pprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", s.auth(pprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", s.auth(pprof.Trace))
	}

	s.srv = &http.Server{
		Addr:        s.cfg.Addr,
		Handler:     mux,
		ReadTimeout: s.cfg.ReadTimeout,
		// WriteTimeout stays 0 by default so pprof profiles (30s+) work.
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.log.Info("diag server listening", logx.String("addr", s.cfg.Addr), logx.Bool("pprof", s.cfg.Pprof))
	return nil
}

// Serve blocks until the server stops. Run it under the supervisor.
func (s *Server) Serve(ctx context.Context) error {
	if s.srv == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	token := s.cfg.Token
	if token == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// handleHealthz is unauthenticated: container orchestration probes it.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.src.Ready != nil && !s.src.Ready() {
		http.Error(w, "broker unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := Status{Ready: true, Time: time.Now().UTC()}
	if s.src.Ready != nil {
		st.Ready = s.src.Ready()
	}
	if s.src.QueueLen != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		n, err := s.src.QueueLen(ctx)
		cancel()
		st.QueueLen = n
		if err != nil {
			st.QueueErr = err.Error()
		}
	}
	if s.src.Supervisor != nil {
		st.Supervisor = s.src.Supervisor()
	}
	if s.src.Worker != nil {
		st.Worker = s.src.Worker()
	}
	if s.src.Beat != nil {
		st.Beat = s.src.Beat()
	}
	if s.src.Events != nil {
		st.Events = s.src.Events()
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		s.log.Debug("status encode failed", logx.Err(err))
	}
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
