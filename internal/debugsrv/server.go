// Package debugsrv runs the optional debug HTTP listener: a JSON status page
// for the scheduler plus net/http/pprof.
package debugsrv

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"strings"
	"sync"
	"time"

	logx "tickd/pkg/logx"
)

const defaultAddr = "127.0.0.1:6060"

type Config struct {
	Enabled bool
	Addr    string
	// Token, when set, is required as "Authorization: Bearer <token>" or ?token=.
	Token string

	MutexProfileFraction int
	BlockProfileRate     int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = defaultAddr
	}
	return c
}

// StatusFunc returns the value served as JSON on /status.
type StatusFunc func() any

type Server struct {
	mu     sync.Mutex
	log    logx.Logger
	status StatusFunc

	cfg  Config
	srv  *http.Server
	ln   net.Listener
	addr string
}

func New(log logx.Logger, status StatusFunc) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{log: log, status: status}
}

// Apply starts, stops or restarts the listener to match cfg. Safe to call
// on every config reload.
func (s *Server) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	runtime.SetBlockProfileRate(cfg.BlockProfileRate)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Enabled {
		s.stopLocked(ctx)
		s.cfg = cfg
		return
	}
	if s.srv != nil && s.cfg.Addr == cfg.Addr && s.cfg.Token == cfg.Token {
		s.cfg = cfg
		return
	}
	s.stopLocked(ctx)
	s.cfg = cfg
	s.startLocked(cfg)
}

func (s *Server) startLocked(cfg Config) {
	if cfg.Token == "" && !isLoopbackAddr(cfg.Addr) {
		s.log.Error("debug server refused to start: non-loopback addr requires token", logx.String("addr", cfg.Addr))
		return
	}

	auth := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }
	mux := http.NewServeMux()
	mux.HandleFunc("/status", auth(s.serveStatus))
	mux.HandleFunc("/debug/pprof/", auth(pprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", auth(pprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", auth(pprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", auth(pprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", auth(pprof.Trace))

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		s.log.Warn("debug server listen failed", logx.String("addr", cfg.Addr), logx.Err(err))
		return
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()

	addr := s.addr
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("debug server error", logx.String("addr", addr), logx.Err(err))
		}
	}()
	s.log.Info("debug server enabled", logx.String("addr", addr), logx.Bool("token_set", cfg.Token != ""))
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv, ln, addr := s.srv, s.ln, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("debug server shutdown error", logx.String("addr", addr), logx.Err(err))
		_ = srv.Close()
	}
	_ = ln.Close()
	s.log.Info("debug server disabled", logx.String("addr", addr))
}

// Addr reports the actual listen address, or "" when not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) serveStatus(w http.ResponseWriter, _ *http.Request) {
	var v any = struct{}{}
	if s.status != nil {
		v = s.status()
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.log.Debug("status encode failed", logx.Err(err))
	}
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(ah[len(p):]) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
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
