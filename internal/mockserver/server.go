// Package mockserver is a local stand-in for the remote mutation service. It
// speaks the same websocket protocol, authenticates against a bcrypt user list,
// issues signed session tokens and drives the client's callbacks, but its
// "mutation" is a trivial deterministic transform.
package mockserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type Server struct {
	cfg      *Config
	users    *userStore
	tokens   *tokenIssuer
	upgrader websocket.Upgrader
	router   *mux.Router
	http     *http.Server
	log      *logrus.Entry

	mu    sync.Mutex
	conns map[string]*conn
	addr  net.Addr
	wg    sync.WaitGroup
}

func New(cfg *Config) (*Server, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.ApplyDefaults()

	users, err := newUserStore(cfg.Users, cfg.BcryptCost)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:   cfg,
		users: users,
		tokens: &tokenIssuer{
			secret: []byte(cfg.JWTSecret),
			ttl:    time.Duration(cfg.TokenTTLSeconds) * time.Second,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 64 << 10,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		router: mux.NewRouter(),
		log:    logrus.WithField("component", "mockserver"),
		conns:  make(map[string]*conn),
	}
	s.router.HandleFunc(cfg.Path, s.serveWS)
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	return s, nil
}

// Handler exposes the routes, e.g. for httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on cfg.Listen and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}

	s.mu.Lock()
	s.addr = ln.Addr()
	s.http = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	srv := s.http
	s.mu.Unlock()

	go func() {
		var err error
		if s.cfg.TLS.CertFile != "" {
			err = srv.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("Mock server stopped: %v", err)
		}
	}()
	s.log.Infof("Mock server listening on %s%s", ln.Addr(), s.cfg.Path)
	return nil
}

// Addr is the bound address after Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop shuts the listener down and drops every open connection.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
	s.wg.Wait()
	s.log.Info("Mock server stopped")
	return err
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("Upgrade failed: %v", err)
		return
	}

	c := newConn(s, ws)
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	s.wg.Add(1)

	defer func() {
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		s.wg.Done()
	}()

	c.run()
}
