package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/net/netutil"

	"example.com/httpfileserver/internal/config"
	"example.com/httpfileserver/internal/logger"
	"example.com/httpfileserver/internal/util"
)

// Server owns the listeners and the http.Server that feeds the dispatcher.
type Server struct {
	cfg        *config.Config
	log        *logger.Logger
	handler    http.Handler
	httpServer *http.Server

	mu        sync.Mutex
	listeners []net.Listener
	serveErr  chan error
}

// NewServer creates a Server. cfg must have had defaults applied.
func NewServer(cfg *config.Config, lg *logger.Logger, d Dispatcher) (*Server, error) {
	if cfg == nil || cfg.Server == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if d == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}

	var handler http.Handler = NewHandler(d, lg)
	if cfg.Server.EnableH2C != nil && *cfg.Server.EnableH2C {
		handler = h2c.NewHandler(handler, &http2.Server{
			IdleTimeout: cfg.Server.IdleTimeoutDuration(),
		})
	}

	s := &Server{
		cfg:     cfg,
		log:     lg,
		handler: handler,
	}
	s.httpServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeoutDuration(),
		IdleTimeout:       cfg.Server.IdleTimeoutDuration(),
		WriteTimeout:      cfg.Server.WriteTimeoutDuration(),
		ErrorLog:          log.New(&httpErrorLogWriter{log: lg}, "", 0),
	}
	return s, nil
}

// Handler returns the request handler, including the h2c upgrade wrapper
// when enabled.
func (s *Server) Handler() http.Handler { return s.handler }

// Serve accepts connections on l until Shutdown. The configured connection
// cap is applied here. It returns nil after a clean shutdown.
func (s *Server) Serve(l net.Listener) error {
	if s.cfg.Server.MaxConnections != nil && *s.cfg.Server.MaxConnections > 0 {
		l = netutil.LimitListener(l, *s.cfg.Server.MaxConnections)
	}
	s.log.Info("Serving", logger.LogFields{"address": l.Addr().String()})
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", l.Addr(), err)
	}
	return nil
}

// initializeListeners uses listeners inherited through LISTEN_FDS if any,
// otherwise binds server.address.
func (s *Server) initializeListeners() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inherited, err := util.InheritedListeners()
	if err != nil {
		return fmt.Errorf("error using inherited listener FDs from %s: %w", util.ListenFdsEnvKey, err)
	}
	if len(inherited) > 0 {
		for _, l := range inherited {
			s.log.Info("Using inherited listener", logger.LogFields{"localAddr": l.Addr().String()})
		}
		s.listeners = inherited
		return nil
	}

	address := *s.cfg.Server.Address
	l, err := util.CreateListener("tcp", address)
	if err != nil {
		if util.IsAddrInUse(err) {
			return fmt.Errorf("address %s is already in use: %w", address, err)
		}
		return err
	}
	s.listeners = []net.Listener{l}
	return nil
}

// Start binds the listeners and serves each in its own goroutine.
func (s *Server) Start() error {
	if err := s.initializeListeners(); err != nil {
		return err
	}
	s.mu.Lock()
	listeners := s.listeners
	s.serveErr = make(chan error, len(listeners))
	s.mu.Unlock()

	for _, l := range listeners {
		go func(l net.Listener) {
			s.serveErr <- s.Serve(l)
		}(l)
	}
	return nil
}

// Addrs returns the addresses of the active listeners.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down", logger.LogFields{"document_root": s.cfg.FileServer.DocumentRoot})
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) shutdownWithTimeout() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.GracefulShutdownDuration())
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		s.log.Warn("Graceful shutdown did not complete, closing remaining connections", logger.LogFields{"error": err.Error()})
		s.httpServer.Close()
		return err
	}
	return nil
}

// Run starts the server and blocks until ctx is cancelled, a listener fails,
// or SIGINT/SIGTERM arrives. SIGHUP reopens log files.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return s.shutdownWithTimeout()
		case err := <-s.serveErr:
			if err != nil {
				s.log.Error("Listener failed", logger.LogFields{"error": err.Error()})
				s.shutdownWithTimeout()
				return err
			}
			return nil
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				s.log.Info("Received SIGHUP, reopening log files", nil)
				if err := s.log.ReopenLogFiles(); err != nil {
					s.log.Error("Failed to reopen log files", logger.LogFields{"error": err.Error()})
				}
				continue
			}
			s.log.Info("Received signal, shutting down", logger.LogFields{"signal": sig.String()})
			return s.shutdownWithTimeout()
		}
	}
}

// httpErrorLogWriter routes net/http's internal messages into the error log.
type httpErrorLogWriter struct {
	log *logger.Logger
}

func (w *httpErrorLogWriter) Write(p []byte) (int, error) {
	w.log.Warn("http: "+strings.TrimSpace(string(p)), nil)
	return len(p), nil
}
