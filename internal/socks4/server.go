package socks4

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/time/rate"
)

// ServerConfig holds the acceptor's configuration.
type ServerConfig struct {
	// Address to listen on, e.g. "10.0.0.1:1080".
	Address string

	// Threads sets runtime.GOMAXPROCS: the number of OS threads the
	// scheduler multiplexes goroutines onto. Each accepted connection
	// still gets its own lightweight goroutine — Threads bounds
	// parallelism, not connection count.
	Threads int

	RequestTimeout  time.Duration
	TransferTimeout time.Duration

	// MaxAcceptsPerSecond rate-limits the accept loop (0 = unlimited).
	MaxAcceptsPerSecond float64

	Resolver Resolver
	Dialer   Dialer
	Logger   *slog.Logger
	Metrics  Recorder
}

// Server is the SOCKS4/4a acceptor: it owns the listening socket, a
// signal handler, and one shared Handler whose Handle it runs in a
// new goroutine for each accepted connection.
type Server struct {
	cfg     ServerConfig
	handler *Handler
	limiter *rate.Limiter

	listener net.Listener
	tracker  *connTracker[net.Conn]

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer builds a Server from cfg, filling in defaults for any
// zero-valued fields.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Threads <= 0 {
		cfg.Threads = runtime.GOMAXPROCS(0)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = DefaultTransferTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{Control: setDialSocketOptions, KeepAlive: 30 * time.Second}
	}

	handler := NewHandler(cfg.Resolver, cfg.Dialer, cfg.Logger, cfg.Metrics)
	handler.RequestTimeout = cfg.RequestTimeout
	handler.TransferTimeout = cfg.TransferTimeout

	s := &Server{
		cfg:     cfg,
		handler: handler,
		tracker: newConnTracker[net.Conn](),
		stopCh:  make(chan struct{}),
	}
	if cfg.MaxAcceptsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MaxAcceptsPerSecond), 1)
	}
	return s
}

// Start binds the listening socket and spawns the accept loop.
// runtime.GOMAXPROCS is set to cfg.Threads as a process-wide setting.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	runtime.GOMAXPROCS(s.cfg.Threads)

	lc := net.ListenConfig{Control: setListenSocketOptions}
	listener, err := lc.Listen(context.Background(), "tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Address, err)
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.cfg.Logger.Info("listening", slog.String("address", listener.Addr().String()))
	return nil
}

// Stop closes the listener, cancels every in-flight handler's socket,
// and waits for the accept loop and every handler goroutine to return.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)
		if s.listener != nil {
			err = s.listener.Close()
		}
		s.tracker.closeAll()
	})
	s.wg.Wait()
	return err
}

// Address returns the listener's bound address, or nil if not started.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount reports the number of connections currently in the
// handshake or tunnel phase.
func (s *Server) ConnectionCount() int64 {
	return s.tracker.count()
}

// Run starts the server and blocks until SIGINT, SIGTERM, or SIGABRT
// is received or ctx is done, then performs a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		s.cfg.Logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
	case <-ctx.Done():
		s.cfg.Logger.Info("context cancelled, shutting down")
	}

	return s.Stop()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(context.Background()); err != nil {
				return
			}
		}

		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			// Cancellation-class errors (listener closed from under
			// us in a race with stopCh) terminate the loop; anything
			// else is transient and logged at warning.
			if isCancelled(err) {
				return
			}
			s.cfg.Logger.Warn("accept error", slog.Any("error", err))
			continue
		}

		s.tracker.add(conn)
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.tracker.remove(conn)

	s.handler.Handle(conn)
}

func isCancelled(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
