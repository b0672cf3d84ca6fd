package offledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	nethttp "github.com/LerianStudio/lib-tokenstandard/tokenstandard/net/http"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/runtime"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// ErrAddressRequired is returned when a Server has no listen address.
var ErrAddressRequired = errors.New("offledger: server address is required")

const defaultShutdownTimeout = 30 * time.Second

// ShutdownHook runs after the HTTP listener stopped, in registration order.
type ShutdownHook func(ctx context.Context) error

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the server and access logger.
func WithLogger(logger log.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithShutdownTimeout bounds the graceful shutdown.
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithShutdownChannel stops the server when ch is closed instead of on
// SIGINT or SIGTERM.
func WithShutdownChannel(ch <-chan struct{}) ServerOption {
	return func(s *Server) { s.shutdownCh = ch }
}

// WithShutdownHook adds work to run once the listener stopped: stopping the
// dispatcher, flushing telemetry.
func WithShutdownHook(hook ShutdownHook) ServerOption {
	return func(s *Server) {
		if hook != nil {
			s.hooks = append(s.hooks, hook)
		}
	}
}

// Server is the off-ledger HTTP API as a tokenstandard.App.
type Server struct {
	app             *fiber.App
	address         string
	logger          log.Logger
	shutdownTimeout time.Duration
	shutdownCh      <-chan struct{}
	hooks           []ShutdownHook
	started         chan struct{}
	startedOnce     sync.Once
}

// NewServer builds the Fiber app with the shared middleware and the
// off-ledger routes.
func NewServer(address string, h *Handler, opts ...ServerOption) (*Server, error) {
	if address == "" {
		return nil, ErrAddressRequired
	}

	if h == nil {
		return nil, ErrHandlerDependencies
	}

	s := &Server{
		address:         address,
		logger:          log.NewNop(),
		shutdownTimeout: defaultShutdownTimeout,
		started:         make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.app = fiber.New(fiber.Config{
		ErrorHandler:          nethttp.FiberErrorHandler,
		DisableStartupMessage: true,
	})
	s.app.Use(recover.New())
	s.app.Use(nethttp.WithHTTPLogging(nethttp.WithCustomLogger(s.logger)))

	Routes(s.app, h)

	return s, nil
}

// App exposes the Fiber app, mostly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Started is closed once the listener goroutine was launched.
func (s *Server) Started() <-chan struct{} { return s.started }

// Run implements tokenstandard.App. It serves until a termination signal,
// the shutdown channel or a listen failure, then shuts down gracefully.
func (s *Server) Run(_ *tokenstandard.Launcher) error {
	listenErr := make(chan error, 1)

	runtime.SafeGoWithContextAndComponent(context.Background(), s.logger, "offledger", "listen", runtime.KeepRunning,
		func(ctx context.Context) {
			s.logger.Log(ctx, log.LevelInfo, "starting HTTP server", log.String("address", s.address))

			if err := s.app.Listen(s.address); err != nil {
				listenErr <- fmt.Errorf("HTTP server: %w", err)
			}
		})

	s.startedOnce.Do(func() { close(s.started) })

	var (
		runErr  error
		signals chan os.Signal
	)

	if s.shutdownCh == nil {
		signals = make(chan os.Signal, 1)
		signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

		defer signal.Stop(signals)
	}

	select {
	case <-s.shutdownCh:
	case <-signals:
	case runErr = <-listenErr:
		s.logger.Log(context.Background(), log.LevelError, "server startup failed", log.Err(runErr))
	}

	return errors.Join(runErr, s.Shutdown())
}

// Shutdown stops the listener, then runs the shutdown hooks.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	s.logger.Log(ctx, log.LevelInfo, "gracefully shutting down")

	var errs []error

	if err := s.app.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown HTTP server: %w", err))
	}

	for _, hook := range s.hooks {
		if err := hook(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if err := s.logger.Sync(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sync logger: %w", err))
	}

	s.logger.Log(ctx, log.LevelInfo, "graceful shutdown completed")

	return errors.Join(errs...)
}
