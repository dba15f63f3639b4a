package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/promptoor/pkg/config"
	"github.com/ethpandaops/promptoor/pkg/resultstore"
	"github.com/ethpandaops/promptoor/pkg/suite"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	// Handler returns the router, for embedding or tests.
	Handler() http.Handler
}

// Compile-time interface check.
var _ Server = (*server)(nil)

// Suite is the test matrix the plan endpoint schedules against.
type Suite struct {
	Models []suite.Model
	Cases  []suite.TestCase
	Passes int
}

type server struct {
	log        logrus.FieldLogger
	cfg        *config.APIConfig
	store      resultstore.Store
	suite      Suite
	users      map[string][]byte
	limiter    *requestLimiter
	handler    http.Handler
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a new read-only results API server. The store must
// already be started; the server does not stop it.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	store resultstore.Store,
	s Suite,
) Server {
	srv := &server{
		log:   log.WithField("component", "api"),
		cfg:   cfg,
		store: store,
		suite: s,
		users: make(map[string][]byte, len(cfg.Auth.Basic.Users)),
		done:  make(chan struct{}),
	}

	for _, u := range cfg.Auth.Basic.Users {
		srv.users[u.Username] = []byte(u.PasswordHash)
	}

	if rl := cfg.Server.RateLimit; rl.Enabled {
		srv.limiter = newRequestLimiter(rl.RequestsPerMinute)

		go srv.limiter.run(srv.done)
	}

	srv.handler = srv.buildRouter()

	return srv
}

// Handler returns the HTTP handler.
func (s *server) Handler() http.Handler {
	return s.handler
}

// Start binds the listener and starts serving.
func (s *server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", ln.Addr().String()).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}
