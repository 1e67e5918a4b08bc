// Package bridge exposes the broadcast network to one external client over
// a WebSocket. The client is proxied into the network as a virtual station
// co-located with a designated entity: frames it sends are injected as
// range-bounded broadcasts, and everything the designated entity's real
// station receives is forwarded back out.
package bridge

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/vanet-simulator/core"
	"github.com/signalsfoundry/vanet-simulator/internal/logging"
	"github.com/signalsfoundry/vanet-simulator/timectrl"
)

// Only one external client may be attached at a time; extras are turned
// away during the handshake.
const rejectReason = "Only one connection allowed"

// Metrics is the optional observability hook for the bridge.
type Metrics interface {
	SetBridgeSessions(n int)
	RecordBridgeFrame(direction, frameType string)
}

// Config governs the bridge server.
type Config struct {
	// Addr is the listen address, e.g. ":8765".
	Addr string
	// DesignatedRole selects the entity the external client rides along
	// with. Defaults to "hero".
	DesignatedRole string
	// InjectionRangeM bounds broadcasts injected by the external client.
	InjectionRangeM float64
	// OutboundBuffer sizes the per-session outgoing frame queue. Frames
	// are dropped, not blocked on, when the client cannot keep up.
	OutboundBuffer int
	// WriteTimeout bounds each WebSocket write.
	WriteTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.DesignatedRole == "" {
		c.DesignatedRole = "hero"
	}
	if c.InjectionRangeM <= 0 {
		c.InjectionRangeM = 30
	}
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Server accepts WebSocket connections and runs at most one session.
type Server struct {
	cfg   Config
	hub   *core.Router
	env   core.Environment
	clock timectrl.SimClock
	log   logging.Logger

	metrics  Metrics
	upgrader websocket.Upgrader

	mu      sync.Mutex
	session *session
}

// Option customises Server construction.
type Option func(*Server)

// WithLogger attaches a structured logger.
func WithLogger(log logging.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics attaches the observability hook.
func WithMetrics(m Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithClock injects a simulation clock; defaults to the wall clock.
func WithClock(clock timectrl.SimClock) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New constructs a bridge server over the given router and environment.
func New(cfg Config, hub *core.Router, env core.Environment, opts ...Option) *Server {
	cfg.applyDefaults()
	s := &Server{
		cfg:   cfg,
		hub:   hub,
		env:   env,
		clock: realClock{},
		log:   logging.Noop(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The simulator trusts its operators; browsers are not the
			// expected client.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Handler returns the WebSocket upgrade handler. Exposed separately so
// tests can mount it on an httptest server.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleWS)
}

// Run serves the bridge until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info(ctx, "bridge listening", logging.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.closeActiveSession()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn(r.Context(), "websocket upgrade failed", logging.String("error", err.Error()))
		return
	}

	sess, err := s.attach(conn)
	if err != nil {
		s.reject(conn, err)
		return
	}
	go sess.run()
}

// attach claims the single session slot and builds the session state.
func (s *Server) attach(conn *websocket.Conn) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		return nil, errSessionBusy
	}
	sess, err := newSession(s, conn)
	if err != nil {
		return nil, err
	}
	s.session = sess
	if s.metrics != nil {
		s.metrics.SetBridgeSessions(1)
	}
	return sess, nil
}

// closeActiveSession tears down the current session, if any. Shutdown of
// the http server does not touch hijacked connections, so the bridge closes
// its own.
func (s *Server) closeActiveSession() {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess != nil {
		sess.teardown()
	}
}

// detach releases the session slot. Called from session teardown.
func (s *Server) detach(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == sess {
		s.session = nil
		if s.metrics != nil {
			s.metrics.SetBridgeSessions(0)
		}
	}
}

var errSessionBusy = errors.New("a session is already active")

// reject closes a connection that cannot become a session, with a policy
// violation close code and a reason the client can distinguish.
func (s *Server) reject(conn *websocket.Conn, cause error) {
	reason := rejectReason
	if !errors.Is(cause, errSessionBusy) {
		reason = cause.Error()
	}
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = conn.Close()
	s.log.Info(context.Background(), "bridge connection rejected", logging.String("reason", reason))
}
