// Package server owns the session registry and runs every connection event,
// inbound frame and maintenance sweep against it one at a time.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Saidiibrahim/maze-escape/config"
	"github.com/Saidiibrahim/maze-escape/domain"
	"github.com/Saidiibrahim/maze-escape/hub"
	"github.com/Saidiibrahim/maze-escape/protocol"
	"github.com/Saidiibrahim/maze-escape/ratelimit"
	"github.com/Saidiibrahim/maze-escape/session"
)

var (
	ErrShuttingDown = errors.New("server shutting down")
	ErrServerFull   = errors.New("server full")
	ErrAddressLimit = errors.New("too many connections from address")
	ErrOriginDenied = errors.New("origin not allowed")
)

const errInvalidFormat = "Invalid message format"

type Option func(*Server)

// WithClock replaces time.Now for every timestamp the server takes.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

func WithIDGenerator(gen func() string) Option {
	return func(s *Server) { s.newID = gen }
}

type Server struct {
	cfg   config.Config
	now   func() time.Time
	newID func() string

	mu        sync.Mutex
	sessions  map[string]*session.Session
	addrConns map[string]int
	connCount int
	closing   bool
	drained   chan struct{}

	rooms     *hub.Hub
	limiter   *ratelimit.Limiter
	handler   *protocol.Handler
	startedAt time.Time
}

func New(cfg config.Config, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		now:       time.Now,
		newID:     uuid.NewString,
		sessions:  make(map[string]*session.Session),
		addrConns: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.rooms = hub.New(cfg.MaxRooms, cfg.MaxPlayersPerRoom, s.now)
	s.limiter = ratelimit.New(ratelimit.Config{
		Window:       cfg.RateLimitWindow,
		MaxMessages:  cfg.RateLimitMax,
		BanThreshold: cfg.BanThreshold,
		BanDuration:  cfg.BanDuration,
		Retention:    cfg.PenaltyRetention,
	}, s.now)
	s.handler = protocol.NewHandler(s.rooms, protocol.Config{
		Bounds: session.Bounds{
			MaxCoordinate:   cfg.MaxCoordinate,
			MaxMoveDistance: cfg.MaxMoveDistance,
		},
		RoomIdleTimeout: cfg.RoomIdleTimeout,
		Now:             s.now,
	})
	s.startedAt = s.now()
	return s
}

// Admit decides whether a connection attempt may proceed to the upgrade. It
// reserves nothing.
func (s *Server) Admit(addr, origin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkCapacity(addr); err != nil {
		return err
	}
	if len(s.cfg.AllowedOrigins) > 0 && !slices.Contains(s.cfg.AllowedOrigins, origin) {
		slog.Warn("connection rejected", "addr", addr, "origin", origin, "reason", ErrOriginDenied)
		return ErrOriginDenied
	}
	return nil
}

func (s *Server) checkCapacity(addr string) error {
	switch {
	case s.closing:
		return ErrShuttingDown
	case s.connCount >= s.cfg.MaxConnections:
		slog.Warn("connection rejected", "addr", addr, "reason", ErrServerFull)
		return ErrServerFull
	case s.addrConns[addr] >= s.cfg.MaxConnectionsPerIP:
		slog.Warn("connection rejected", "addr", addr, "reason", ErrAddressLimit)
		return ErrAddressLimit
	}
	return nil
}

// Accept registers a new session for conn and greets it. Capacity is checked
// again because concurrent upgrades may have passed Admit together.
func (s *Server) Accept(conn domain.Connection, addr string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkCapacity(addr); err != nil {
		return "", err
	}

	id := s.newID()
	for s.sessions[id] != nil {
		id = s.newID()
	}

	sess := session.New(id, addr, conn, s.now())
	s.sessions[id] = sess
	s.addrConns[addr]++
	s.connCount++

	slog.Info("player connected", "playerId", id, "addr", addr, "connections", s.connCount)
	s.reply(sess, domain.Connected{
		Type:          domain.TypeConnected,
		PlayerID:      id,
		ServerVersion: domain.ServerVersion,
	})
	return id, nil
}

// HandleFrame runs one inbound frame through the size check, the rate
// limiter and the JSON decoder before routing it.
func (s *Server) HandleFrame(id string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return
	}

	if len(data) > s.cfg.MaxMessageSize {
		slog.Warn("message too large", "playerId", id, "bytes", len(data))
		s.close(sess, domain.CloseMessageTooBig, domain.CloseReasonTooLarge)
		return
	}

	decision := s.limiter.Check(sess)
	if !decision.Allowed {
		s.reply(sess, domain.NewError(decision.Reason))
		if s.limiter.IsBanned(id) {
			slog.Warn("closing banned session", "playerId", id, "remaining", s.limiter.BanRemaining(id))
			s.close(sess, domain.CloseRateLimited, decision.Reason)
		}
		return
	}

	var msg domain.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("invalid message", "playerId", id, "error", err)
		s.reply(sess, domain.NewError(errInvalidFormat))
		return
	}

	s.handler.Handle(sess, msg)
}

// HandlePong records a reply to the liveness probe.
func (s *Server) HandlePong(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.Heartbeat(s.now())
	}
}

// Disconnect releases everything held by the session. Unknown ids are
// ignored, so it is safe to call after a forced termination.
func (s *Server) Disconnect(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		s.disconnect(sess)
	}
}

func (s *Server) disconnect(sess *session.Session) {
	if sess.InRoom() {
		s.handler.Leave(sess)
	}

	s.connCount--
	addr := sess.Addr()
	if s.addrConns[addr] > 1 {
		s.addrConns[addr]--
	} else {
		delete(s.addrConns, addr)
	}
	delete(s.sessions, sess.ID())

	slog.Info("player disconnected", "playerId", sess.ID(), "connections", s.connCount)
	s.signalDrained()
}

// signalDrained releases Shutdown once the last session is gone.
func (s *Server) signalDrained() {
	if !s.closing || s.connCount > 0 || s.drained == nil {
		return
	}
	select {
	case <-s.drained:
	default:
		close(s.drained)
	}
}

// SweepHeartbeats terminates sessions that missed the previous probe and
// probes the rest.
func (s *Server) SweepHeartbeats() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, sess := range s.sessions {
		if !sess.Alive() {
			slog.Info("terminating unresponsive session", "playerId", id)
			if err := sess.Terminate(); err != nil {
				slog.Warn("terminate error", "playerId", id, "error", err)
			}
			s.disconnect(sess)
			continue
		}
		if sess.IsStale(s.cfg.HeartbeatTimeout, now) {
			slog.Warn("session appears stale", "playerId", id)
		}
		sess.MarkProbed()
		if err := sess.Ping(); err != nil {
			slog.Warn("ping error", "playerId", id, "error", err)
		}
	}
}

// SweepRooms removes empty rooms idle past the configured timeout and
// discards expired penalty records.
func (s *Server) SweepRooms() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rooms.SweepIdle(s.cfg.RoomIdleTimeout)
	if n := s.limiter.Cleanup(); n > 0 {
		slog.Debug("penalty records discarded", "count", n)
	}
	rooms, players := s.rooms.Stats()
	slog.Info("server stats", "connections", s.connCount, "rooms", rooms, "playersInRooms", players)
}

// Run drives the periodic sweeps until ctx is done.
func (s *Server) Run(ctx context.Context) {
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	cleanup := time.NewTicker(s.cfg.CleanupInterval)
	defer func() {
		heartbeat.Stop()
		cleanup.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			s.SweepHeartbeats()
		case <-cleanup.C:
			s.SweepRooms()
		}
	}
}

// Shutdown stops admitting connections, closes every live session and waits
// until each one has disconnected or ctx is done. Close frames are written by
// the connection pumps, so returning early would lose them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.drained == nil {
		s.drained = make(chan struct{})
	}
	s.closing = true
	pending := len(s.sessions)
	for _, sess := range s.sessions {
		s.close(sess, domain.CloseShuttingDown, domain.CloseReasonShutdown)
	}
	s.signalDrained()
	drained := s.drained
	s.mu.Unlock()

	slog.Info("closing sessions", "count", pending)
	select {
	case <-drained:
	case <-ctx.Done():
		s.mu.Lock()
		left := s.connCount
		s.mu.Unlock()
		if left > 0 {
			slog.Warn("shutdown deadline reached", "remaining", left)
			return ctx.Err()
		}
	}
	slog.Info("server shut down", "closed", pending)
	return nil
}

func (s *Server) reply(sess *session.Session, msg any) {
	if err := sess.Send(msg); err != nil {
		slog.Warn("send error", "playerId", sess.ID(), "error", err)
	}
}

func (s *Server) close(sess *session.Session, code int, reason string) {
	if err := sess.Close(code, reason); err != nil {
		slog.Warn("close error", "playerId", sess.ID(), "error", err)
	}
}
