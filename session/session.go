// Package session holds the server-side state of one client connection.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Saidiibrahim/maze-escape/domain"
)

var (
	ErrInvalidMotion = errors.New("position or rotation is not a finite vector")
	ErrOutOfBounds   = errors.New("position outside world bounds")
	ErrMovedTooFast  = errors.New("moved too far in one update")
)

// Bounds are the anti-cheat limits applied to position updates.
type Bounds struct {
	MaxCoordinate   float64
	MaxMoveDistance float64
}

type Session struct {
	id   string
	addr string
	conn domain.Connection

	roomID   string
	name     string
	joinedAt time.Time

	alive         bool
	lastHeartbeat time.Time

	messageCount int
	windowStart  time.Time
	violations   int

	position domain.Vec3
	rotation domain.Vec3
}

func New(id, addr string, conn domain.Connection, now time.Time) *Session {
	return &Session{
		id:            id,
		addr:          addr,
		conn:          conn,
		alive:         true,
		lastHeartbeat: now,
		windowStart:   now,
	}
}

func (s *Session) ID() string            { return s.id }
func (s *Session) Addr() string          { return s.addr }
func (s *Session) RoomID() string        { return s.roomID }
func (s *Session) InRoom() bool          { return s.roomID != "" }
func (s *Session) Name() string          { return s.name }
func (s *Session) JoinedAt() time.Time   { return s.joinedAt }
func (s *Session) Position() domain.Vec3 { return s.position }
func (s *Session) Rotation() domain.Vec3 { return s.rotation }
func (s *Session) Violations() int       { return s.violations }

// JoinRoom stamps the session with its room membership. Only a Room calls it.
func (s *Session) JoinRoom(roomID, name string, now time.Time) {
	s.roomID = roomID
	s.name = name
	s.joinedAt = now
}

// LeaveRoom clears the room id. The display name is kept for the
// player_left notice that follows.
func (s *Session) LeaveRoom() {
	s.roomID = ""
}

func (s *Session) Alive() bool { return s.alive }

// MarkProbed clears the alive flag ahead of a liveness probe.
func (s *Session) MarkProbed() { s.alive = false }

func (s *Session) Heartbeat(now time.Time) {
	s.alive = true
	s.lastHeartbeat = now
}

func (s *Session) IsStale(timeout time.Duration, now time.Time) bool {
	return now.Sub(s.lastHeartbeat) > timeout
}

func (s *Session) MessageCount() int      { return s.messageCount }
func (s *Session) WindowStart() time.Time { return s.windowStart }
func (s *Session) IncrementMessageCount() { s.messageCount++ }

func (s *Session) ResetWindow(now time.Time) {
	s.messageCount = 0
	s.windowStart = now
}

func (s *Session) RecordViolation() int {
	s.violations++
	return s.violations
}

// UpdatePosition validates a client-reported motion and stores it when it is
// plausible. Rejected updates leave the stored state untouched.
func (s *Session) UpdatePosition(position, rotation domain.Vec3, b Bounds) error {
	if !position.Finite() || !rotation.Finite() {
		return ErrInvalidMotion
	}
	for _, c := range [3]float64{position.X, position.Y, position.Z} {
		if math.Abs(c) >= b.MaxCoordinate {
			return ErrOutOfBounds
		}
	}
	if d := s.position.Distance(position); d > b.MaxMoveDistance {
		return fmt.Errorf("%w: %.2f units", ErrMovedTooFast, d)
	}
	s.position = position
	s.rotation = rotation
	return nil
}

// Send encodes msg as JSON and queues it on the connection.
func (s *Session) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %T: %w", msg, err)
	}
	return s.conn.Send(data)
}

func (s *Session) SendRaw(data []byte) error {
	return s.conn.Send(data)
}

func (s *Session) Ping() error { return s.conn.Ping() }

func (s *Session) Close(code int, reason string) error {
	return s.conn.Close(code, reason)
}

func (s *Session) Terminate() error { return s.conn.Terminate() }
