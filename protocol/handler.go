package protocol

import (
	"log/slog"
	"time"

	"github.com/Saidiibrahim/maze-escape/domain"
	"github.com/Saidiibrahim/maze-escape/hub"
	"github.com/Saidiibrahim/maze-escape/session"
)

const (
	errUnknownType     = "Unknown message type"
	errProcessing      = "Failed to process message"
	errInvalidRoomID   = "Invalid room ID. Must be 1-50 characters, alphanumeric with hyphens/underscores only."
	errInvalidUsername = "Invalid player name. Must be 1-30 characters."
)

type Config struct {
	Bounds          session.Bounds
	RoomIdleTimeout time.Duration
	Now             func() time.Time
}

// Handler validates inbound messages and applies them to sessions and rooms.
// Calls must be serialised by the caller.
type Handler struct {
	rooms       *hub.Hub
	bounds      session.Bounds
	idleTimeout time.Duration
	now         func() time.Time
}

func NewHandler(rooms *hub.Hub, cfg Config) *Handler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Handler{
		rooms:       rooms,
		bounds:      cfg.Bounds,
		idleTimeout: cfg.RoomIdleTimeout,
		now:         now,
	}
}

func (h *Handler) Handle(s *session.Session, msg domain.ClientMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("message handler panic", "playerId", s.ID(), "type", msg.Type, "panic", r)
			h.reply(s, domain.NewError(errProcessing))
		}
	}()

	switch msg.Type {
	case domain.TypeJoinRoom:
		h.handleJoinRoom(s, msg)
	case domain.TypeLeaveRoom:
		h.Leave(s)
	case domain.TypePlayerPosition:
		h.handlePlayerPosition(s, msg)
	case domain.TypePlayerShot:
		h.handlePlayerShot(s, msg)
	case domain.TypePing:
		s.Heartbeat(h.now())
		h.reply(s, domain.Pong{Type: domain.TypePong})
	default:
		slog.Warn("unknown message type", "playerId", s.ID(), "type", msg.Type)
		h.reply(s, domain.NewError(errUnknownType))
	}
}

func (h *Handler) handleJoinRoom(s *session.Session, msg domain.ClientMessage) {
	roomID, ok := decodeString(msg.RoomID)
	if ok {
		roomID, ok = SanitizeRoomID(roomID)
	}
	if !ok {
		h.reply(s, domain.NewError(errInvalidRoomID))
		return
	}

	name, ok := decodeString(msg.PlayerName)
	if ok {
		name, ok = SanitizePlayerName(name)
	}
	if !ok {
		h.reply(s, domain.NewError(errInvalidUsername))
		return
	}

	if s.InRoom() {
		h.Leave(s)
	}

	room, ok := h.rooms.Get(roomID)
	if !ok {
		var err error
		if room, err = h.rooms.Create(roomID); err != nil {
			h.reply(s, domain.NewError(err.Error()))
			return
		}
	}

	if err := room.AddMember(s, name); err != nil {
		h.reply(s, domain.NewError(err.Error()))
		return
	}

	h.reply(s, domain.AssignID{Type: domain.TypeAssignID, PlayerID: s.ID(), RoomID: roomID})
	h.reply(s, domain.GameState{
		Type:        domain.TypeGameState,
		RoomID:      roomID,
		Players:     room.Snapshot(s.ID()),
		PlayerCount: room.Len(),
	})
	room.Broadcast(domain.PlayerJoined{
		Type:       domain.TypePlayerJoined,
		PlayerID:   s.ID(),
		PlayerName: name,
		Position:   s.Position(),
	}, s.ID())

	slog.Info("player joined room", "playerId", s.ID(), "playerName", name, "roomId", roomID)
}

// Leave takes s out of its room and tells the remaining members. The room
// itself is left for the idle sweep.
func (h *Handler) Leave(s *session.Session) {
	if !s.InRoom() {
		return
	}
	roomID := s.RoomID()
	room, ok := h.rooms.Get(roomID)
	if !ok {
		return
	}

	remaining := room.RemoveMember(s.ID())
	if len(remaining) > 0 {
		room.Broadcast(domain.PlayerLeft{
			Type:       domain.TypePlayerLeft,
			PlayerID:   s.ID(),
			PlayerName: s.Name(),
		}, "")
	}
	slog.Info("player left room", "playerId", s.ID(), "roomId", roomID, "remaining", len(remaining))

	h.rooms.RemoveIfIdle(roomID, h.idleTimeout)
}

func (h *Handler) handlePlayerPosition(s *session.Session, msg domain.ClientMessage) {
	room, ok := h.currentRoom(s)
	if !ok {
		return
	}

	position, okPos := decodeVec3(msg.Position)
	rotation, okRot := decodeVec3(msg.Rotation)
	if !okPos || !okRot {
		slog.Debug("malformed position update dropped", "playerId", s.ID())
		return
	}
	if err := s.UpdatePosition(position, rotation, h.bounds); err != nil {
		slog.Warn("position update rejected", "playerId", s.ID(), "error", err)
		return
	}

	room.UpdateMemberState(s.ID(), position, rotation)
	room.Broadcast(domain.PlayerPosition{
		Type:      domain.TypePlayerPosition,
		PlayerID:  s.ID(),
		Position:  position,
		Rotation:  rotation,
		Timestamp: h.timestamp(msg),
	}, s.ID())
}

func (h *Handler) handlePlayerShot(s *session.Session, msg domain.ClientMessage) {
	room, ok := h.currentRoom(s)
	if !ok {
		return
	}

	position, okPos := decodeVec3(msg.Position)
	direction, okDir := decodeVec3(msg.Direction)
	if !okPos || !okDir {
		slog.Debug("malformed shot dropped", "playerId", s.ID())
		return
	}

	room.Broadcast(domain.PlayerShot{
		Type:      domain.TypePlayerShot,
		PlayerID:  s.ID(),
		Position:  position,
		Direction: direction,
		Timestamp: h.timestamp(msg),
	}, s.ID())
}

func (h *Handler) currentRoom(s *session.Session) (*hub.Room, bool) {
	if !s.InRoom() {
		return nil, false
	}
	return h.rooms.Get(s.RoomID())
}

// timestamp echoes the client's timestamp, falling back to server time in
// milliseconds.
func (h *Handler) timestamp(msg domain.ClientMessage) float64 {
	if ts, ok := decodeTimestamp(msg.Timestamp); ok {
		return ts
	}
	return float64(h.now().UnixMilli())
}

func (h *Handler) reply(s *session.Session, msg any) {
	if err := s.Send(msg); err != nil {
		slog.Warn("send error", "playerId", s.ID(), "error", err)
	}
}
