package hub

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/Saidiibrahim/maze-escape/domain"
	"github.com/Saidiibrahim/maze-escape/session"
)

var (
	ErrRoomFull      = errors.New("Room is full")
	ErrAlreadyMember = errors.New("Player already in room")
)

// Room is a broadcast scope plus a cache of each member's last public state.
// It is not safe for concurrent use; the server serialises access.
type Room struct {
	id         string
	maxPlayers int
	now        func() time.Time

	members map[string]*session.Session
	states  map[string]*domain.PlayerState
	order   []string

	createdAt    time.Time
	lastActivity time.Time
}

type RoomInfo struct {
	ID           string    `json:"id"`
	PlayerCount  int       `json:"playerCount"`
	MaxPlayers   int       `json:"maxPlayers"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

func NewRoom(id string, maxPlayers int, now func() time.Time) *Room {
	if now == nil {
		now = time.Now
	}
	t := now()
	return &Room{
		id:           id,
		maxPlayers:   maxPlayers,
		now:          now,
		members:      make(map[string]*session.Session),
		states:       make(map[string]*domain.PlayerState),
		createdAt:    t,
		lastActivity: t,
	}
}

func (r *Room) ID() string { return r.id }
func (r *Room) Len() int   { return len(r.members) }

func (r *Room) Has(id string) bool {
	_, ok := r.members[id]
	return ok
}

func (r *Room) LastActivity() time.Time { return r.lastActivity }

func (r *Room) touch() { r.lastActivity = r.now() }

func (r *Room) AddMember(s *session.Session, name string) error {
	if len(r.members) >= r.maxPlayers {
		return ErrRoomFull
	}
	if _, ok := r.members[s.ID()]; ok {
		return ErrAlreadyMember
	}

	s.JoinRoom(r.id, name, r.now())
	r.members[s.ID()] = s
	r.states[s.ID()] = &domain.PlayerState{
		PlayerID:   s.ID(),
		PlayerName: name,
		Position:   s.Position(),
		Rotation:   s.Rotation(),
	}
	r.order = append(r.order, s.ID())
	r.touch()
	return nil
}

// RemoveMember drops id from the room and returns the ids still present.
func (r *Room) RemoveMember(id string) []string {
	if s, ok := r.members[id]; ok {
		s.LeaveRoom()
		delete(r.members, id)
		delete(r.states, id)
		for i, mid := range r.order {
			if mid == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
		r.touch()
	}

	remaining := make([]string, len(r.order))
	copy(remaining, r.order)
	return remaining
}

// Broadcast delivers msg to every member except excludeID and returns the
// number of successful deliveries. Pass "" to exclude nobody.
func (r *Room) Broadcast(msg any, excludeID string) int {
	defer r.touch()

	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("broadcast encode error", "roomId", r.id, "error", err)
		return 0
	}

	sent := 0
	for _, id := range r.order {
		if id == excludeID {
			continue
		}
		if err := r.members[id].SendRaw(data); err != nil {
			slog.Warn("broadcast delivery failed", "roomId", r.id, "playerId", id, "error", err)
			continue
		}
		sent++
	}
	return sent
}

func (r *Room) UpdateMemberState(id string, position, rotation domain.Vec3) {
	st, ok := r.states[id]
	if !ok {
		return
	}
	st.Position = position
	st.Rotation = rotation
	r.touch()
}

// Snapshot returns the cached state of every member other than excludeID, in
// join order.
func (r *Room) Snapshot(excludeID string) []domain.PlayerState {
	players := make([]domain.PlayerState, 0, len(r.order))
	for _, id := range r.order {
		if id == excludeID {
			continue
		}
		players = append(players, *r.states[id])
	}
	return players
}

func (r *Room) IsEmptyAndIdle(idleTimeout time.Duration) bool {
	return len(r.members) == 0 && r.now().Sub(r.lastActivity) > idleTimeout
}

func (r *Room) Info() RoomInfo {
	return RoomInfo{
		ID:           r.id,
		PlayerCount:  len(r.members),
		MaxPlayers:   r.maxPlayers,
		CreatedAt:    r.createdAt,
		LastActivity: r.lastActivity,
	}
}
