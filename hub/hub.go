package hub

import (
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"
)

var ErrRoomLimit = errors.New("Server room limit reached")

// Hub is the registry of live rooms. Like Room it relies on the caller for
// serialisation.
type Hub struct {
	rooms             map[string]*Room
	maxRooms          int
	maxPlayersPerRoom int
	now               func() time.Time
}

func New(maxRooms, maxPlayersPerRoom int, now func() time.Time) *Hub {
	if now == nil {
		now = time.Now
	}
	return &Hub{
		rooms:             make(map[string]*Room),
		maxRooms:          maxRooms,
		maxPlayersPerRoom: maxPlayersPerRoom,
		now:               now,
	}
}

func (h *Hub) Get(id string) (*Room, bool) {
	r, ok := h.rooms[id]
	return r, ok
}

// Create registers a new empty room, or fails once the room cap is reached.
func (h *Hub) Create(id string) (*Room, error) {
	if len(h.rooms) >= h.maxRooms {
		return nil, ErrRoomLimit
	}
	r := NewRoom(id, h.maxPlayersPerRoom, h.now)
	h.rooms[id] = r
	slog.Info("room created", "roomId", id)
	return r, nil
}

func (h *Hub) Remove(id string) {
	if _, ok := h.rooms[id]; !ok {
		return
	}
	delete(h.rooms, id)
	slog.Info("room removed", "roomId", id)
}

// RemoveIfIdle removes the room only when it is empty and idle past the
// threshold.
func (h *Hub) RemoveIfIdle(id string, idleTimeout time.Duration) bool {
	r, ok := h.rooms[id]
	if !ok || !r.IsEmptyAndIdle(idleTimeout) {
		return false
	}
	h.Remove(id)
	return true
}

// SweepIdle removes every empty room idle past the threshold and returns the
// removed ids.
func (h *Hub) SweepIdle(idleTimeout time.Duration) []string {
	var removed []string
	for id, r := range h.rooms {
		if r.IsEmptyAndIdle(idleTimeout) {
			delete(h.rooms, id)
			removed = append(removed, id)
			slog.Info("room removed", "roomId", id, "reason", "idle")
		}
	}
	return removed
}

func (h *Hub) Len() int { return len(h.rooms) }

func (h *Hub) Stats() (rooms, clients int) {
	rooms = len(h.rooms)
	for _, r := range h.rooms {
		clients += r.Len()
	}
	return rooms, clients
}

func (h *Hub) Infos() []RoomInfo {
	infos := make([]RoomInfo, 0, len(h.rooms))
	for _, r := range h.rooms {
		infos = append(infos, r.Info())
	}
	slices.SortFunc(infos, func(a, b RoomInfo) int { return strings.Compare(a.ID, b.ID) })
	return infos
}
