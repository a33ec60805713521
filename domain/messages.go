package domain

import "encoding/json"

// Message types exchanged with clients.
const (
	TypeConnected      = "connected"
	TypeAssignID       = "assign_id"
	TypeGameState      = "game_state"
	TypePlayerJoined   = "player_joined"
	TypePlayerLeft     = "player_left"
	TypePlayerPosition = "player_position"
	TypePlayerShot     = "player_shot"
	TypeError          = "error"
	TypePong           = "pong"

	TypeJoinRoom  = "join_room"
	TypeLeaveRoom = "leave_room"
	TypePing      = "ping"
)

// ClientMessage is an inbound frame. Payload fields stay raw so that the
// handler can tell a wrongly typed field apart from a malformed frame.
type ClientMessage struct {
	Type       string          `json:"type"`
	RoomID     json.RawMessage `json:"roomId,omitempty"`
	PlayerName json.RawMessage `json:"playerName,omitempty"`
	Position   json.RawMessage `json:"position,omitempty"`
	Rotation   json.RawMessage `json:"rotation,omitempty"`
	Direction  json.RawMessage `json:"direction,omitempty"`
	Timestamp  json.RawMessage `json:"timestamp,omitempty"`
}

// PlayerState is the public view of a room member.
type PlayerState struct {
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
	Position   Vec3   `json:"position"`
	Rotation   Vec3   `json:"rotation"`
}

type Connected struct {
	Type          string `json:"type"`
	PlayerID      string `json:"playerId"`
	ServerVersion string `json:"serverVersion"`
}

type AssignID struct {
	Type     string `json:"type"`
	PlayerID string `json:"playerId"`
	RoomID   string `json:"roomId"`
}

type GameState struct {
	Type        string        `json:"type"`
	RoomID      string        `json:"roomId"`
	Players     []PlayerState `json:"players"`
	PlayerCount int           `json:"playerCount"`
}

type PlayerJoined struct {
	Type       string `json:"type"`
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
	Position   Vec3   `json:"position"`
}

type PlayerLeft struct {
	Type       string `json:"type"`
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
}

type PlayerPosition struct {
	Type      string  `json:"type"`
	PlayerID  string  `json:"playerId"`
	Position  Vec3    `json:"position"`
	Rotation  Vec3    `json:"rotation"`
	Timestamp float64 `json:"timestamp"`
}

type PlayerShot struct {
	Type      string  `json:"type"`
	PlayerID  string  `json:"playerId"`
	Position  Vec3    `json:"position"`
	Direction Vec3    `json:"direction"`
	Timestamp float64 `json:"timestamp"`
}

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type Pong struct {
	Type string `json:"type"`
}

func NewError(message string) Error {
	return Error{Type: TypeError, Message: message}
}
