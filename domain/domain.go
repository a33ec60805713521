package domain

import (
	"math"

	"github.com/gorilla/websocket"
)

const ServerVersion = "1.0.0"

// Close codes sent to peers when the server ends a connection.
const (
	CloseMessageTooBig  = websocket.CloseMessageTooBig
	CloseRateLimited    = websocket.ClosePolicyViolation
	CloseShuttingDown   = websocket.CloseGoingAway
	CloseTryAgainLater  = websocket.CloseTryAgainLater
	CloseReasonTooLarge = "Message too large"
	CloseReasonShutdown = "Server shutting down"
	CloseReasonCapacity = "Server at capacity"
)

// Vec3 is a position, rotation or direction as sent by clients.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vec3) Finite() bool {
	for _, c := range [3]float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// Distance returns the straight-line distance between v and o.
func (v Vec3) Distance(o Vec3) float64 {
	dx, dy, dz := o.X-v.X, o.Y-v.Y, o.Z-v.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Connection is the transport handle a session writes to. Implementations
// must not block: the server calls these while holding its registry lock.
type Connection interface {
	Send(data []byte) error
	Ping() error
	Close(code int, reason string) error
	Terminate() error
}
