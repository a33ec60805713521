package server

import (
	"github.com/Saidiibrahim/maze-escape/hub"
	"github.com/Saidiibrahim/maze-escape/ratelimit"
)

type Stats struct {
	ConnectionCount int             `json:"connectionCount"`
	RoomCount       int             `json:"roomCount"`
	PlayersInRooms  int             `json:"playersInRooms"`
	Rooms           []hub.RoomInfo  `json:"rooms"`
	RateLimiter     ratelimit.Stats `json:"rateLimiter"`
	Uptime          float64         `json:"uptime"`
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	rooms, players := s.rooms.Stats()
	return Stats{
		ConnectionCount: s.connCount,
		RoomCount:       rooms,
		PlayersInRooms:  players,
		Rooms:           s.rooms.Infos(),
		RateLimiter:     s.limiter.Stats(),
		Uptime:          s.now().Sub(s.startedAt).Seconds(),
	}
}
