package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Saidiibrahim/maze-escape/config"
	"github.com/Saidiibrahim/maze-escape/domain"
)

type closeCall struct {
	code   int
	reason string
}

// mockConn records everything the server does to a connection, in order.
type mockConn struct {
	mu         sync.Mutex
	sent       [][]byte
	events     []string
	closes     []closeCall
	pings      int
	terminated bool
}

func (m *mockConn) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, data)
	m.events = append(m.events, "send")
	return nil
}

func (m *mockConn) Ping() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pings++
	return nil
}

func (m *mockConn) Close(code int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes = append(m.closes, closeCall{code: code, reason: reason})
	m.events = append(m.events, "close")
	return nil
}

func (m *mockConn) Terminate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminated = true
	return nil
}

func (m *mockConn) messages(t *testing.T) []map[string]any {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, 0, len(m.sent))
	for _, data := range m.sent {
		var v map[string]any
		require.NoError(t, json.Unmarshal(data, &v))
		out = append(out, v)
	}
	return out
}

func (m *mockConn) last(t *testing.T) map[string]any {
	t.Helper()
	msgs := m.messages(t)
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1]
}

func (m *mockConn) closeCalls() []closeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]closeCall(nil), m.closes...)
}

func (m *mockConn) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
	m.events = nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("player-%d", n)
	}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.AllowedOrigins = []string{"http://localhost:8000"}
	return cfg
}

func newTestServer(cfg config.Config) (*Server, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	return New(cfg, WithClock(clock.Now), WithIDGenerator(sequentialIDs())), clock
}

func accept(t *testing.T, s *Server, addr string) (string, *mockConn) {
	t.Helper()
	conn := &mockConn{}
	id, err := s.Accept(conn, addr)
	require.NoError(t, err)
	return id, conn
}

func frame(format string, args ...any) []byte {
	return []byte(fmt.Sprintf(format, args...))
}

func joinRoom(t *testing.T, s *Server, id string, conn *mockConn, room, name string) {
	t.Helper()
	s.HandleFrame(id, frame(`{"type":"join_room","roomId":%q,"playerName":%q}`, room, name))
	require.Equal(t, "game_state", conn.last(t)["type"])
	conn.reset()
}

func TestServer_AcceptSendsConnected(t *testing.T) {
	s, _ := newTestServer(testConfig())

	id, conn := accept(t, s, "10.0.0.1")

	assert.Equal(t, "player-1", id)
	msgs := conn.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, map[string]any{
		"type":          "connected",
		"playerId":      "player-1",
		"serverVersion": domain.ServerVersion,
	}, msgs[0])
}

func TestServer_AcceptRetriesDuplicateID(t *testing.T) {
	ids := []string{"dup", "dup", "fresh"}
	s := New(testConfig(), WithIDGenerator(func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}))

	first, _ := accept(t, s, "10.0.0.1")
	second, _ := accept(t, s, "10.0.0.2")

	assert.Equal(t, "dup", first)
	assert.Equal(t, "fresh", second)
}

func TestServer_Admission(t *testing.T) {
	tests := []struct {
		name     string
		cfg      func(*config.Config)
		existing []string
		addr     string
		origin   string
		wantErr  error
	}{
		{
			name:   "allowed origin",
			addr:   "10.0.0.1",
			origin: "http://localhost:8000",
		},
		{
			name:    "foreign origin",
			addr:    "10.0.0.1",
			origin:  "http://evil.example",
			wantErr: ErrOriginDenied,
		},
		{
			name:   "origin check disabled",
			cfg:    func(c *config.Config) { c.AllowedOrigins = nil },
			addr:   "10.0.0.1",
			origin: "http://anything.example",
		},
		{
			name:     "server full",
			cfg:      func(c *config.Config) { c.MaxConnections = 2 },
			existing: []string{"10.0.0.1", "10.0.0.2"},
			addr:     "10.0.0.3",
			origin:   "http://localhost:8000",
			wantErr:  ErrServerFull,
		},
		{
			name:     "per address limit",
			cfg:      func(c *config.Config) { c.MaxConnectionsPerIP = 2 },
			existing: []string{"10.0.0.1", "10.0.0.1"},
			addr:     "10.0.0.1",
			origin:   "http://localhost:8000",
			wantErr:  ErrAddressLimit,
		},
		{
			name:     "other address unaffected by per address limit",
			cfg:      func(c *config.Config) { c.MaxConnectionsPerIP = 2 },
			existing: []string{"10.0.0.1", "10.0.0.1"},
			addr:     "10.0.0.2",
			origin:   "http://localhost:8000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			s, _ := newTestServer(cfg)
			for _, addr := range tt.existing {
				accept(t, s, addr)
			}

			err := s.Admit(tt.addr, tt.origin)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestServer_AcceptRechecksCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	s, _ := newTestServer(cfg)

	require.NoError(t, s.Admit("10.0.0.1", "http://localhost:8000"))
	require.NoError(t, s.Admit("10.0.0.2", "http://localhost:8000"))
	accept(t, s, "10.0.0.1")

	conn := &mockConn{}
	_, err := s.Accept(conn, "10.0.0.2")

	assert.ErrorIs(t, err, ErrServerFull)
	assert.Empty(t, conn.messages(t))
	assert.Equal(t, 1, s.Stats().ConnectionCount)
}

func TestServer_DisconnectReleasesSlot(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnectionsPerIP = 1
	s, _ := newTestServer(cfg)
	id, _ := accept(t, s, "10.0.0.1")
	require.ErrorIs(t, s.Admit("10.0.0.1", "http://localhost:8000"), ErrAddressLimit)

	s.Disconnect(id)
	s.Disconnect(id)

	assert.NoError(t, s.Admit("10.0.0.1", "http://localhost:8000"))
	assert.Zero(t, s.Stats().ConnectionCount)
}

func TestServer_MessageTooLarge(t *testing.T) {
	s, _ := newTestServer(testConfig())
	id, conn := accept(t, s, "10.0.0.1")
	conn.reset()

	payload := `{"type":"ping","pad":"` + strings.Repeat("x", 1100) + `"}`
	s.HandleFrame(id, []byte(payload))

	assert.Empty(t, conn.messages(t))
	require.Len(t, conn.closes, 1)
	assert.Equal(t, closeCall{code: 1009, reason: domain.CloseReasonTooLarge}, conn.closes[0])
}

func TestServer_InvalidFormat(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not json", data: "hello"},
		{name: "array", data: "[1,2,3]"},
		{name: "truncated", data: `{"type":"ping"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(testConfig())
			id, conn := accept(t, s, "10.0.0.1")
			conn.reset()

			s.HandleFrame(id, []byte(tt.data))

			assert.Equal(t, map[string]any{"type": "error", "message": "Invalid message format"}, conn.last(t))
			assert.Empty(t, conn.closes)
		})
	}
}

func TestServer_UnknownSessionIgnored(t *testing.T) {
	s, _ := newTestServer(testConfig())

	s.HandleFrame("ghost", []byte(`{"type":"ping"}`))
	s.HandlePong("ghost")
	s.Disconnect("ghost")

	assert.Zero(t, s.Stats().ConnectionCount)
}

func TestServer_RateLimit(t *testing.T) {
	s, clock := newTestServer(testConfig())
	aID, aConn := accept(t, s, "10.0.0.1")
	bID, bConn := accept(t, s, "10.0.0.2")
	joinRoom(t, s, aID, aConn, "maze", "A")
	joinRoom(t, s, bID, bConn, "maze", "B")
	aConn.reset()

	clock.Advance(2 * time.Second)
	shot := frame(`{"type":"player_shot","position":{"x":0,"y":0,"z":0},"direction":{"x":1,"y":0,"z":0}}`)
	for i := 0; i < 10; i++ {
		s.HandleFrame(bID, shot)
	}
	require.Len(t, aConn.messages(t), 10)

	s.HandleFrame(bID, shot)

	assert.Len(t, aConn.messages(t), 10, "over-limit message is not relayed")
	assert.Equal(t, map[string]any{
		"type":    "error",
		"message": "Rate limit exceeded: 10 messages per 1000ms",
	}, bConn.last(t))
	assert.Empty(t, bConn.closes)

	clock.Advance(time.Second + time.Millisecond)
	s.HandleFrame(bID, shot)
	assert.Len(t, aConn.messages(t), 11)
}

func TestServer_BanClosesConnection(t *testing.T) {
	s, _ := newTestServer(testConfig())
	id, conn := accept(t, s, "10.0.0.1")
	conn.reset()

	for i := 0; i < 10; i++ {
		s.HandleFrame(id, frame(`{"type":"ping"}`))
	}
	for i := 0; i < 9; i++ {
		s.HandleFrame(id, frame(`{"type":"ping"}`))
	}
	require.Empty(t, conn.closes)

	s.HandleFrame(id, frame(`{"type":"ping"}`))

	require.Len(t, conn.closes, 1)
	assert.Equal(t, 1008, conn.closes[0].code)
	assert.Equal(t, []string{"send", "close"}, conn.events[len(conn.events)-2:], "error reply precedes the close")
	assert.Equal(t, 1, s.Stats().RateLimiter.ActiveBans)
}

func TestServer_DisconnectLeavesRoom(t *testing.T) {
	s, clock := newTestServer(testConfig())
	aID, aConn := accept(t, s, "10.0.0.1")
	bID, bConn := accept(t, s, "10.0.0.2")
	joinRoom(t, s, aID, aConn, "maze", "Alice")
	joinRoom(t, s, bID, bConn, "maze", "Bob")
	aConn.reset()

	s.Disconnect(bID)

	assert.Equal(t, map[string]any{
		"type":       "player_left",
		"playerId":   bID,
		"playerName": "Bob",
	}, aConn.last(t))

	s.Disconnect(aID)
	require.Equal(t, 1, s.Stats().RoomCount, "empty room survives until idle")

	clock.Advance(5 * time.Minute)
	s.SweepRooms()
	require.Equal(t, 1, s.Stats().RoomCount)

	clock.Advance(time.Millisecond)
	s.SweepRooms()
	assert.Zero(t, s.Stats().RoomCount)
}

func TestServer_RoomReusedBeforeSweep(t *testing.T) {
	s, clock := newTestServer(testConfig())
	aID, aConn := accept(t, s, "10.0.0.1")
	joinRoom(t, s, aID, aConn, "maze", "Alice")
	s.HandleFrame(aID, frame(`{"type":"leave_room"}`))

	clock.Advance(time.Minute)
	bID, bConn := accept(t, s, "10.0.0.2")
	joinRoom(t, s, bID, bConn, "maze", "Bob")

	clock.Advance(10 * time.Minute)
	s.SweepRooms()
	assert.Equal(t, 1, s.Stats().RoomCount)
}

func TestServer_SweepHeartbeats(t *testing.T) {
	s, _ := newTestServer(testConfig())
	aID, aConn := accept(t, s, "10.0.0.1")
	bID, bConn := accept(t, s, "10.0.0.2")
	joinRoom(t, s, aID, aConn, "maze", "A")
	joinRoom(t, s, bID, bConn, "maze", "B")
	aConn.reset()

	s.SweepHeartbeats()
	assert.Equal(t, 1, aConn.pings)
	assert.Equal(t, 1, bConn.pings)

	s.HandlePong(aID)
	s.SweepHeartbeats()

	assert.Equal(t, 2, aConn.pings)
	assert.True(t, bConn.terminated)
	assert.False(t, aConn.terminated)
	assert.Equal(t, 1, s.Stats().ConnectionCount)
	assert.Equal(t, "player_left", aConn.last(t)["type"])
}

func TestServer_PingMessageCountsAsHeartbeat(t *testing.T) {
	s, _ := newTestServer(testConfig())
	id, conn := accept(t, s, "10.0.0.1")

	s.SweepHeartbeats()
	s.HandleFrame(id, frame(`{"type":"ping"}`))
	s.SweepHeartbeats()

	assert.False(t, conn.terminated)
	assert.Equal(t, "pong", conn.last(t)["type"])
}

func TestServer_Shutdown(t *testing.T) {
	s, _ := newTestServer(testConfig())
	aID, aConn := accept(t, s, "10.0.0.1")
	bID, bConn := accept(t, s, "10.0.0.2")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Shutdown(ctx) }()

	for _, conn := range []*mockConn{aConn, bConn} {
		require.Eventually(t, func() bool { return len(conn.closeCalls()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, closeCall{code: 1001, reason: "Server shutting down"}, conn.closeCalls()[0])
	}
	assert.ErrorIs(t, s.Admit("10.0.0.3", "http://localhost:8000"), ErrShuttingDown)
	_, err := s.Accept(&mockConn{}, "10.0.0.3")
	assert.ErrorIs(t, err, ErrShuttingDown)

	s.Disconnect(aID)
	select {
	case <-done:
		t.Fatal("shutdown returned before every session disconnected")
	case <-time.After(20 * time.Millisecond):
	}

	s.Disconnect(bID)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("shutdown did not return after the last session disconnected")
	}
}

func TestServer_ShutdownDeadline(t *testing.T) {
	s, _ := newTestServer(testConfig())
	accept(t, s, "10.0.0.1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Shutdown(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, s.Stats().ConnectionCount)
}

func TestServer_ShutdownWithoutSessions(t *testing.T) {
	s, _ := newTestServer(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, s.Shutdown(ctx), "nothing to drain")
	assert.NoError(t, s.Shutdown(context.Background()), "repeat call")
}

func TestServer_Stats(t *testing.T) {
	s, clock := newTestServer(testConfig())
	aID, aConn := accept(t, s, "10.0.0.1")
	accept(t, s, "10.0.0.2")
	joinRoom(t, s, aID, aConn, "maze", "A")
	clock.Advance(10 * time.Second)

	stats := s.Stats()

	assert.Equal(t, 2, stats.ConnectionCount)
	assert.Equal(t, 1, stats.RoomCount)
	assert.Equal(t, 1, stats.PlayersInRooms)
	require.Len(t, stats.Rooms, 1)
	assert.Equal(t, "maze", stats.Rooms[0].ID)
	assert.Equal(t, 1, stats.Rooms[0].PlayerCount)
	assert.Equal(t, 10, stats.Rooms[0].MaxPlayers)
	assert.Equal(t, 10.0, stats.Uptime)
	assert.Equal(t, int64(1000), stats.RateLimiter.WindowMs)
}
