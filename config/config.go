// Package config loads server settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the server's tunables. Durations given in the environment are
// milliseconds.
type Config struct {
	Host string
	Port string

	MaxConnections      int // Total live connections
	MaxConnectionsPerIP int // Live connections from one source address
	MaxRooms            int
	MaxPlayersPerRoom   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration // Only used to log stale sessions
	CleanupInterval   time.Duration

	RateLimitWindow  time.Duration
	RateLimitMax     int
	BanThreshold     int
	BanDuration      time.Duration
	PenaltyRetention time.Duration

	MaxMessageSize  int // Bytes per inbound frame
	RoomIdleTimeout time.Duration

	MaxCoordinate   float64
	MaxMoveDistance float64 // Per position update

	AllowedOrigins []string // Empty disables the origin check

	AcceptRate  float64 // Upgrade attempts per second
	AcceptBurst int

	LogLevel string
}

func Default() Config {
	return Config{
		Host:                "localhost",
		Port:                "8080",
		MaxConnections:      1000,
		MaxConnectionsPerIP: 5,
		MaxRooms:            100,
		MaxPlayersPerRoom:   10,
		HeartbeatInterval:   30 * time.Second,
		HeartbeatTimeout:    60 * time.Second,
		CleanupInterval:     time.Minute,
		RateLimitWindow:     time.Second,
		RateLimitMax:        10,
		BanThreshold:        10,
		BanDuration:         time.Minute,
		PenaltyRetention:    time.Hour,
		MaxMessageSize:      1024,
		RoomIdleTimeout:     5 * time.Minute,
		MaxCoordinate:       10000,
		MaxMoveDistance:     100,
		AllowedOrigins:      []string{"http://localhost:8000", "http://localhost:8080"},
		AcceptRate:          50,
		AcceptBurst:         100,
		LogLevel:            "info",
	}
}

// Load reads .env if present and overlays the environment on Default.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup, keeping defaults for unset keys.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	p := parser{lookup: lookup}

	p.stringVar("HOST", &cfg.Host)
	p.stringVar("PORT", &cfg.Port)
	p.stringVar("LOG_LEVEL", &cfg.LogLevel)

	p.intVar("MAX_CONNECTIONS", &cfg.MaxConnections)
	p.intVar("MAX_CONNECTIONS_PER_IP", &cfg.MaxConnectionsPerIP)
	p.intVar("MAX_ROOMS", &cfg.MaxRooms)
	p.intVar("MAX_PLAYERS_PER_ROOM", &cfg.MaxPlayersPerRoom)
	p.intVar("RATE_LIMIT_MAX", &cfg.RateLimitMax)
	p.intVar("BAN_THRESHOLD", &cfg.BanThreshold)
	p.intVar("MAX_MESSAGE_SIZE", &cfg.MaxMessageSize)
	p.intVar("ACCEPT_BURST", &cfg.AcceptBurst)

	p.durationVar("HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval)
	p.durationVar("HEARTBEAT_TIMEOUT", &cfg.HeartbeatTimeout)
	p.durationVar("CLEANUP_INTERVAL", &cfg.CleanupInterval)
	p.durationVar("RATE_LIMIT_WINDOW", &cfg.RateLimitWindow)
	p.durationVar("BAN_DURATION", &cfg.BanDuration)
	p.durationVar("PENALTY_RETENTION", &cfg.PenaltyRetention)
	p.durationVar("ROOM_IDLE_TIMEOUT", &cfg.RoomIdleTimeout)

	p.floatVar("MAX_COORDINATE", &cfg.MaxCoordinate)
	p.floatVar("MAX_MOVE_DISTANCE", &cfg.MaxMoveDistance)
	p.floatVar("ACCEPT_RATE", &cfg.AcceptRate)

	if v, ok := lookup("ALLOWED_ORIGINS"); ok {
		cfg.AllowedOrigins = splitList(v)
	}

	if p.err != nil {
		return Config{}, p.err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects limits and intervals that would stall or reject every
// client. ACCEPT_RATE may be zero, which disables the upgrade throttle.
func (c Config) Validate() error {
	var errs []error
	positiveInt := func(key string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", key, v))
		}
	}
	positiveDuration := func(key string, v time.Duration) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %dms", key, v.Milliseconds()))
		}
	}
	positiveFloat := func(key string, v float64) {
		if !(v > 0) {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", key, v))
		}
	}

	positiveInt("MAX_CONNECTIONS", c.MaxConnections)
	positiveInt("MAX_CONNECTIONS_PER_IP", c.MaxConnectionsPerIP)
	positiveInt("MAX_ROOMS", c.MaxRooms)
	positiveInt("MAX_PLAYERS_PER_ROOM", c.MaxPlayersPerRoom)
	positiveInt("RATE_LIMIT_MAX", c.RateLimitMax)
	positiveInt("BAN_THRESHOLD", c.BanThreshold)
	positiveInt("MAX_MESSAGE_SIZE", c.MaxMessageSize)

	positiveDuration("HEARTBEAT_INTERVAL", c.HeartbeatInterval)
	positiveDuration("HEARTBEAT_TIMEOUT", c.HeartbeatTimeout)
	positiveDuration("CLEANUP_INTERVAL", c.CleanupInterval)
	positiveDuration("RATE_LIMIT_WINDOW", c.RateLimitWindow)
	positiveDuration("BAN_DURATION", c.BanDuration)
	positiveDuration("PENALTY_RETENTION", c.PenaltyRetention)
	positiveDuration("ROOM_IDLE_TIMEOUT", c.RoomIdleTimeout)

	positiveFloat("MAX_COORDINATE", c.MaxCoordinate)
	positiveFloat("MAX_MOVE_DISTANCE", c.MaxMoveDistance)

	if c.AcceptRate < 0 {
		errs = append(errs, fmt.Errorf("ACCEPT_RATE must not be negative, got %v", c.AcceptRate))
	}
	if c.AcceptRate > 0 {
		positiveInt("ACCEPT_BURST", c.AcceptBurst)
	}
	return errors.Join(errs...)
}

// Addr is the listen address.
func (c Config) Addr() string {
	return c.Host + ":" + c.Port
}

type parser struct {
	lookup func(string) (string, bool)
	err    error
}

func (p *parser) get(key string) (string, bool) {
	if p.err != nil {
		return "", false
	}
	v, ok := p.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (p *parser) stringVar(key string, dst *string) {
	if v, ok := p.get(key); ok {
		*dst = v
	}
}

func (p *parser) intVar(key string, dst *int) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.err = fmt.Errorf("environment variable %s must be an integer: %w", key, err)
		return
	}
	*dst = n
}

func (p *parser) durationVar(key string, dst *time.Duration) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		p.err = fmt.Errorf("environment variable %s must be milliseconds: %w", key, err)
		return
	}
	*dst = time.Duration(ms) * time.Millisecond
}

func (p *parser) floatVar(key string, dst *float64) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.err = fmt.Errorf("environment variable %s must be a number: %w", key, err)
		return
	}
	*dst = f
}

func splitList(v string) []string {
	out := []string{}
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
