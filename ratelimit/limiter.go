// Package ratelimit bounds per-session message rates and escalates repeat
// offenders to a temporary ban.
package ratelimit

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultBanThreshold = 10
	DefaultBanDuration  = time.Minute
	DefaultRetention    = time.Hour
)

// Subject is the per-session state the limiter accounts against.
type Subject interface {
	ID() string
	MessageCount() int
	WindowStart() time.Time
	ResetWindow(now time.Time)
	IncrementMessageCount()
	RecordViolation() int
}

type Config struct {
	Window       time.Duration
	MaxMessages  int
	BanThreshold int
	BanDuration  time.Duration
	Retention    time.Duration
}

type Decision struct {
	Allowed bool
	Banned  bool
	Reason  string
}

type penalty struct {
	violations    int
	lastViolation time.Time
	bannedUntil   time.Time
}

type Stats struct {
	TotalPenalties int   `json:"totalPenalties"`
	ActiveBans     int   `json:"activeBans"`
	WindowMs       int64 `json:"windowMs"`
	MaxMessages    int   `json:"maxMessages"`
}

type Limiter struct {
	cfg       Config
	now       func() time.Time
	penalties map[string]*penalty
	mu        sync.Mutex
}

func New(cfg Config, now func() time.Time) *Limiter {
	if cfg.BanThreshold <= 0 {
		cfg.BanThreshold = DefaultBanThreshold
	}
	if cfg.BanDuration <= 0 {
		cfg.BanDuration = DefaultBanDuration
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		cfg:       cfg,
		now:       now,
		penalties: make(map[string]*penalty),
	}
}

// Check accounts one inbound message for s. A message over the window limit
// records a violation and is not counted.
func (l *Limiter) Check(s Subject) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.isBanned(s.ID(), now) {
		return Decision{Banned: true, Reason: "Temporarily banned for rate limit violations"}
	}

	if now.Sub(s.WindowStart()) > l.cfg.Window {
		s.ResetWindow(now)
	}

	if s.MessageCount() >= l.cfg.MaxMessages {
		l.penalize(s, now)
		return Decision{
			Banned: l.isBanned(s.ID(), now),
			Reason: fmt.Sprintf("Rate limit exceeded: %d messages per %dms", l.cfg.MaxMessages, l.cfg.Window.Milliseconds()),
		}
	}

	s.IncrementMessageCount()
	return Decision{Allowed: true}
}

func (l *Limiter) Penalize(s Subject) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.penalize(s, l.now())
}

func (l *Limiter) penalize(s Subject, now time.Time) {
	s.RecordViolation()

	p, ok := l.penalties[s.ID()]
	if !ok {
		p = &penalty{}
		l.penalties[s.ID()] = p
	}
	p.violations++
	p.lastViolation = now

	if p.violations >= l.cfg.BanThreshold {
		p.bannedUntil = now.Add(l.cfg.BanDuration)
		slog.Warn("session temporarily banned", "playerId", s.ID(), "violations", p.violations, "until", p.bannedUntil)
	}
}

// IsBanned reports whether id is serving a ban. The first call after a ban
// expires halves the stored violations and clears the ban.
func (l *Limiter) IsBanned(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isBanned(id, l.now())
}

func (l *Limiter) isBanned(id string, now time.Time) bool {
	p, ok := l.penalties[id]
	if !ok || p.bannedUntil.IsZero() {
		return false
	}
	if p.bannedUntil.After(now) {
		return true
	}
	p.violations /= 2
	p.bannedUntil = time.Time{}
	return false
}

// Violations returns the stored violation count for id.
func (l *Limiter) Violations(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.penalties[id]; ok {
		return p.violations
	}
	return 0
}

func (l *Limiter) BanRemaining(id string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.penalties[id]
	if !ok {
		return 0
	}
	if left := p.bannedUntil.Sub(l.now()); left > 0 {
		return left
	}
	return 0
}

// Cleanup drops records whose last violation is older than the retention
// window and that are not serving a ban. It returns the number removed.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for id, p := range l.penalties {
		if now.Sub(p.lastViolation) > l.cfg.Retention && !p.bannedUntil.After(now) {
			delete(l.penalties, id)
			removed++
		}
	}
	return removed
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	stats := Stats{
		TotalPenalties: len(l.penalties),
		WindowMs:       l.cfg.Window.Milliseconds(),
		MaxMessages:    l.cfg.MaxMessages,
	}
	for _, p := range l.penalties {
		if p.bannedUntil.After(now) {
			stats.ActiveBans++
		}
	}
	return stats
}
