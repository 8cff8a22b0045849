// Package throttle bounds per-user, per-message-type traffic. It is the only
// backpressure for high-frequency client input: rejected messages are dropped
// silently, visible to operators through counters and flood warnings.
package throttle

import (
	"log"
	"sync"
	"time"

	"sceneforge.dev/internal/metrics"
)

type state struct {
	count       int
	windowStart time.Time
	lastSend    time.Time
}

type floodState struct {
	count       int
	windowStart time.Time
	warned      bool
}

type Governor struct {
	cfg     Config
	log     *log.Logger
	metrics *metrics.Counters

	mu     sync.Mutex
	users  map[string]map[string]*state
	floods map[string]map[string]*floodState

	now func() time.Time
}

func NewGovernor(cfg Config, logger *log.Logger, m *metrics.Counters) *Governor {
	return &Governor{
		cfg:     cfg,
		log:     logger,
		metrics: m,
		users:   make(map[string]map[string]*state),
		floods:  make(map[string]map[string]*floodState),
		now:     time.Now,
	}
}

// MaySend decides whether one message of the given type is admitted for the
// user right now. Types without a configured rule are always allowed. The
// flood detector observes every arrival, accepted or not, before the decision.
func (g *Governor) MaySend(userID, typ string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.observeFlood(userID, typ, now)

	rule, ok := g.cfg.Rules[typ]
	if !ok {
		return true
	}

	byType := g.users[userID]
	if byType == nil {
		byType = make(map[string]*state)
		g.users[userID] = byType
	}
	st := byType[typ]
	if st == nil {
		st = &state{}
		byType[typ] = st
	}

	window := time.Duration(rule.WindowMs) * time.Millisecond
	if now.Sub(st.windowStart) >= window {
		st.windowStart = now
		st.count = 0
	}

	if rule.CoalesceMs > 0 && !st.lastSend.IsZero() {
		if now.Sub(st.lastSend) < time.Duration(rule.CoalesceMs)*time.Millisecond {
			g.reject()
			return false
		}
	}
	if st.count >= rule.Max {
		g.reject()
		return false
	}

	st.count++
	st.lastSend = now
	return true
}

func (g *Governor) observeFlood(userID, typ string, now time.Time) {
	rule, ok := g.cfg.Flood[typ]
	if !ok {
		return
	}
	byType := g.floods[userID]
	if byType == nil {
		byType = make(map[string]*floodState)
		g.floods[userID] = byType
	}
	fs := byType[typ]
	if fs == nil {
		fs = &floodState{}
		byType[typ] = fs
	}

	window := time.Duration(rule.WindowMs) * time.Millisecond
	if now.Sub(fs.windowStart) >= window {
		fs.windowStart = now
		fs.count = 0
		fs.warned = false
	}
	fs.count++
	if fs.count > rule.Max && !fs.warned {
		fs.warned = true
		if g.metrics != nil {
			g.metrics.FloodWarnings.Add(1)
		}
		if g.log != nil {
			g.log.Printf("WARN flood: user=%s type=%s %d msgs in %dms", userID, typ, fs.count, rule.WindowMs)
		}
	}
}

func (g *Governor) reject() {
	if g.metrics != nil {
		g.metrics.ThrottleRejects.Add(1)
	}
}

// Forget drops all state for a user. Called when the user's presence is gone
// so throttle maps don't leak.
func (g *Governor) Forget(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.users, userID)
	delete(g.floods, userID)
}

// Prune drops state for every user not in active. The presence sweeper calls
// this with the full presence set, which also reclaims users who disconnected
// gracefully and therefore never show up as sweep removals.
func (g *Governor) Prune(active map[string]struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for userID := range g.users {
		if _, ok := active[userID]; !ok {
			delete(g.users, userID)
		}
	}
	for userID := range g.floods {
		if _, ok := active[userID]; !ok {
			delete(g.floods, userID)
		}
	}
}
