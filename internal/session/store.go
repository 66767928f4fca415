// Package session tracks per-session taint state and windowed risk
// accumulation.
package session

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// RiskEvent is one recorded classifier score for a session.
type RiskEvent struct {
	Timestamp time.Time
	Risk      float64
	Tool      string
}

// Session holds mutable per-session state. The taint flag is
// monotonic: once true it stays true for the session's lifetime.
type Session struct {
	ID          string
	Tainted     bool
	TaintSource string
	RiskEvents  []RiskEvent
	LastSeen    time.Time

	mu sync.Mutex
}

// Store keeps sessions keyed by opaque id. Operations on a single
// session serialize on that session's mutex; distinct sessions
// proceed in parallel. Idle sessions are evicted after the configured
// idle duration.
type Store struct {
	window time.Duration
	idle   time.Duration
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates a session store. window bounds risk accumulation;
// idle bounds session lifetime.
func NewStore(window, idle time.Duration, logger *zap.Logger) *Store {
	return &Store{
		window:   window,
		idle:     idle,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Touch returns the session for id, creating it on first contact.
func (s *Store) Touch(id string) *Session {
	now := time.Now().UTC()

	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok {
		s.mu.Lock()
		sess, ok = s.sessions[id]
		if !ok {
			sess = &Session{ID: id, LastSeen: now}
			s.sessions[id] = sess
		}
		s.mu.Unlock()
	}

	sess.mu.Lock()
	sess.LastSeen = now
	sess.mu.Unlock()

	return sess
}

// MarkTainted sets the session's taint flag. Idempotent: the first
// call records the taint source, later calls are no-ops.
func (s *Store) MarkTainted(id, source string) {
	sess := s.Touch(id)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.Tainted {
		return
	}
	sess.Tainted = true
	sess.TaintSource = source
}

// RecordRisk appends a risk event and prunes events older than
// now - window.
func (s *Store) RecordRisk(id string, risk float64, tool string, now time.Time) {
	sess := s.Touch(id)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.RiskEvents = append(sess.RiskEvents, RiskEvent{
		Timestamp: now,
		Risk:      risk,
		Tool:      tool,
	})
	sess.RiskEvents = pruneLocked(sess.RiskEvents, now.Add(-s.window))
}

// AccumulatedRisk returns the sum of risk events inside the trailing
// window at now. Pure with respect to the retained events; pruning is
// applied first so aged-out events never contribute.
func (s *Store) AccumulatedRisk(id string, now time.Time) float64 {
	sess := s.Touch(id)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.RiskEvents = pruneLocked(sess.RiskEvents, now.Add(-s.window))

	var sum float64
	for _, e := range sess.RiskEvents {
		sum += e.Risk
	}
	return sum
}

// Snapshot returns the session's taint state without mutating it.
func (s *Store) Snapshot(id string) (tainted bool, source string) {
	sess := s.Touch(id)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.Tainted, sess.TaintSource
}

// EvictIdle removes sessions idle past the configured duration and
// returns how many were evicted.
func (s *Store) EvictIdle(now time.Time) int {
	cutoff := now.Add(-s.idle)

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, sess := range s.sessions {
		sess.mu.Lock()
		stale := sess.LastSeen.Before(cutoff)
		sess.mu.Unlock()
		if stale {
			delete(s.sessions, id)
			evicted++
		}
	}

	if evicted > 0 && s.logger != nil {
		s.logger.Info("evicted idle sessions", zap.Int("count", evicted))
	}
	return evicted
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// pruneLocked drops events strictly older than cutoff. Events at
// exactly cutoff are retained (the window is inclusive at its tail).
func pruneLocked(events []RiskEvent, cutoff time.Time) []RiskEvent {
	i := 0
	for i < len(events) && events[i].Timestamp.Before(cutoff) {
		i++
	}
	if i == 0 {
		return events
	}
	return append(events[:0:0], events[i:]...)
}
