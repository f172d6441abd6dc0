// Package session tracks the per-station protocol lifecycle and the table
// of outstanding central-system-initiated calls.
package session

import (
	"sync"
	"time"

	"csms/internal/ocpp"
)

type State int

const (
	Unregistered State = iota
	Booted
	Operational
	SigningInFlight
	Disconnected
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "Unregistered"
	case Booted:
		return "Booted"
	case Operational:
		return "Operational"
	case SigningInFlight:
		return "SigningInFlight"
	case Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// PendingCall is one outstanding Call issued by the central system, keyed
// by its correlation id in the session table.
type PendingCall struct {
	Action   string
	IssuedAt time.Time
}

// Session is the per-station record. All mutation goes through the
// session's own lock, so concurrent station tasks never contend with
// each other.
type Session struct {
	Identity string

	mu         sync.Mutex
	state      State
	lastSeen   time.Time
	pending    map[string]PendingCall
	signingGen uint64
}

func newSession(identity string) *Session {
	return &Session{
		Identity: identity,
		state:    Unregistered,
		pending:  make(map[string]PendingCall),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Touch updates the last-seen timestamp.
func (s *Session) Touch(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = t
}

// Allows reports whether the given action is permitted in the current
// state. Before BootNotification only BootNotification itself is
// allowed; a disconnected session likewise accepts only the
// BootNotification that recovers it.
func (s *Session) Allows(action string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Unregistered, Disconnected:
		return action == ocpp.ActionBootNotification
	default:
		return true
	}
}

// HandleBoot accepts a BootNotification. From Unregistered it moves the
// session to Booted; a repeated BootNotification is an idempotent
// re-acceptance that leaves a later state (and any open transactions)
// untouched.
func (s *Session) HandleBoot(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = now
	if s.state == Unregistered || s.state == Disconnected {
		s.state = Booted
	}
}

// MarkOperational records the first normal exchange after Booted.
func (s *Session) MarkOperational() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Booted {
		s.state = Operational
	}
}

// BeginSigning moves the session into SigningInFlight and returns the new
// signing generation. A later BeginSigning supersedes an earlier one; the
// generation lets stale CA results be discarded.
func (s *Session) BeginSigning() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Booted || s.state == Operational || s.state == SigningInFlight {
		s.state = SigningInFlight
	}
	s.signingGen++
	return s.signingGen
}

// ResolveSigning completes the signing cycle for the given generation.
// Stale generations (superseded requests) are ignored. The session returns
// to Operational regardless of the CA outcome.
func (s *Session) ResolveSigning(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.signingGen {
		return false
	}
	if s.state == SigningInFlight {
		s.state = Operational
	}
	return true
}

// SigningGeneration returns the current generation counter.
func (s *Session) SigningGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signingGen
}

// Attach resets the session for a freshly bound transport. The record
// itself survives reconnects; the protocol state starts over at
// Unregistered and calls outstanding on the dead connection are abandoned.
func (s *Session) Attach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Unregistered
	s.pending = make(map[string]PendingCall)
}

// Disconnect marks the connection instance closed. Outstanding correlation
// ids are abandoned: no further replies are expected or accepted.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Disconnected
	s.pending = make(map[string]PendingCall)
}

// AddPending registers an outstanding central-system Call.
func (s *Session) AddPending(id, action string, issuedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[id] = PendingCall{Action: action, IssuedAt: issuedAt}
}

// TakePending removes and returns the outstanding call for a correlation
// id. Responses with no matching entry are dropped by the dispatcher.
func (s *Session) TakePending(id string) (PendingCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	return pc, ok
}

// ExpirePending drops outstanding calls issued before the deadline and
// returns how many were dropped.
func (s *Session) ExpirePending(deadline time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, pc := range s.pending {
		if pc.IssuedAt.Before(deadline) {
			delete(s.pending, id)
			n++
		}
	}
	return n
}

// PendingCount returns the number of outstanding calls.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Snapshot is a read-only view for the operations API.
type Snapshot struct {
	Identity     string    `json:"identity"`
	State        string    `json:"state"`
	LastSeen     time.Time `json:"lastSeen"`
	PendingCalls int       `json:"pendingCalls"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Identity:     s.Identity,
		State:        s.state.String(),
		LastSeen:     s.lastSeen,
		PendingCalls: len(s.pending),
	}
}

// Manager owns the session records, keyed by station identity.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Get returns the session for identity, or nil.
func (m *Manager) Get(identity string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[identity]
}

// GetOrCreate returns the session for identity, creating it on first use.
func (m *Manager) GetOrCreate(identity string) *Session {
	m.mu.RLock()
	s := m.sessions[identity]
	m.mu.RUnlock()
	if s != nil {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s = m.sessions[identity]; s == nil {
		s = newSession(identity)
		m.sessions[identity] = s
	}
	return s
}

// All returns a snapshot of every known session.
func (m *Manager) All() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// ExpirePendingCalls sweeps every session's outstanding-call table and
// returns the total number of entries dropped.
func (m *Manager) ExpirePendingCalls(deadline time.Time) int {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	n := 0
	for _, s := range sessions {
		n += s.ExpirePending(deadline)
	}
	return n
}
