// Package authlist is the id-tag authorization collaborator. The central
// system only ever does a pass-through lookup; there is no caching layer.
package authlist

import (
	"context"
	"sync"
	"time"

	"csms/internal/ocpp"
)

// Checker resolves an idTag to an authorization status
// (Accepted / Blocked / Expired / Invalid).
type Checker interface {
	CheckIdTag(ctx context.Context, idTag string) string
}

type entry struct {
	status    string
	expiresAt *time.Time
}

// Static is an in-memory allow list, seeded at startup and safe for
// concurrent use.
type Static struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewStatic builds an allow list with the given tags Accepted.
func NewStatic(acceptedTags []string) *Static {
	s := &Static{entries: make(map[string]entry)}
	for _, tag := range acceptedTags {
		s.entries[tag] = entry{status: ocpp.AuthAccepted}
	}
	return s
}

// Set records a tag with an explicit status.
func (s *Static) Set(idTag, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[idTag] = entry{status: status}
}

// SetWithExpiry records an Accepted tag that expires at the given time.
func (s *Static) SetWithExpiry(idTag string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[idTag] = entry{status: ocpp.AuthAccepted, expiresAt: &expiresAt}
}

func (s *Static) CheckIdTag(_ context.Context, idTag string) string {
	s.mu.RLock()
	e, ok := s.entries[idTag]
	s.mu.RUnlock()
	if !ok {
		return ocpp.AuthInvalid
	}
	if e.expiresAt != nil && time.Now().After(*e.expiresAt) {
		return ocpp.AuthExpired
	}
	return e.status
}
