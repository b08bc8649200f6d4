package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

const (
	ticketTTL             = 60 * time.Second
	ticketCleanupInterval = 5 * time.Minute
)

type ticket struct {
	claims    *Claims
	roomID    int64
	expiresAt time.Time
}

// TicketStore mints single-use stream tickets. EventSource cannot set
// headers, so the client first trades its bearer token for a ticket bound
// to one room; validating the ticket consumes it.
type TicketStore struct {
	mu          sync.Mutex
	tickets     map[string]ticket
	lastCleanup time.Time
}

// NewTicketStore creates an empty ticket store.
func NewTicketStore() *TicketStore {
	return &TicketStore{
		tickets:     make(map[string]ticket),
		lastCleanup: time.Now(),
	}
}

// Create mints a ticket for the given claims, scoped to one room.
func (s *TicketStore) Create(claims *Claims, roomID int64) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating ticket: %w", err)
	}
	id := base64.RawURLEncoding.EncodeToString(buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupLocked()
	s.tickets[id] = ticket{claims: claims, roomID: roomID, expiresAt: time.Now().Add(ticketTTL)}
	return id, nil
}

// Validate consumes a ticket and returns the claims it was minted with.
// A ticket validates at most once, and only for the room it was minted for.
func (s *TicketStore) Validate(id string, roomID int64) (*Claims, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupLocked()

	tk, ok := s.tickets[id]
	if !ok {
		return nil, false
	}
	delete(s.tickets, id)
	if tk.roomID != roomID || time.Now().After(tk.expiresAt) {
		return nil, false
	}
	return tk.claims, true
}

// cleanupLocked sweeps expired tickets, at most once per cleanup interval.
func (s *TicketStore) cleanupLocked() {
	now := time.Now()
	if now.Sub(s.lastCleanup) < ticketCleanupInterval {
		return
	}
	s.lastCleanup = now
	for id, tk := range s.tickets {
		if now.After(tk.expiresAt) {
			delete(s.tickets, id)
		}
	}
}
