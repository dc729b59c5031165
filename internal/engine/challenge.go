package engine

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"
)

// Challenge is a pending interactive login: the AuthnRequest context parked
// while the browser shows the credential form. Single use.
type Challenge struct {
	ID              string
	PartnerID       string
	RequestID       string
	RelayState      string
	RequestBinding  string // binding URN the AuthnRequest arrived on
	ResponseBinding string // binding URN preferred for the response
	ForceAuthn      bool
	CreatedAt       time.Time
	ExpiresAt       time.Time

	// LastError carries the failure message when a challenge is re-armed
	// after rejected credentials.
	LastError string
}

// ChallengeStore holds pending challenges with a TTL. In-process only: a
// challenge binds to the browser round trip it was issued for.
type ChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]*Challenge
	ttl        time.Duration
	stop       chan struct{}
	once       sync.Once
}

// NewChallengeStore creates a challenge store with the given lifetime.
func NewChallengeStore(ttl time.Duration) *ChallengeStore {
	s := &ChallengeStore{
		challenges: make(map[string]*Challenge),
		ttl:        ttl,
		stop:       make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// Issue creates and stores a new challenge for the given request context.
func (s *ChallengeStore) Issue(partnerID, requestID, relayState, requestBinding, responseBinding string, forceAuthn bool) *Challenge {
	now := time.Now()
	ch := &Challenge{
		ID:              randomToken(),
		PartnerID:       partnerID,
		RequestID:       requestID,
		RelayState:      relayState,
		RequestBinding:  requestBinding,
		ResponseBinding: responseBinding,
		ForceAuthn:      forceAuthn,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.ttl),
	}
	s.mu.Lock()
	s.challenges[ch.ID] = ch
	s.mu.Unlock()
	return ch
}

// Take removes and returns a challenge. A second Take of the same ID, or a
// Take after expiry, fails.
func (s *ChallengeStore) Take(id string) (*Challenge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[id]
	if !ok {
		return nil, false
	}
	delete(s.challenges, id)
	if time.Now().After(ch.ExpiresAt) {
		return nil, false
	}
	return ch, true
}

// Close stops the cleanup goroutine.
func (s *ChallengeStore) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *ChallengeStore) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for id, ch := range s.challenges {
				if now.After(ch.ExpiresAt) {
					delete(s.challenges, id)
				}
			}
			s.mu.Unlock()
		}
	}
}

// randomToken produces an unguessable URL-safe token.
func randomToken() string {
	b := make([]byte, 32)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
