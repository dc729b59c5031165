package store

import (
	"context"
	"sync"
	"time"
)

// MemorySessionCache is the in-process SessionCache. Expired records are
// swept by a background ticker and also filtered on read.
type MemorySessionCache struct {
	mu       sync.Mutex
	sessions map[string]*SessionRecord
	stop     chan struct{}
	once     sync.Once
}

// NewMemorySessionCache creates an in-memory session cache.
func NewMemorySessionCache() *MemorySessionCache {
	c := &MemorySessionCache{
		sessions: make(map[string]*SessionRecord),
		stop:     make(chan struct{}),
	}
	go c.cleanup()
	return c
}

func (c *MemorySessionCache) CreateIfAbsent(_ context.Context, rec *SessionRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.sessions[rec.Cookie]; ok && !existing.Expired(time.Now()) {
		return ErrAlreadyExists
	}
	c.sessions[rec.Cookie] = cloneSessionRecord(rec)
	return nil
}

func (c *MemorySessionCache) Get(_ context.Context, cookie string) (*SessionRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.sessions[cookie]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Expired(time.Now()) {
		delete(c.sessions, cookie)
		return nil, ErrNotFound
	}
	return cloneSessionRecord(rec), nil
}

func (c *MemorySessionCache) Put(_ context.Context, rec *SessionRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[rec.Cookie] = cloneSessionRecord(rec)
	return nil
}

func (c *MemorySessionCache) Delete(_ context.Context, cookie string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, cookie)
	return nil
}

func (c *MemorySessionCache) Close() error {
	c.once.Do(func() { close(c.stop) })
	return nil
}

func (c *MemorySessionCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for cookie, rec := range c.sessions {
				if rec.Expired(now) {
					delete(c.sessions, cookie)
				}
			}
			c.mu.Unlock()
		}
	}
}

// MemoryLogoutStore is the in-process PendingLogoutStore.
type MemoryLogoutStore struct {
	mu     sync.Mutex
	states map[string]*LogoutState
	stop   chan struct{}
	once   sync.Once
}

// NewMemoryLogoutStore creates an in-memory pending logout store.
func NewMemoryLogoutStore() *MemoryLogoutStore {
	s := &MemoryLogoutStore{
		states: make(map[string]*LogoutState),
		stop:   make(chan struct{}),
	}
	go s.cleanup()
	return s
}

func (s *MemoryLogoutStore) CreateIfAbsent(_ context.Context, st *LogoutState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.states[st.Cookie]; ok && !existing.Expired(time.Now()) {
		return ErrAlreadyExists
	}
	clone := cloneLogoutState(st)
	s.states[st.Cookie] = clone
	return nil
}

func (s *MemoryLogoutStore) Get(_ context.Context, cookie string) (*LogoutState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[cookie]
	if !ok {
		return nil, ErrNotFound
	}
	if st.Expired(time.Now()) {
		delete(s.states, cookie)
		return nil, ErrNotFound
	}
	return cloneLogoutState(st), nil
}

func (s *MemoryLogoutStore) Put(_ context.Context, st *LogoutState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.Cookie] = cloneLogoutState(st)
	return nil
}

func (s *MemoryLogoutStore) Delete(_ context.Context, cookie string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, cookie)
	return nil
}

func (s *MemoryLogoutStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

func (s *MemoryLogoutStore) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for cookie, st := range s.states {
				if st.Expired(now) {
					delete(s.states, cookie)
				}
			}
			s.mu.Unlock()
		}
	}
}

// cloneSessionRecord deep-copies a record so callers cannot mutate stored
// slices or attribute maps through a shared reference.
func cloneSessionRecord(rec *SessionRecord) *SessionRecord {
	clone := *rec
	clone.ActiveSPs = append([]string(nil), rec.ActiveSPs...)
	if rec.Attributes != nil {
		clone.Attributes = make(map[string][]string, len(rec.Attributes))
		for k, v := range rec.Attributes {
			clone.Attributes[k] = append([]string(nil), v...)
		}
	}
	return &clone
}

// cloneLogoutState deep-copies a state so callers cannot mutate stored
// Remaining slices through a shared backing array.
func cloneLogoutState(st *LogoutState) *LogoutState {
	clone := *st
	clone.Remaining = append([]string(nil), st.Remaining...)
	return &clone
}
