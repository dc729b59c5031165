// Package store holds the cross-request state of the provider: active
// session records and in-flight logout sequences. All adapters are safe for
// concurrent use and key both record kinds by the session cookie value.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for the given cookie.
var ErrNotFound = errors.New("store: record not found")

// ErrAlreadyExists is returned by CreateIfAbsent when a record is already
// present under the key. Callers rely on this for duplicate-initiation
// rejection, so adapters must report it atomically.
var ErrAlreadyExists = errors.New("store: record already exists")

// SessionRecord is the cached result of a successful authentication. The
// cookie value is the only handle a browser holds on it.
type SessionRecord struct {
	Cookie       string              `json:"cookie"`
	NameID       string              `json:"name_id"`
	NameIDFormat string              `json:"name_id_format"`
	SessionIndex string              `json:"session_index"`
	AuthnContext string              `json:"authn_context"`
	Attributes   map[string][]string `json:"attributes,omitempty"`
	ActiveSPs    []string            `json:"active_sps,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	ExpiresAt    time.Time           `json:"expires_at"`
}

// Expired reports whether the record is past its lifetime.
func (r *SessionRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// HasSP reports whether the partner already appears in the active set.
func (r *SessionRecord) HasSP(entityID string) bool {
	for _, sp := range r.ActiveSPs {
		if sp == entityID {
			return true
		}
	}
	return false
}

// AddSP records a partner in the active set, once.
func (r *SessionRecord) AddSP(entityID string) {
	if !r.HasSP(entityID) {
		r.ActiveSPs = append(r.ActiveSPs, entityID)
	}
}

// LogoutPhase tags the stage of a logout sequence. There is no "idle"
// value: an idle session simply has no LogoutState in the store.
type LogoutPhase string

const (
	// PhaseInitiated is set between accepting a LogoutRequest and
	// dispatching the first outbound hop.
	PhaseInitiated LogoutPhase = "initiated"
	// PhaseAwaitingTarget means an outbound LogoutRequest is in flight and
	// the sequence is parked until the matching response arrives.
	PhaseAwaitingTarget LogoutPhase = "awaiting_target"
	// PhaseCompleted is set once the final answer to the originator has
	// been produced. States in this phase are deleted immediately after.
	PhaseCompleted LogoutPhase = "completed"
)

// LogoutState is the resumable state of one logout sequence. Remaining only
// ever shrinks and Partial only ever flips to true.
type LogoutState struct {
	Cookie            string      `json:"cookie"`
	Phase             LogoutPhase `json:"phase"`
	OriginalIssuer    string      `json:"original_issuer"`
	OriginalRequestID string      `json:"original_request_id"`
	RequestBinding    string      `json:"request_binding"`
	RelayState        string      `json:"relay_state,omitempty"`
	NameID            string      `json:"name_id"`
	NameIDFormat      string      `json:"name_id_format"`
	SessionIndex      string      `json:"session_index"`
	CurrentRequestID  string      `json:"current_request_id,omitempty"`
	CurrentTarget     string      `json:"current_target,omitempty"`
	Remaining         []string    `json:"remaining,omitempty"`
	Partial           bool        `json:"partial"`
	CreatedAt         time.Time   `json:"created_at"`
	ExpiresAt         time.Time   `json:"expires_at"`
}

// Expired reports whether the state is past its lifetime.
func (s *LogoutState) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// SessionCache stores session records keyed by cookie value.
type SessionCache interface {
	// CreateIfAbsent inserts a new record, failing with ErrAlreadyExists if
	// the cookie value is taken.
	CreateIfAbsent(ctx context.Context, rec *SessionRecord) error
	// Get returns the record for a cookie, ErrNotFound if absent or expired.
	Get(ctx context.Context, cookie string) (*SessionRecord, error)
	// Put overwrites an existing record.
	Put(ctx context.Context, rec *SessionRecord) error
	// Delete removes a record. Deleting an absent record is not an error.
	Delete(ctx context.Context, cookie string) error
	Close() error
}

// PendingLogoutStore stores in-flight logout states keyed by cookie value.
type PendingLogoutStore interface {
	// CreateIfAbsent inserts a new state, failing with ErrAlreadyExists if a
	// sequence for this cookie is already live. The check and insert are
	// atomic per key.
	CreateIfAbsent(ctx context.Context, st *LogoutState) error
	// Get returns the state for a cookie, ErrNotFound if absent or expired.
	Get(ctx context.Context, cookie string) (*LogoutState, error)
	// Put overwrites an existing state.
	Put(ctx context.Context, st *LogoutState) error
	// Delete removes a state. Deleting an absent state is not an error.
	Delete(ctx context.Context, cookie string) error
	Close() error
}
