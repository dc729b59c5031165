// Package engine implements the federation protocol flows: browser login
// with session-cookie SSO, and sequential multi-party logout. Everything
// here is transport-agnostic; the web layer only decodes HTTP into inputs
// and relays the produced wire responses.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/federalis/idp/internal/authn"
	"github.com/federalis/idp/internal/directory"
	"github.com/federalis/idp/internal/metrics"
	"github.com/federalis/idp/internal/saml"
	"github.com/federalis/idp/internal/store"
)

// EventSink receives protocol events for the monitor stream.
type EventSink interface {
	Emit(kind string, fields map[string]interface{})
}

// nopSink discards events.
type nopSink struct{}

func (nopSink) Emit(string, map[string]interface{}) {}

// Config tunes the engine.
type Config struct {
	// EntityID is the issuer value stamped on every outbound message.
	EntityID string
	// SessionTTL bounds session records and their cookies.
	SessionTTL time.Duration
	// LogoutTTL bounds an entire logout sequence. A target that never
	// answers leaves a state that ages out with it.
	LogoutTTL time.Duration
	// ChallengeTTL bounds the interactive login round trip.
	ChallengeTTL time.Duration
	// AssertionTTL bounds issued assertions, typically minutes.
	AssertionTTL time.Duration
	// MessageMaxAge bounds how old an inbound message's IssueInstant may
	// be. Together with the replay cache it closes the replay window: an
	// ID evicted from the cache is already too old to pass this check.
	MessageMaxAge time.Duration
	// ClockSkew tolerates clock drift between partners when validating
	// inbound timestamps.
	ClockSkew time.Duration
}

func (c *Config) applyDefaults() {
	if c.SessionTTL == 0 {
		c.SessionTTL = 8 * time.Hour
	}
	if c.LogoutTTL == 0 {
		c.LogoutTTL = 5 * time.Minute
	}
	if c.ChallengeTTL == 0 {
		c.ChallengeTTL = 10 * time.Minute
	}
	if c.AssertionTTL == 0 {
		c.AssertionTTL = 5 * time.Minute
	}
	if c.MessageMaxAge == 0 {
		c.MessageMaxAge = 5 * time.Minute
	}
	if c.ClockSkew == 0 {
		c.ClockSkew = 2 * time.Minute
	}
}

// Engine drives the protocol flows over its injected ports.
type Engine struct {
	cfg        Config
	directory  directory.Directory
	sessions   store.SessionCache
	logouts    store.PendingLogoutStore
	auth       authn.Authenticator
	bindings   map[string]saml.Binding
	replay     *saml.ReplayCache
	challenges *ChallengeStore
	metrics    metrics.Recorder
	events     EventSink
	logger     *zap.Logger
}

// Option adjusts optional engine collaborators.
type Option func(*Engine)

// WithMetrics sets the metrics recorder.
func WithMetrics(rec metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = rec }
}

// WithEvents sets the monitor event sink.
func WithEvents(sink EventSink) Option {
	return func(e *Engine) { e.events = sink }
}

// New assembles an engine. The bindings map is keyed by binding URN; both
// supported bindings should normally be present.
func New(
	cfg Config,
	dir directory.Directory,
	sessions store.SessionCache,
	logouts store.PendingLogoutStore,
	auth authn.Authenticator,
	bindings map[string]saml.Binding,
	logger *zap.Logger,
	opts ...Option,
) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:        cfg,
		directory:  dir,
		sessions:   sessions,
		logouts:    logouts,
		auth:       auth,
		bindings:   bindings,
		replay:     saml.NewReplayCache(cfg.LogoutTTL + cfg.SessionTTL),
		challenges: NewChallengeStore(cfg.ChallengeTTL),
		metrics:    metrics.Noop{},
		events:     nopSink{},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Close releases background resources.
func (e *Engine) Close() {
	e.replay.Close()
	e.challenges.Close()
}

// Challenges exposes the challenge store to the web layer for form
// round trips.
func (e *Engine) Challenges() *ChallengeStore { return e.challenges }

// binding returns the implementation for a binding URN.
func (e *Engine) binding(urn string) (saml.Binding, error) {
	b, ok := e.bindings[urn]
	if !ok {
		return nil, fmt.Errorf("%w: binding %s", ErrMalformedMessage, urn)
	}
	return b, nil
}

// messageFresh reports whether an inbound IssueInstant falls inside the
// accepted window: no older than MessageMaxAge and no further ahead than
// the clock skew allowance. An unparseable instant is never fresh.
func (e *Engine) messageFresh(issueInstant string) bool {
	t, err := time.Parse(saml.TimeFormat, issueInstant)
	if err != nil {
		return false
	}
	now := time.Now()
	if t.After(now.Add(e.cfg.ClockSkew)) {
		return false
	}
	return !t.Before(now.Add(-e.cfg.MessageMaxAge - e.cfg.ClockSkew))
}

// notExpired checks a message's own NotOnOrAfter bound. An absent bound
// passes; an unparseable one does not.
func (e *Engine) notExpired(notOnOrAfter string) bool {
	if notOnOrAfter == "" {
		return true
	}
	t, err := time.Parse(saml.TimeFormat, notOnOrAfter)
	if err != nil {
		return false
	}
	return time.Now().Before(t.Add(e.cfg.ClockSkew))
}

// OutcomeKind discriminates what the web layer should do next.
type OutcomeKind int

const (
	// OutcomeResponse carries a wire response to relay via the browser.
	OutcomeResponse OutcomeKind = iota
	// OutcomeChallenge asks the web layer to render the credential form.
	OutcomeChallenge
)

// newSessionRecord mints a session for an authenticated identity. The
// cookie value is regenerated until CreateIfAbsent wins, so exactly one
// record exists per issued cookie.
func (e *Engine) newSessionRecord(ctx context.Context, id *authn.Identity, partnerID, authnContext string) (*store.SessionRecord, error) {
	now := time.Now()
	for attempt := 0; attempt < 5; attempt++ {
		rec := &store.SessionRecord{
			Cookie:       randomToken(),
			NameID:       id.NameID,
			NameIDFormat: id.NameIDFormat,
			SessionIndex: saml.GenerateID(),
			AuthnContext: authnContext,
			Attributes:   id.Attributes,
			ActiveSPs:    []string{partnerID},
			CreatedAt:    now,
			ExpiresAt:    now.Add(e.cfg.SessionTTL),
		}
		err := e.sessions.CreateIfAbsent(ctx, rec)
		if err == nil {
			e.metrics.SessionCreated()
			return rec, nil
		}
		if !errors.Is(err, store.ErrAlreadyExists) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("could not allocate a session cookie")
}

// dropSession deletes a session record and its bookkeeping.
func (e *Engine) dropSession(ctx context.Context, cookie string) {
	if cookie == "" {
		return
	}
	if err := e.sessions.Delete(ctx, cookie); err != nil {
		e.logger.Warn("failed to delete session", zap.Error(err))
		return
	}
	e.metrics.SessionDeleted()
}
