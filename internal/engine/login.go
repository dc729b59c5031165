package engine

import (
	"context"
	"encoding/xml"
	"errors"
	"net/http"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/federalis/idp/internal/authn"
	"github.com/federalis/idp/internal/directory"
	"github.com/federalis/idp/internal/metrics"
	"github.com/federalis/idp/internal/monitor"
	"github.com/federalis/idp/internal/saml"
	"github.com/federalis/idp/internal/store"
)

// maxRelayStateLen bounds accepted relay state. The value is opaque to the
// provider and echoed back untouched.
const maxRelayStateLen = 1024

// LoginInput is one decoded /sso invocation.
type LoginInput struct {
	// Binding is the URN of the binding the message arrived on.
	Binding string
	// Request is the raw HTTP request to decode.
	Request *http.Request
	// Secure is whether the transport was TLS (directly or via a trusted
	// proxy).
	Secure bool
	// Cookie is the presented session cookie value, empty if absent.
	Cookie string
	// Credential carries non-interactive credential material already on
	// the connection, such as a TLS client certificate. Nil when none.
	Credential *authn.Credential
}

// LoginOutcome tells the web layer how to answer the browser.
type LoginOutcome struct {
	Kind      OutcomeKind
	Wire      *saml.WireResponse
	Challenge *Challenge

	// SetCookie, when non-empty, is a fresh session cookie to issue with
	// CookieTTL.
	SetCookie   string
	CookieTTL   time.Duration
	ClearCookie bool

	// Status is the SAML status code of the produced response.
	Status    string
	PartnerID string
}

// HandleLogin runs the login flow for an inbound AuthnRequest. The checks
// run in a fixed order; each failure mode is distinct and none of the
// failure paths writes session state.
func (e *Engine) HandleLogin(ctx context.Context, in *LoginInput) (*LoginOutcome, error) {
	if !in.Secure {
		e.metrics.LoginAttempt(metrics.ResultError)
		return nil, ErrTransportInsecure
	}

	b, err := e.binding(in.Binding)
	if err != nil {
		e.metrics.LoginAttempt(metrics.ResultError)
		return nil, err
	}
	env, err := b.Decode(in.Request)
	if err != nil {
		e.metrics.LoginAttempt(metrics.ResultError)
		return nil, errors.Join(ErrMalformedMessage, err)
	}
	if !env.IsRequest {
		e.metrics.LoginAttempt(metrics.ResultError)
		return nil, ErrMalformedMessage
	}

	var req saml.AuthnRequest
	if err := xml.Unmarshal(env.XML, &req); err != nil {
		e.metrics.LoginAttempt(metrics.ResultError)
		return nil, errors.Join(ErrMalformedMessage, err)
	}
	if req.ID == "" || req.Issuer == nil || req.Issuer.Value == "" {
		e.metrics.LoginAttempt(metrics.ResultError)
		return nil, ErrMalformedMessage
	}

	e.events.Emit(monitor.KindLoginRequest, map[string]interface{}{
		"issuer":      req.Issuer.Value,
		"request_id":  req.ID,
		"binding":     in.Binding,
		"force_authn": req.ForceAuthn,
		"is_passive":  req.IsPassive,
	})

	partner, ok := e.directory.Lookup(req.Issuer.Value)
	if !ok {
		e.logger.Warn("login request from unregistered issuer",
			zap.String("issuer", req.Issuer.Value))
		e.metrics.LoginAttempt(metrics.ResultDenied)
		return nil, ErrUnknownIssuer
	}

	respBinding, acsURL, ok := partner.SelectBindingWithFallback(partner.ACS, requestedResponseBinding(&req, env))
	if !ok {
		e.metrics.LoginAttempt(metrics.ResultUnsupported)
		return nil, ErrNoResponseEndpoint
	}

	// From here a trusted destination exists, so failures answer with a
	// signed status response instead of an HTTP error.
	if !relayStateOK(env.RelayState) {
		// A hostile relay state is not echoed back.
		return e.statusOutcome(partner, req.ID, respBinding, acsURL, "", saml.StatusRequestDenied, false)
	}
	if err := b.VerifySignature(env, partner.Certificate); err != nil {
		e.logger.Warn("login request signature rejected",
			zap.String("issuer", partner.EntityID), zap.Error(err))
		e.metrics.SignatureFailure(in.Binding)
		return e.statusOutcome(partner, req.ID, respBinding, acsURL, env.RelayState, saml.StatusRequestDenied, false)
	}
	if !e.messageFresh(req.IssueInstant) {
		e.logger.Warn("login request outside freshness window",
			zap.String("issuer", partner.EntityID),
			zap.String("issue_instant", req.IssueInstant))
		return e.statusOutcome(partner, req.ID, respBinding, acsURL, env.RelayState, saml.StatusRequestDenied, false)
	}
	if !e.replay.MarkConsumed(req.ID) {
		e.logger.Warn("replayed login request", zap.String("request_id", req.ID))
		return e.statusOutcome(partner, req.ID, respBinding, acsURL, env.RelayState, saml.StatusRequestDenied, false)
	}

	cookie := in.Cookie
	clearCookie := false

	// ForceAuthn always invalidates the cookie shortcut; the cached
	// session is gone before any authentication decision.
	if req.ForceAuthn && cookie != "" {
		e.dropSession(ctx, cookie)
		cookie = ""
		clearCookie = true
	}

	if cookie != "" {
		rec, err := e.sessions.Get(ctx, cookie)
		switch {
		case err == nil:
			return e.successOutcome(ctx, partner, req.ID, respBinding, acsURL, env.RelayState, rec, false, "", false)
		case errors.Is(err, store.ErrNotFound):
			clearCookie = true
		default:
			return nil, err
		}
	}

	if req.IsPassive {
		// The passive path may only use credentials already on the
		// connection. No interactive fallback.
		if in.Credential != nil && in.Credential.Kind == authn.KindCertificate {
			id, err := e.auth.Authenticate(ctx, *in.Credential)
			if err == nil {
				rec, err := e.newSessionRecord(ctx, id, partner.EntityID, saml.AuthnContextTLSClient)
				if err != nil {
					return nil, err
				}
				return e.successOutcome(ctx, partner, req.ID, respBinding, acsURL, env.RelayState, rec, true, rec.Cookie, clearCookie)
			}
			if !errors.Is(err, authn.ErrBadCredentials) && !errors.Is(err, authn.ErrUnsupportedCredential) {
				return nil, err
			}
		}
		return e.statusOutcome(partner, req.ID, respBinding, acsURL, env.RelayState, saml.StatusAuthnFailed, clearCookie)
	}

	ch := e.challenges.Issue(partner.EntityID, req.ID, env.RelayState, in.Binding, respBinding, req.ForceAuthn)
	return &LoginOutcome{
		Kind:        OutcomeChallenge,
		Challenge:   ch,
		ClearCookie: clearCookie,
		PartnerID:   partner.EntityID,
	}, nil
}

// CompleteLogin finishes an interactive login: the browser posted
// credentials against a pending challenge. Rejected credentials re-arm a
// fresh challenge so the form can be shown again.
func (e *Engine) CompleteLogin(ctx context.Context, challengeID string, cred authn.Credential) (*LoginOutcome, error) {
	ch, ok := e.challenges.Take(challengeID)
	if !ok {
		return nil, ErrChallengeExpired
	}

	partner, ok := e.directory.Lookup(ch.PartnerID)
	if !ok {
		// Partner deregistered mid-flight.
		return nil, ErrUnknownIssuer
	}
	respBinding, acsURL, ok := partner.SelectBindingWithFallback(partner.ACS, ch.ResponseBinding)
	if !ok {
		return nil, ErrNoResponseEndpoint
	}

	id, err := e.auth.Authenticate(ctx, cred)
	if err != nil {
		if errors.Is(err, authn.ErrBadCredentials) || errors.Is(err, authn.ErrUnsupportedCredential) {
			e.metrics.LoginAttempt(metrics.ResultAuthnFailed)
			rearmed := e.challenges.Issue(ch.PartnerID, ch.RequestID, ch.RelayState, ch.RequestBinding, ch.ResponseBinding, ch.ForceAuthn)
			rearmed.LastError = "invalid credentials"
			return &LoginOutcome{
				Kind:      OutcomeChallenge,
				Challenge: rearmed,
				PartnerID: partner.EntityID,
			}, nil
		}
		return nil, err
	}

	rec, err := e.newSessionRecord(ctx, id, partner.EntityID, saml.AuthnContextPasswordProtectedTransport)
	if err != nil {
		return nil, err
	}
	return e.successOutcome(ctx, partner, ch.RequestID, respBinding, acsURL, ch.RelayState, rec, true, rec.Cookie, false)
}

// successOutcome issues the signed success response and records the
// partner in the session's active set. Each successful call writes the
// session exactly once: a record minted by this flow was persisted by
// CreateIfAbsent with the partner already in its active set, so only a
// pre-existing session gets the touch.
func (e *Engine) successOutcome(ctx context.Context, partner *directory.Partner, requestID, respBinding, acsURL, relayState string, rec *store.SessionRecord, created bool, setCookie string, clearCookie bool) (*LoginOutcome, error) {
	if !created {
		rec.AddSP(partner.EntityID)
		if err := e.sessions.Put(ctx, rec); err != nil {
			return nil, err
		}
	}

	resp := saml.NewSuccessResponse(e.cfg.EntityID, acsURL, requestID)
	assertion := saml.NewAssertion(
		e.cfg.EntityID,
		partner.EntityID,
		rec.NameID,
		rec.NameIDFormat,
		rec.SessionIndex,
		authnContextOf(rec),
		e.cfg.AssertionTTL,
		rec.Attributes,
	)
	assertion.Subject.SubjectConfirmation.SubjectConfirmationData.InResponseTo = requestID
	assertion.Subject.SubjectConfirmation.SubjectConfirmationData.Recipient = acsURL
	resp.Assertions = []*saml.Assertion{assertion}

	b, err := e.binding(respBinding)
	if err != nil {
		return nil, err
	}
	wire, err := b.EncodeResponse(resp, acsURL, relayState)
	if err != nil {
		return nil, err
	}

	e.metrics.LoginAttempt(metrics.ResultSuccess)
	e.events.Emit(monitor.KindLoginSuccess, map[string]interface{}{
		"partner":       partner.EntityID,
		"name_id":       rec.NameID,
		"session_index": rec.SessionIndex,
	})

	out := &LoginOutcome{
		Kind:        OutcomeResponse,
		Wire:        wire,
		Status:      saml.StatusSuccess,
		PartnerID:   partner.EntityID,
		ClearCookie: clearCookie && setCookie == "",
	}
	if setCookie != "" {
		out.SetCookie = setCookie
		out.CookieTTL = time.Until(rec.ExpiresAt)
	}
	return out, nil
}

// statusOutcome issues a signed failure response addressed to the claimed
// issuer over the selected binding.
func (e *Engine) statusOutcome(partner *directory.Partner, requestID, respBinding, acsURL, relayState, status string, clearCookie bool) (*LoginOutcome, error) {
	resp := saml.NewStatusResponse(e.cfg.EntityID, acsURL, requestID, status)

	b, err := e.binding(respBinding)
	if err != nil {
		return nil, err
	}
	wire, err := b.EncodeResponse(resp, acsURL, relayState)
	if err != nil {
		return nil, err
	}

	switch status {
	case saml.StatusAuthnFailed:
		e.metrics.LoginAttempt(metrics.ResultAuthnFailed)
	case saml.StatusRequestUnsupported:
		e.metrics.LoginAttempt(metrics.ResultUnsupported)
	default:
		e.metrics.LoginAttempt(metrics.ResultDenied)
	}
	e.events.Emit(monitor.KindLoginFailure, map[string]interface{}{
		"partner": partner.EntityID,
		"status":  status,
	})

	return &LoginOutcome{
		Kind:        OutcomeResponse,
		Wire:        wire,
		Status:      status,
		PartnerID:   partner.EntityID,
		ClearCookie: clearCookie,
	}, nil
}

// requestedResponseBinding picks the binding the SP asked the response to
// come back on: the explicit ProtocolBinding when present, else the
// binding the request arrived on.
func requestedResponseBinding(req *saml.AuthnRequest, env *saml.Envelope) string {
	if req.ProtocolBinding != "" {
		return req.ProtocolBinding
	}
	return env.Binding
}

func authnContextOf(rec *store.SessionRecord) string {
	if rec.AuthnContext != "" {
		return rec.AuthnContext
	}
	return saml.AuthnContextUnspecified
}

// relayStateOK accepts relay state that is valid UTF-8, control-free and
// within the size bound.
func relayStateOK(relayState string) bool {
	if len(relayState) > maxRelayStateLen {
		return false
	}
	if !utf8.ValidString(relayState) {
		return false
	}
	for _, r := range relayState {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}
