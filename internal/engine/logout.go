package engine

import (
	"context"
	"encoding/xml"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/federalis/idp/internal/directory"
	"github.com/federalis/idp/internal/metrics"
	"github.com/federalis/idp/internal/monitor"
	"github.com/federalis/idp/internal/saml"
	"github.com/federalis/idp/internal/store"
)

// LogoutInput is one decoded /slo invocation. The endpoint receives both
// LogoutRequest (a partner starts the sequence) and LogoutResponse (a
// partner answers an outbound hop), discriminated by parsing.
type LogoutInput struct {
	Binding string
	Request *http.Request
	Secure  bool
	Cookie  string
}

// LogoutOutcome tells the web layer what to relay next: either an outbound
// LogoutRequest hop to the next partner, or the final LogoutResponse back
// to the originator.
type LogoutOutcome struct {
	Wire *saml.WireResponse

	// Final is true once the sequence has concluded and Wire addresses the
	// originator.
	Final bool
	// Status is the top-level status of the final response.
	Status      string
	Partial     bool
	Target      string
	ClearCookie bool
}

// logoutProbe sniffs the root element to tell requests from responses.
type logoutProbe struct {
	XMLName xml.Name
}

// HandleLogout processes an inbound message on the logout endpoint.
func (e *Engine) HandleLogout(ctx context.Context, in *LogoutInput) (*LogoutOutcome, error) {
	if !in.Secure {
		return nil, ErrTransportInsecure
	}

	b, err := e.binding(in.Binding)
	if err != nil {
		return nil, err
	}
	env, err := b.Decode(in.Request)
	if err != nil {
		return nil, errors.Join(ErrMalformedMessage, err)
	}

	var probe logoutProbe
	if err := xml.Unmarshal(env.XML, &probe); err != nil {
		return nil, errors.Join(ErrMalformedMessage, err)
	}
	switch probe.XMLName.Local {
	case "LogoutRequest":
		var req saml.LogoutRequest
		if err := xml.Unmarshal(env.XML, &req); err != nil {
			return nil, errors.Join(ErrMalformedMessage, err)
		}
		return e.handleLogoutRequest(ctx, in, b, env, &req)
	case "LogoutResponse":
		var resp saml.LogoutResponse
		if err := xml.Unmarshal(env.XML, &resp); err != nil {
			return nil, errors.Join(ErrMalformedMessage, err)
		}
		return e.handleLogoutResponse(ctx, in, b, env, &resp)
	default:
		return nil, ErrMalformedMessage
	}
}

// handleLogoutRequest starts a logout sequence on behalf of the partner
// that sent the request.
func (e *Engine) handleLogoutRequest(ctx context.Context, in *LogoutInput, b saml.Binding, env *saml.Envelope, req *saml.LogoutRequest) (*LogoutOutcome, error) {
	if req.ID == "" || req.Issuer == nil || req.Issuer.Value == "" || req.NameID == nil {
		return nil, ErrMalformedMessage
	}
	partner, ok := e.directory.Lookup(req.Issuer.Value)
	if !ok {
		return nil, ErrUnknownIssuer
	}
	respBinding, sloURL, ok := partner.SelectBindingWithFallback(partner.SLO, env.Binding)
	if !ok {
		return nil, ErrNoResponseEndpoint
	}

	if err := b.VerifySignature(env, partner.Certificate); err != nil {
		e.logger.Warn("logout request signature rejected",
			zap.String("issuer", partner.EntityID), zap.Error(err))
		e.metrics.SignatureFailure(in.Binding)
		return e.terminalLogoutResponse(partner.EntityID, respBinding, sloURL, req.ID, env.RelayState, saml.StatusRequestDenied, false)
	}
	if !e.messageFresh(req.IssueInstant) || !e.notExpired(req.NotOnOrAfter) {
		e.logger.Warn("logout request outside freshness window",
			zap.String("issuer", partner.EntityID),
			zap.String("issue_instant", req.IssueInstant),
			zap.String("not_on_or_after", req.NotOnOrAfter))
		return e.terminalLogoutResponse(partner.EntityID, respBinding, sloURL, req.ID, env.RelayState, saml.StatusRequestDenied, false)
	}
	if !e.replay.MarkConsumed(req.ID) {
		e.logger.Warn("replayed logout request", zap.String("request_id", req.ID))
		return e.terminalLogoutResponse(partner.EntityID, respBinding, sloURL, req.ID, env.RelayState, saml.StatusRequestDenied, false)
	}
	if !relayStateOK(env.RelayState) {
		return e.terminalLogoutResponse(partner.EntityID, respBinding, sloURL, req.ID, "", saml.StatusRequestDenied, false)
	}

	rec, err := e.sessions.Get(ctx, in.Cookie)
	if errors.Is(err, store.ErrNotFound) || in.Cookie == "" {
		// No session means nothing to tear down. Logout of a session that
		// never started, or already ended, succeeds.
		return e.terminalLogoutResponse(partner.EntityID, respBinding, sloURL, req.ID, env.RelayState, saml.StatusSuccess, true)
	}
	if err != nil {
		return nil, err
	}
	if rec.NameID != req.NameID.Value {
		// The request names a different principal than the session holds.
		return e.terminalLogoutResponse(partner.EntityID, respBinding, sloURL, req.ID, env.RelayState, saml.StatusRequestDenied, false)
	}

	now := time.Now()
	state := &store.LogoutState{
		Cookie:            rec.Cookie,
		Phase:             store.PhaseInitiated,
		OriginalIssuer:    partner.EntityID,
		OriginalRequestID: req.ID,
		RequestBinding:    respBinding,
		RelayState:        env.RelayState,
		NameID:            rec.NameID,
		NameIDFormat:      rec.NameIDFormat,
		SessionIndex:      rec.SessionIndex,
		Remaining:         remainingTargets(rec, partner.EntityID),
		CreatedAt:         now,
		ExpiresAt:         now.Add(e.cfg.LogoutTTL),
	}
	if err := e.logouts.CreateIfAbsent(ctx, state); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, ErrLogoutInProgress
		}
		return nil, err
	}

	e.metrics.LogoutStarted()
	e.events.Emit(monitor.KindLogoutInitiated, map[string]interface{}{
		"originator": partner.EntityID,
		"name_id":    rec.NameID,
		"targets":    len(state.Remaining),
	})

	return e.advance(ctx, state)
}

// handleLogoutResponse resumes a parked sequence when a target answers.
func (e *Engine) handleLogoutResponse(ctx context.Context, in *LogoutInput, b saml.Binding, env *saml.Envelope, resp *saml.LogoutResponse) (*LogoutOutcome, error) {
	if resp.Issuer == nil || resp.Issuer.Value == "" || resp.Status == nil {
		return nil, ErrMalformedMessage
	}
	if in.Cookie == "" {
		return nil, ErrNoPendingLogout
	}
	state, err := e.logouts.Get(ctx, in.Cookie)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoPendingLogout
	}
	if err != nil {
		return nil, err
	}
	if state.Phase != store.PhaseAwaitingTarget {
		return nil, ErrNoPendingLogout
	}

	// Both the issuer and the correlation ID must match the in-flight hop.
	// Anything else is a stale or spoofed answer and leaves the state
	// untouched.
	if resp.Issuer.Value != state.CurrentTarget || resp.InResponseTo != state.CurrentRequestID {
		return nil, ErrStaleLogoutResponse
	}

	ok := true
	if partner, found := e.directory.Lookup(resp.Issuer.Value); found {
		if err := b.VerifySignature(env, partner.Certificate); err != nil {
			e.logger.Warn("logout response signature rejected",
				zap.String("issuer", partner.EntityID), zap.Error(err))
			e.metrics.SignatureFailure(in.Binding)
			ok = false
		}
	} else {
		ok = false
	}
	if ok && !e.messageFresh(resp.IssueInstant) {
		e.logger.Warn("logout response outside freshness window",
			zap.String("issuer", resp.Issuer.Value),
			zap.String("issue_instant", resp.IssueInstant))
		ok = false
	}
	if ok && !saml.IsSuccess(resp.Status) {
		ok = false
	}
	if !ok {
		state.Partial = true
	}

	e.events.Emit(monitor.KindLogoutResponse, map[string]interface{}{
		"target":  state.CurrentTarget,
		"ok":      ok,
		"partial": state.Partial,
	})

	state.CurrentTarget = ""
	state.CurrentRequestID = ""
	return e.advance(ctx, state)
}

// advance dispatches the next hop of a logout sequence, skipping targets
// that can no longer be reached, and produces the final answer once the
// target list is drained. The state is persisted before any wire message
// is handed back, so a crash mid-hop resumes instead of duplicating.
func (e *Engine) advance(ctx context.Context, state *store.LogoutState) (*LogoutOutcome, error) {
	for len(state.Remaining) > 0 {
		target := state.Remaining[0]
		state.Remaining = state.Remaining[1:]

		partner, ok := e.directory.Lookup(target)
		if !ok {
			state.Partial = true
			continue
		}
		hopBinding, sloURL, ok := partner.SelectBindingWithFallback(partner.SLO, "")
		if !ok {
			state.Partial = true
			continue
		}

		req := saml.NewLogoutRequest(e.cfg.EntityID, sloURL, state.NameID, state.NameIDFormat, []string{state.SessionIndex})
		state.CurrentRequestID = req.ID
		state.CurrentTarget = target
		state.Phase = store.PhaseAwaitingTarget
		if err := e.logouts.Put(ctx, state); err != nil {
			return nil, err
		}

		b, err := e.binding(hopBinding)
		if err != nil {
			return nil, err
		}
		wire, err := b.EncodeRequest(req, sloURL, "")
		if err != nil {
			return nil, err
		}

		e.metrics.LogoutHop(target)
		e.events.Emit(monitor.KindLogoutHop, map[string]interface{}{
			"target":     target,
			"request_id": req.ID,
			"remaining":  len(state.Remaining),
		})
		return &LogoutOutcome{Wire: wire, Target: target}, nil
	}

	// Drained. Answer the originator, then tear everything down.
	status := saml.StatusSuccess
	if state.Partial {
		status = saml.StatusPartialLogout
	}

	respBinding := state.RequestBinding
	_, sloURL, ok := e.lookupSLO(state.OriginalIssuer, respBinding)
	if !ok {
		// Originator vanished from the directory mid-sequence. The local
		// session is still torn down.
		e.finishLogout(ctx, state, status)
		return nil, ErrNoResponseEndpoint
	}

	resp := saml.NewLogoutResponse(e.cfg.EntityID, sloURL, state.OriginalRequestID, status)
	b, err := e.binding(respBinding)
	if err != nil {
		return nil, err
	}
	wire, err := b.EncodeResponse(resp, sloURL, state.RelayState)
	if err != nil {
		return nil, err
	}

	e.finishLogout(ctx, state, status)
	return &LogoutOutcome{
		Wire:        wire,
		Final:       true,
		Status:      status,
		Partial:     state.Partial,
		ClearCookie: true,
	}, nil
}

// finishLogout deletes the sequence state and the local session.
func (e *Engine) finishLogout(ctx context.Context, state *store.LogoutState, status string) {
	state.Phase = store.PhaseCompleted
	if err := e.logouts.Delete(ctx, state.Cookie); err != nil {
		e.logger.Warn("failed to delete logout state", zap.Error(err))
	}
	e.dropSession(ctx, state.Cookie)

	result := metrics.ResultSuccess
	if status == saml.StatusPartialLogout {
		result = metrics.ResultPartial
	} else if status != saml.StatusSuccess {
		result = metrics.ResultError
	}
	e.metrics.LogoutCompleted(result)
	e.events.Emit(monitor.KindLogoutCompleted, map[string]interface{}{
		"originator": state.OriginalIssuer,
		"status":     status,
		"partial":    state.Partial,
	})
}

// terminalLogoutResponse answers a LogoutRequest without starting a
// sequence: nothing to log out, or the request was rejected.
func (e *Engine) terminalLogoutResponse(partnerID, respBinding, sloURL, inResponseTo, relayState, status string, clearCookie bool) (*LogoutOutcome, error) {
	resp := saml.NewLogoutResponse(e.cfg.EntityID, sloURL, inResponseTo, status)
	b, err := e.binding(respBinding)
	if err != nil {
		return nil, err
	}
	wire, err := b.EncodeResponse(resp, sloURL, relayState)
	if err != nil {
		return nil, err
	}
	return &LogoutOutcome{
		Wire:        wire,
		Final:       true,
		Status:      status,
		ClearCookie: clearCookie,
	}, nil
}

// lookupSLO resolves a partner's logout endpoint for a binding.
func (e *Engine) lookupSLO(entityID, bindingURN string) (*directory.Partner, string, bool) {
	partner, ok := e.directory.Lookup(entityID)
	if !ok {
		return nil, "", false
	}
	loc, ok := partner.SLO.For(bindingURN)
	if !ok {
		return nil, "", false
	}
	return partner, loc, true
}

// remainingTargets is the session's active partner set minus the
// originator, which tears its own session down.
func remainingTargets(rec *store.SessionRecord, originator string) []string {
	out := make([]string, 0, len(rec.ActiveSPs))
	for _, sp := range rec.ActiveSPs {
		if sp != originator {
			out = append(out, sp)
		}
	}
	return out
}
