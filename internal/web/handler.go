package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/federalis/idp/internal/authn"
	"github.com/federalis/idp/internal/core"
	"github.com/federalis/idp/internal/crypto"
	"github.com/federalis/idp/internal/engine"
	"github.com/federalis/idp/internal/monitor"
	"github.com/federalis/idp/internal/saml"
)

// Handler serves the provider's HTTP surface: the SAML endpoints, the
// interactive login form, metadata, JWKS and the monitor websocket.
type Handler struct {
	cfg         *core.Config
	engine      *engine.Engine
	keySet      *crypto.KeySet
	hub         *monitor.Hub
	metadataXML []byte
	logger      *zap.Logger
}

// New creates the handler. Metadata is rendered once at startup since the
// key material and endpoint URLs are fixed for the process lifetime.
func New(cfg *core.Config, eng *engine.Engine, ks *crypto.KeySet, hub *monitor.Hub, logger *zap.Logger) (*Handler, error) {
	md := saml.GenerateIDPMetadata(&saml.MetadataConfig{
		EntityID:                cfg.EntityID,
		SSOURL:                  cfg.SSOURL(),
		SLOURL:                  cfg.SLOURL(),
		Certificate:             ks.Certificate(),
		WantAuthnRequestsSigned: true,
		OrgName:                 "Federalis",
		OrgDisplayName:          "Federalis Identity Provider",
		OrgURL:                  cfg.BaseURL,
	})
	xmlData, err := saml.MarshalMetadata(md)
	if err != nil {
		return nil, err
	}
	return &Handler{
		cfg:         cfg,
		engine:      eng,
		keySet:      ks,
		hub:         hub,
		metadataXML: xmlData,
		logger:      logger,
	}, nil
}

// Routes registers all endpoints on the router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/sso", h.handleSSO)
	r.Post("/sso", h.handleSSO)
	r.Get("/slo", h.handleSLO)
	r.Post("/slo", h.handleSLO)
	r.Post("/login", h.handleLoginForm)
	r.Get("/metadata", h.handleMetadata)
	r.Get("/.well-known/jwks.json", h.handleJWKS)
	r.Get("/healthz", h.handleHealth)
	if h.hub != nil {
		r.Get("/monitor/ws", h.hub.ServeWS)
	}
}

// ============================================================================
// SAML endpoints
// ============================================================================

func (h *Handler) handleSSO(w http.ResponseWriter, r *http.Request) {
	out, err := h.engine.HandleLogin(r.Context(), &engine.LoginInput{
		Binding:    saml.DetectBinding(r),
		Request:    r,
		Secure:     core.SecureRequest(r, h.cfg.TrustProxyTLS),
		Cookie:     h.sessionCookie(r),
		Credential: clientCertCredential(r),
	})
	if err != nil {
		h.protocolError(w, err)
		return
	}
	h.deliverLogin(w, out)
}

// handleLoginForm receives the credential form posted against a pending
// challenge.
func (h *Handler) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	if !core.SecureRequest(r, h.cfg.TrustProxyTLS) {
		h.protocolError(w, engine.ErrTransportInsecure)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	challengeID := r.PostFormValue("challenge")
	if challengeID == "" {
		http.Error(w, "missing challenge", http.StatusBadRequest)
		return
	}

	out, err := h.engine.CompleteLogin(r.Context(), challengeID, authn.Credential{
		Kind:     authn.KindPassword,
		Username: r.PostFormValue("username"),
		Password: r.PostFormValue("password"),
	})
	if err != nil {
		h.protocolError(w, err)
		return
	}
	h.deliverLogin(w, out)
}

func (h *Handler) handleSLO(w http.ResponseWriter, r *http.Request) {
	out, err := h.engine.HandleLogout(r.Context(), &engine.LogoutInput{
		Binding: saml.DetectBinding(r),
		Request: r,
		Secure:  core.SecureRequest(r, h.cfg.TrustProxyTLS),
		Cookie:  h.sessionCookie(r),
	})
	if err != nil {
		h.protocolError(w, err)
		return
	}
	if out.ClearCookie {
		h.clearSessionCookie(w)
	}
	h.writeWire(w, out.Wire)
}

// deliverLogin translates a login outcome into an HTTP answer: wire
// response, login form, or both cookie operations.
func (h *Handler) deliverLogin(w http.ResponseWriter, out *engine.LoginOutcome) {
	if out.ClearCookie {
		h.clearSessionCookie(w)
	}
	if out.SetCookie != "" {
		h.setSessionCookie(w, out.SetCookie, out.CookieTTL)
	}

	switch out.Kind {
	case engine.OutcomeChallenge:
		h.renderLoginPage(w, out.Challenge, out.PartnerID)
	case engine.OutcomeResponse:
		h.writeWire(w, out.Wire)
	default:
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// writeWire relays an encoded SAML message to the browser: a 302 for the
// redirect binding, an auto-submitting form for POST.
func (h *Handler) writeWire(w http.ResponseWriter, wire *saml.WireResponse) {
	if wire == nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if wire.RedirectURL != "" {
		w.Header().Set("Location", wire.RedirectURL)
		w.WriteHeader(http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Write([]byte(wire.HTML))
}

// ============================================================================
// Metadata, JWKS, health
// ============================================================================

func (h *Handler) handleMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	w.Write(h.metadataXML)
}

func (h *Handler) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.keySet.PublicJWKS())
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"entity_id": h.cfg.EntityID,
	})
}

// ============================================================================
// Cookies and errors
// ============================================================================

func (h *Handler) sessionCookie(r *http.Request) string {
	c, err := r.Cookie(h.cfg.CookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

// protocolError maps engine sentinels onto HTTP answers. These are the
// cases where no trusted return channel exists, so the browser gets a
// terminal page instead of a SAML response.
func (h *Handler) protocolError(w http.ResponseWriter, err error) {
	var status int
	var msg string
	switch {
	case errors.Is(err, engine.ErrTransportInsecure):
		status, msg = http.StatusForbidden, "This endpoint requires a TLS connection."
	case errors.Is(err, engine.ErrMalformedMessage):
		status, msg = http.StatusBadRequest, "The message could not be parsed."
	case errors.Is(err, engine.ErrUnknownIssuer):
		status, msg = http.StatusBadRequest, "The requesting party is not registered with this provider."
	case errors.Is(err, engine.ErrNoResponseEndpoint):
		status, msg = http.StatusBadRequest, "No usable return endpoint is registered for the requesting party."
	case errors.Is(err, engine.ErrLogoutInProgress):
		status, msg = http.StatusConflict, "A logout is already in progress for this session."
	case errors.Is(err, engine.ErrNoPendingLogout):
		status, msg = http.StatusBadRequest, "No logout is pending for this session."
	case errors.Is(err, engine.ErrStaleLogoutResponse):
		status, msg = http.StatusBadRequest, "The logout response does not match the pending request."
	case errors.Is(err, engine.ErrChallengeExpired):
		status, msg = http.StatusBadRequest, "The login attempt has expired. Return to the application and try again."
	default:
		h.logger.Error("unhandled protocol error", zap.Error(err))
		status, msg = http.StatusInternalServerError, "An internal error occurred."
	}
	h.renderErrorPage(w, status, msg)
}

// clientCertCredential lifts a verified TLS client certificate off the
// connection, for the passive login path.
func clientCertCredential(r *http.Request) *authn.Credential {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return nil
	}
	return &authn.Credential{
		Kind:        authn.KindCertificate,
		Certificate: r.TLS.PeerCertificates[0],
	}
}
