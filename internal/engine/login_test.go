package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/federalis/idp/internal/authn"
	"github.com/federalis/idp/internal/saml"
)

func TestHandleLogin_InteractiveFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := authnRequest(sp1EntityID)
	out, err := f.eng.HandleLogin(ctx, f.loginInput(t, req, "rs-1", ""))
	if err != nil {
		t.Fatalf("HandleLogin() error: %v", err)
	}
	if out.Kind != OutcomeChallenge {
		t.Fatalf("Kind = %v, want OutcomeChallenge", out.Kind)
	}
	if out.Challenge.PartnerID != sp1EntityID {
		t.Errorf("challenge partner = %s", out.Challenge.PartnerID)
	}
	if out.Challenge.RelayState != "rs-1" {
		t.Errorf("challenge relay state = %s", out.Challenge.RelayState)
	}

	out, err = f.eng.CompleteLogin(ctx, out.Challenge.ID, authn.Credential{
		Kind: authn.KindPassword, Username: "alice", Password: "correct horse",
	})
	if err != nil {
		t.Fatalf("CompleteLogin() error: %v", err)
	}
	if out.Kind != OutcomeResponse {
		t.Fatalf("Kind = %v, want OutcomeResponse", out.Kind)
	}
	if out.Status != saml.StatusSuccess {
		t.Errorf("Status = %s", out.Status)
	}
	if out.SetCookie == "" {
		t.Fatal("no session cookie issued")
	}

	resp, env := f.decodeResponse(t, out.Wire)
	if env.RelayState != "rs-1" {
		t.Errorf("relay state = %s, want rs-1", env.RelayState)
	}
	if resp.InResponseTo != req.ID {
		t.Errorf("InResponseTo = %s, want %s", resp.InResponseTo, req.ID)
	}
	if !saml.IsSuccess(resp.Status) {
		t.Error("response is not a success")
	}
	if len(resp.Assertions) != 1 {
		t.Fatalf("assertion count = %d", len(resp.Assertions))
	}
	a := resp.Assertions[0]
	if a.Subject.NameID.Value != "alice@example.com" {
		t.Errorf("NameID = %s", a.Subject.NameID.Value)
	}
	if a.Subject.SubjectConfirmation.SubjectConfirmationData.InResponseTo != req.ID {
		t.Error("subject confirmation does not reference the request")
	}
	if got := a.Conditions.AudienceRestriction.Audience[0]; got != sp1EntityID {
		t.Errorf("audience = %s", got)
	}

	rec, err := f.sessions.Get(ctx, out.SetCookie)
	if err != nil {
		t.Fatalf("session not stored: %v", err)
	}
	if !rec.HasSP(sp1EntityID) {
		t.Errorf("active partner set = %v", rec.ActiveSPs)
	}
}

func TestHandleLogin_CookieSSO(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cookie := f.completeInteractiveLogin(t)

	// A second partner arrives with the same browser cookie: no challenge.
	req := authnRequest(sp2EntityID)
	out, err := f.eng.HandleLogin(ctx, f.loginInput(t, req, "", cookie))
	if err != nil {
		t.Fatalf("HandleLogin() error: %v", err)
	}
	if out.Kind != OutcomeResponse {
		t.Fatalf("Kind = %v, want silent success", out.Kind)
	}
	if out.Status != saml.StatusSuccess {
		t.Errorf("Status = %s", out.Status)
	}
	if out.SetCookie != "" {
		t.Error("silent login minted a new cookie")
	}

	rec, err := f.sessions.Get(ctx, cookie)
	if err != nil {
		t.Fatalf("session lost: %v", err)
	}
	if !rec.HasSP(sp1EntityID) || !rec.HasSP(sp2EntityID) {
		t.Errorf("active partner set = %v", rec.ActiveSPs)
	}
}

func TestHandleLogin_StaleCookieFallsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.eng.HandleLogin(ctx, f.loginInput(t, authnRequest(sp1EntityID), "", "no-such-cookie"))
	if err != nil {
		t.Fatalf("HandleLogin() error: %v", err)
	}
	if out.Kind != OutcomeChallenge {
		t.Fatalf("Kind = %v, want challenge for a stale cookie", out.Kind)
	}
	if !out.ClearCookie {
		t.Error("stale cookie not cleared")
	}
}

func TestHandleLogin_ForceAuthn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cookie := f.completeInteractiveLogin(t)

	req := authnRequest(sp2EntityID)
	req.ForceAuthn = true
	out, err := f.eng.HandleLogin(ctx, f.loginInput(t, req, "", cookie))
	if err != nil {
		t.Fatalf("HandleLogin() error: %v", err)
	}
	if out.Kind != OutcomeChallenge {
		t.Fatalf("Kind = %v, want challenge despite a valid cookie", out.Kind)
	}
	if !out.ClearCookie {
		t.Error("ForceAuthn did not clear the cookie")
	}

	// The cached session is gone; the shortcut cannot come back.
	if _, err := f.sessions.Get(ctx, cookie); err == nil {
		t.Error("ForceAuthn left the session in the store")
	}
}

func TestHandleLogin_PassiveWithoutCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := authnRequest(sp1EntityID)
	req.IsPassive = true
	out, err := f.eng.HandleLogin(ctx, f.loginInput(t, req, "", ""))
	if err != nil {
		t.Fatalf("HandleLogin() error: %v", err)
	}
	if out.Kind != OutcomeResponse {
		t.Fatalf("Kind = %v, passive flow must not challenge", out.Kind)
	}
	if out.Status != saml.StatusAuthnFailed {
		t.Errorf("Status = %s, want AuthnFailed", out.Status)
	}

	resp, _ := f.decodeResponse(t, out.Wire)
	if saml.SecondLevelStatus(resp.Status) != saml.StatusAuthnFailed {
		t.Errorf("wire status = %s", saml.SecondLevelStatus(resp.Status))
	}
}

func TestHandleLogin_PassiveWithCookie(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cookie := f.completeInteractiveLogin(t)

	req := authnRequest(sp2EntityID)
	req.IsPassive = true
	out, err := f.eng.HandleLogin(ctx, f.loginInput(t, req, "", cookie))
	if err != nil {
		t.Fatalf("HandleLogin() error: %v", err)
	}
	if out.Status != saml.StatusSuccess {
		t.Errorf("Status = %s, cookie shortcut should satisfy passive", out.Status)
	}
}

func TestHandleLogin_UnknownIssuer(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.HandleLogin(context.Background(), f.loginInput(t, authnRequest("https://rogue.example.com"), "", ""))
	if !errors.Is(err, ErrUnknownIssuer) {
		t.Fatalf("err = %v, want ErrUnknownIssuer", err)
	}
}

func TestHandleLogin_InsecureTransport(t *testing.T) {
	f := newFixture(t)
	in := f.loginInput(t, authnRequest(sp1EntityID), "", "")
	in.Secure = false
	_, err := f.eng.HandleLogin(context.Background(), in)
	if !errors.Is(err, ErrTransportInsecure) {
		t.Fatalf("err = %v, want ErrTransportInsecure", err)
	}
}

func TestHandleLogin_UnsignedRequestDenied(t *testing.T) {
	f := newFixture(t)

	// An unsigned sender: the request decodes but fails verification.
	unsigned := saml.NewRedirectBinding(nil)
	wire, err := unsigned.EncodeRequest(authnRequest(sp1EntityID), "https://idp.example.com/sso", "")
	if err != nil {
		t.Fatalf("EncodeRequest() error: %v", err)
	}
	out, err := f.eng.HandleLogin(context.Background(), &LoginInput{
		Binding: saml.BindingHTTPRedirect,
		Request: httptest.NewRequest(http.MethodGet, wire.RedirectURL, nil),
		Secure:  true,
	})
	if err != nil {
		t.Fatalf("HandleLogin() error: %v", err)
	}
	if out.Status != saml.StatusRequestDenied {
		t.Errorf("Status = %s, want RequestDenied", out.Status)
	}
}

func TestHandleLogin_ReplayDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := authnRequest(sp1EntityID)
	first, err := f.eng.HandleLogin(ctx, f.loginInput(t, req, "", ""))
	if err != nil {
		t.Fatalf("first HandleLogin() error: %v", err)
	}
	if first.Kind != OutcomeChallenge {
		t.Fatalf("first Kind = %v", first.Kind)
	}

	second, err := f.eng.HandleLogin(ctx, f.loginInput(t, req, "", ""))
	if err != nil {
		t.Fatalf("second HandleLogin() error: %v", err)
	}
	if second.Status != saml.StatusRequestDenied {
		t.Errorf("replayed request Status = %s, want RequestDenied", second.Status)
	}
}

func TestHandleLogin_OversizedRelayState(t *testing.T) {
	f := newFixture(t)

	out, err := f.eng.HandleLogin(context.Background(),
		f.loginInput(t, authnRequest(sp1EntityID), strings.Repeat("x", 2000), ""))
	if err != nil {
		t.Fatalf("HandleLogin() error: %v", err)
	}
	if out.Status != saml.StatusRequestDenied {
		t.Errorf("Status = %s, want RequestDenied", out.Status)
	}
	// The hostile relay state must not be echoed.
	if _, env := f.decodeResponse(t, out.Wire); env.RelayState != "" {
		t.Error("oversized relay state echoed back")
	}
}

func TestCompleteLogin_BadCredentialsRearm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.eng.HandleLogin(ctx, f.loginInput(t, authnRequest(sp1EntityID), "rs", ""))
	if err != nil {
		t.Fatalf("HandleLogin() error: %v", err)
	}
	firstID := out.Challenge.ID

	out, err = f.eng.CompleteLogin(ctx, firstID, authn.Credential{
		Kind: authn.KindPassword, Username: "alice", Password: "wrong",
	})
	if err != nil {
		t.Fatalf("CompleteLogin() error: %v", err)
	}
	if out.Kind != OutcomeChallenge {
		t.Fatalf("Kind = %v, want a re-armed challenge", out.Kind)
	}
	if out.Challenge.ID == firstID {
		t.Error("re-armed challenge reused the consumed ID")
	}
	if out.Challenge.LastError == "" {
		t.Error("re-armed challenge carries no error message")
	}
	if out.Challenge.RelayState != "rs" {
		t.Error("relay state lost across re-arm")
	}

	// The fresh challenge still completes.
	out, err = f.eng.CompleteLogin(ctx, out.Challenge.ID, authn.Credential{
		Kind: authn.KindPassword, Username: "alice", Password: "correct horse",
	})
	if err != nil {
		t.Fatalf("CompleteLogin() error: %v", err)
	}
	if out.Status != saml.StatusSuccess {
		t.Errorf("Status = %s", out.Status)
	}
}

func TestCompleteLogin_ChallengeSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.eng.HandleLogin(ctx, f.loginInput(t, authnRequest(sp1EntityID), "", ""))
	if err != nil {
		t.Fatalf("HandleLogin() error: %v", err)
	}
	id := out.Challenge.ID

	if _, err := f.eng.CompleteLogin(ctx, id, authn.Credential{
		Kind: authn.KindPassword, Username: "alice", Password: "correct horse",
	}); err != nil {
		t.Fatalf("CompleteLogin() error: %v", err)
	}

	_, err = f.eng.CompleteLogin(ctx, id, authn.Credential{
		Kind: authn.KindPassword, Username: "alice", Password: "correct horse",
	})
	if !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("second CompleteLogin() = %v, want ErrChallengeExpired", err)
	}
}

func TestHandleLogin_StaleRequestDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := authnRequest(sp1EntityID)
	req.IssueInstant = "2023-01-01T00:00:00Z"
	out, err := f.eng.HandleLogin(ctx, f.loginInput(t, req, "", ""))
	if err != nil {
		t.Fatalf("HandleLogin() error: %v", err)
	}
	if out.Kind != OutcomeResponse || out.Status != saml.StatusRequestDenied {
		t.Errorf("Kind = %v, Status = %s; a stale request must be denied, not challenged", out.Kind, out.Status)
	}

	ahead := authnRequest(sp1EntityID)
	ahead.IssueInstant = "2099-01-01T00:00:00Z"
	out, err = f.eng.HandleLogin(ctx, f.loginInput(t, ahead, "", ""))
	if err != nil {
		t.Fatalf("HandleLogin() error: %v", err)
	}
	if out.Status != saml.StatusRequestDenied {
		t.Errorf("Status = %s, a future-dated request must be denied", out.Status)
	}

	malformed := authnRequest(sp1EntityID)
	malformed.IssueInstant = "not-a-timestamp"
	out, err = f.eng.HandleLogin(ctx, f.loginInput(t, malformed, "", ""))
	if err != nil {
		t.Fatalf("HandleLogin() error: %v", err)
	}
	if out.Status != saml.StatusRequestDenied {
		t.Errorf("Status = %s, an unparseable IssueInstant must be denied", out.Status)
	}

	if f.writes.creates != 0 || f.writes.puts != 0 {
		t.Errorf("denied requests wrote sessions: creates=%d puts=%d", f.writes.creates, f.writes.puts)
	}
}

func TestHandleLogin_SingleSessionWritePerSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cookie := f.completeInteractiveLogin(t)
	if f.writes.creates != 1 || f.writes.puts != 0 {
		t.Fatalf("fresh login: creates=%d puts=%d, want exactly one create and no touch",
			f.writes.creates, f.writes.puts)
	}

	out, err := f.eng.HandleLogin(ctx, f.loginInput(t, authnRequest(sp2EntityID), "", cookie))
	if err != nil {
		t.Fatalf("HandleLogin() error: %v", err)
	}
	if out.Kind != OutcomeResponse || out.Status != saml.StatusSuccess {
		t.Fatalf("Kind = %v, Status = %s", out.Kind, out.Status)
	}
	if f.writes.creates != 1 || f.writes.puts != 1 {
		t.Errorf("cookie SSO: creates=%d puts=%d, want exactly one touch of the existing record",
			f.writes.creates, f.writes.puts)
	}
}
