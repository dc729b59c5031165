package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/federalis/idp/internal/saml"
	"github.com/federalis/idp/internal/store"
)

const testCookie = "session-cookie-1"

// establishSession seeds a session with the given active partners, as if
// the user had logged in to each.
func (f *fixture) establishSession(t *testing.T, sps ...string) {
	t.Helper()
	now := time.Now()
	err := f.sessions.CreateIfAbsent(context.Background(), &store.SessionRecord{
		Cookie:       testCookie,
		NameID:       "alice@example.com",
		NameIDFormat: saml.NameIDFormatEmail,
		SessionIndex: "_sess1",
		ActiveSPs:    sps,
		CreatedAt:    now,
		ExpiresAt:    now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateIfAbsent() error: %v", err)
	}
}

// spLogoutRequest builds a signed LogoutRequest from a partner.
func (f *fixture) spLogoutRequest(t *testing.T, issuer, nameID string) (*LogoutInput, *saml.LogoutRequest) {
	t.Helper()
	req := saml.NewLogoutRequest(issuer, "https://idp.example.com/slo", nameID, saml.NameIDFormatEmail, []string{"_sess1"})
	wire, err := f.spRedirect.EncodeRequest(req, "https://idp.example.com/slo", "")
	if err != nil {
		t.Fatalf("EncodeRequest() error: %v", err)
	}
	return &LogoutInput{
		Binding: saml.BindingHTTPRedirect,
		Request: httptest.NewRequest(http.MethodGet, wire.RedirectURL, nil),
		Secure:  true,
		Cookie:  testCookie,
	}, req
}

// spLogoutResponse builds a signed LogoutResponse answering an outbound hop.
func (f *fixture) spLogoutResponse(t *testing.T, issuer, inResponseTo, status string) *LogoutInput {
	t.Helper()
	resp := saml.NewLogoutResponse(issuer, "https://idp.example.com/slo", inResponseTo, status)
	wire, err := f.spRedirect.EncodeResponse(resp, "https://idp.example.com/slo", "")
	if err != nil {
		t.Fatalf("EncodeResponse() error: %v", err)
	}
	return &LogoutInput{
		Binding: saml.BindingHTTPRedirect,
		Request: httptest.NewRequest(http.MethodGet, wire.RedirectURL, nil),
		Secure:  true,
		Cookie:  testCookie,
	}
}

// decodeHopRequest extracts the outbound LogoutRequest from a hop.
func (f *fixture) decodeHopRequest(t *testing.T, out *LogoutOutcome) *saml.LogoutRequest {
	t.Helper()
	if out.Final {
		t.Fatal("expected an outbound hop, got the final response")
	}
	env, err := f.idpRedirect.Decode(httptest.NewRequest(http.MethodGet, out.Wire.RedirectURL, nil))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if err := f.idpRedirect.VerifySignature(env, idpCert); err != nil {
		t.Fatalf("hop signature invalid: %v", err)
	}
	var req saml.LogoutRequest
	if err := saml.Unmarshal(env.XML, &req); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	return &req
}

// decodeFinalResponse extracts the concluding LogoutResponse.
func (f *fixture) decodeFinalResponse(t *testing.T, out *LogoutOutcome) *saml.LogoutResponse {
	t.Helper()
	if !out.Final {
		t.Fatal("expected the final response, got an outbound hop")
	}
	env, err := f.idpRedirect.Decode(httptest.NewRequest(http.MethodGet, out.Wire.RedirectURL, nil))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	var resp saml.LogoutResponse
	if err := saml.Unmarshal(env.XML, &resp); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	return &resp
}

func TestHandleLogout_SinglePartner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.establishSession(t, sp1EntityID)

	in, req := f.spLogoutRequest(t, sp1EntityID, "alice@example.com")
	out, err := f.eng.HandleLogout(ctx, in)
	if err != nil {
		t.Fatalf("HandleLogout() error: %v", err)
	}
	if !out.Final || !out.ClearCookie {
		t.Fatalf("Final = %v, ClearCookie = %v", out.Final, out.ClearCookie)
	}
	if out.Status != saml.StatusSuccess {
		t.Errorf("Status = %s", out.Status)
	}

	resp := f.decodeFinalResponse(t, out)
	if resp.InResponseTo != req.ID {
		t.Errorf("InResponseTo = %s, want %s", resp.InResponseTo, req.ID)
	}
	if !saml.IsSuccess(resp.Status) {
		t.Error("final response is not a success")
	}
	if !strings.HasPrefix(out.Wire.RedirectURL, sp1EntityID+"/slo") {
		t.Errorf("final response addressed to %s", out.Wire.RedirectURL)
	}

	// Session and sequence state are gone.
	if _, err := f.sessions.Get(ctx, testCookie); !errors.Is(err, store.ErrNotFound) {
		t.Error("session survived logout")
	}
	if _, err := f.logouts.Get(ctx, testCookie); !errors.Is(err, store.ErrNotFound) {
		t.Error("logout state survived completion")
	}
}

func TestHandleLogout_SequentialFanOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.establishSession(t, sp1EntityID, sp2EntityID, sp3EntityID)

	in, origReq := f.spLogoutRequest(t, sp1EntityID, "alice@example.com")
	out, err := f.eng.HandleLogout(ctx, in)
	if err != nil {
		t.Fatalf("HandleLogout() error: %v", err)
	}

	// First hop goes to sp2 over its redirect endpoint, one at a time.
	if out.Target != sp2EntityID {
		t.Fatalf("first hop target = %s", out.Target)
	}
	hop1 := f.decodeHopRequest(t, out)
	if hop1.NameID.Value != "alice@example.com" {
		t.Errorf("hop NameID = %s", hop1.NameID.Value)
	}
	if len(hop1.SessionIndex) != 1 || hop1.SessionIndex[0] != "_sess1" {
		t.Errorf("hop session indexes = %v", hop1.SessionIndex)
	}

	st, err := f.logouts.Get(ctx, testCookie)
	if err != nil {
		t.Fatalf("state missing mid-sequence: %v", err)
	}
	if st.Phase != store.PhaseAwaitingTarget || st.CurrentTarget != sp2EntityID {
		t.Errorf("state = %s/%s", st.Phase, st.CurrentTarget)
	}
	if len(st.Remaining) != 1 || st.Remaining[0] != sp3EntityID {
		t.Errorf("remaining = %v", st.Remaining)
	}

	// sp2 confirms; the next hop targets sp3 over its POST endpoint.
	out, err = f.eng.HandleLogout(ctx, f.spLogoutResponse(t, sp2EntityID, hop1.ID, saml.StatusSuccess))
	if err != nil {
		t.Fatalf("HandleLogout(sp2 response) error: %v", err)
	}
	if out.Target != sp3EntityID {
		t.Fatalf("second hop target = %s", out.Target)
	}
	if out.Wire.HTML == "" {
		t.Fatal("sp3 hop should use the POST binding")
	}

	// Recover the hop request ID from the stored state and answer as sp3
	// over POST.
	st, err = f.logouts.Get(ctx, testCookie)
	if err != nil {
		t.Fatalf("state missing: %v", err)
	}
	resp3 := saml.NewLogoutResponse(sp3EntityID, "https://idp.example.com/slo", st.CurrentRequestID, saml.StatusSuccess)
	signed, err := f.spSigner.Sign(resp3)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	form := url.Values{"SAMLResponse": {base64.StdEncoding.EncodeToString(signed)}}
	postReq := httptest.NewRequest(http.MethodPost, "https://idp.example.com/slo", strings.NewReader(form.Encode()))
	postReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	out, err = f.eng.HandleLogout(ctx, &LogoutInput{
		Binding: saml.BindingHTTPPost,
		Request: postReq,
		Secure:  true,
		Cookie:  testCookie,
	})
	if err != nil {
		t.Fatalf("HandleLogout(sp3 response) error: %v", err)
	}

	// All targets drained: the originator gets a clean success.
	final := f.decodeFinalResponse(t, out)
	if final.InResponseTo != origReq.ID {
		t.Errorf("final InResponseTo = %s, want %s", final.InResponseTo, origReq.ID)
	}
	if !saml.IsSuccess(final.Status) {
		t.Error("final status is not success")
	}
	if out.Partial {
		t.Error("clean sequence reported partial")
	}

	if _, err := f.sessions.Get(ctx, testCookie); !errors.Is(err, store.ErrNotFound) {
		t.Error("session survived the completed sequence")
	}
	if _, err := f.logouts.Get(ctx, testCookie); !errors.Is(err, store.ErrNotFound) {
		t.Error("logout state survived the completed sequence")
	}
}

func TestHandleLogout_PartialOnFailureResponse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.establishSession(t, sp1EntityID, sp2EntityID)

	in, _ := f.spLogoutRequest(t, sp1EntityID, "alice@example.com")
	out, err := f.eng.HandleLogout(ctx, in)
	if err != nil {
		t.Fatalf("HandleLogout() error: %v", err)
	}
	hop := f.decodeHopRequest(t, out)

	// sp2 refuses; the sequence still concludes, flagged partial.
	out, err = f.eng.HandleLogout(ctx, f.spLogoutResponse(t, sp2EntityID, hop.ID, saml.StatusRequestDenied))
	if err != nil {
		t.Fatalf("HandleLogout(refusal) error: %v", err)
	}
	if !out.Final || !out.Partial {
		t.Fatalf("Final = %v, Partial = %v", out.Final, out.Partial)
	}
	if out.Status != saml.StatusPartialLogout {
		t.Errorf("Status = %s", out.Status)
	}
	final := f.decodeFinalResponse(t, out)
	if saml.SecondLevelStatus(final.Status) != saml.StatusPartialLogout {
		t.Errorf("wire status = %s", saml.SecondLevelStatus(final.Status))
	}

	// The local session is destroyed even on partial outcomes.
	if _, err := f.sessions.Get(ctx, testCookie); !errors.Is(err, store.ErrNotFound) {
		t.Error("session survived partial logout")
	}
}

func TestHandleLogout_SkipsUnknownTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.establishSession(t, sp1EntityID, "https://gone.example.com", sp2EntityID)

	in, _ := f.spLogoutRequest(t, sp1EntityID, "alice@example.com")
	out, err := f.eng.HandleLogout(ctx, in)
	if err != nil {
		t.Fatalf("HandleLogout() error: %v", err)
	}

	// The deregistered partner is skipped silently; sp2 is next.
	if out.Target != sp2EntityID {
		t.Fatalf("hop target = %s, want sp2", out.Target)
	}
	hop := f.decodeHopRequest(t, out)

	out, err = f.eng.HandleLogout(ctx, f.spLogoutResponse(t, sp2EntityID, hop.ID, saml.StatusSuccess))
	if err != nil {
		t.Fatalf("HandleLogout() error: %v", err)
	}
	if !out.Final {
		t.Fatal("sequence did not conclude")
	}
	if out.Status != saml.StatusPartialLogout {
		t.Errorf("Status = %s, unreachable target must force PartialLogout", out.Status)
	}
}

func TestHandleLogout_StaleResponseIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.establishSession(t, sp1EntityID, sp2EntityID)

	in, _ := f.spLogoutRequest(t, sp1EntityID, "alice@example.com")
	out, err := f.eng.HandleLogout(ctx, in)
	if err != nil {
		t.Fatalf("HandleLogout() error: %v", err)
	}
	hop := f.decodeHopRequest(t, out)

	// Wrong correlation ID: rejected, state untouched.
	_, err = f.eng.HandleLogout(ctx, f.spLogoutResponse(t, sp2EntityID, "_bogus", saml.StatusSuccess))
	if !errors.Is(err, ErrStaleLogoutResponse) {
		t.Fatalf("err = %v, want ErrStaleLogoutResponse", err)
	}

	// Wrong issuer for the in-flight hop: also rejected.
	_, err = f.eng.HandleLogout(ctx, f.spLogoutResponse(t, sp3EntityID, hop.ID, saml.StatusSuccess))
	if !errors.Is(err, ErrStaleLogoutResponse) {
		t.Fatalf("err = %v, want ErrStaleLogoutResponse", err)
	}

	st, err := f.logouts.Get(ctx, testCookie)
	if err != nil {
		t.Fatalf("state lost after stale responses: %v", err)
	}
	if st.CurrentRequestID != hop.ID || st.Partial {
		t.Error("stale response mutated the sequence state")
	}

	// The genuine answer still lands.
	out, err = f.eng.HandleLogout(ctx, f.spLogoutResponse(t, sp2EntityID, hop.ID, saml.StatusSuccess))
	if err != nil {
		t.Fatalf("HandleLogout(genuine) error: %v", err)
	}
	if !out.Final || out.Status != saml.StatusSuccess {
		t.Errorf("Final = %v, Status = %s", out.Final, out.Status)
	}
}

func TestHandleLogout_NoSessionSucceeds(t *testing.T) {
	f := newFixture(t)

	in, req := f.spLogoutRequest(t, sp1EntityID, "alice@example.com")
	in.Cookie = ""
	out, err := f.eng.HandleLogout(context.Background(), in)
	if err != nil {
		t.Fatalf("HandleLogout() error: %v", err)
	}
	if !out.Final || out.Status != saml.StatusSuccess {
		t.Fatalf("Final = %v, Status = %s; logout of nothing must succeed", out.Final, out.Status)
	}
	resp := f.decodeFinalResponse(t, out)
	if resp.InResponseTo != req.ID {
		t.Errorf("InResponseTo = %s", resp.InResponseTo)
	}
}

func TestHandleLogout_NameIDMismatchDenied(t *testing.T) {
	f := newFixture(t)
	f.establishSession(t, sp1EntityID)

	in, _ := f.spLogoutRequest(t, sp1EntityID, "mallory@example.com")
	out, err := f.eng.HandleLogout(context.Background(), in)
	if err != nil {
		t.Fatalf("HandleLogout() error: %v", err)
	}
	if out.Status != saml.StatusRequestDenied {
		t.Errorf("Status = %s, want RequestDenied", out.Status)
	}
	if out.ClearCookie {
		t.Error("denied logout cleared the session cookie")
	}
}

func TestHandleLogout_ConcurrentSequenceRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.establishSession(t, sp1EntityID, sp2EntityID)

	in, _ := f.spLogoutRequest(t, sp1EntityID, "alice@example.com")
	if _, err := f.eng.HandleLogout(ctx, in); err != nil {
		t.Fatalf("HandleLogout() error: %v", err)
	}

	before, err := f.logouts.Get(ctx, testCookie)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}

	again, _ := f.spLogoutRequest(t, sp1EntityID, "alice@example.com")
	_, err = f.eng.HandleLogout(ctx, again)
	if !errors.Is(err, ErrLogoutInProgress) {
		t.Fatalf("err = %v, want ErrLogoutInProgress", err)
	}

	after, err := f.logouts.Get(ctx, testCookie)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if after.CurrentRequestID != before.CurrentRequestID || len(after.Remaining) != len(before.Remaining) {
		t.Error("rejected initiation mutated the existing sequence")
	}
}

func TestHandleLogout_ResponseWithoutSequence(t *testing.T) {
	f := newFixture(t)

	_, err := f.eng.HandleLogout(context.Background(), f.spLogoutResponse(t, sp2EntityID, "_r1", saml.StatusSuccess))
	if !errors.Is(err, ErrNoPendingLogout) {
		t.Fatalf("err = %v, want ErrNoPendingLogout", err)
	}
}

func TestHandleLogout_ExpiredRequestDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.establishSession(t, sp1EntityID, sp2EntityID)

	logoutInput := func(mutate func(*saml.LogoutRequest)) *LogoutInput {
		req := saml.NewLogoutRequest(sp1EntityID, "https://idp.example.com/slo", "alice@example.com", saml.NameIDFormatEmail, []string{"_sess1"})
		mutate(req)
		wire, err := f.spRedirect.EncodeRequest(req, "https://idp.example.com/slo", "")
		if err != nil {
			t.Fatalf("EncodeRequest() error: %v", err)
		}
		return &LogoutInput{
			Binding: saml.BindingHTTPRedirect,
			Request: httptest.NewRequest(http.MethodGet, wire.RedirectURL, nil),
			Secure:  true,
			Cookie:  testCookie,
		}
	}

	// The request's own NotOnOrAfter has passed.
	out, err := f.eng.HandleLogout(ctx, logoutInput(func(r *saml.LogoutRequest) {
		r.NotOnOrAfter = "2023-01-01T00:05:00Z"
	}))
	if err != nil {
		t.Fatalf("HandleLogout() error: %v", err)
	}
	if out.Status != saml.StatusRequestDenied {
		t.Errorf("Status = %s, an expired logout request must be denied", out.Status)
	}

	// A stale IssueInstant is rejected even with a valid NotOnOrAfter.
	out, err = f.eng.HandleLogout(ctx, logoutInput(func(r *saml.LogoutRequest) {
		r.IssueInstant = "2023-01-01T00:00:00Z"
	}))
	if err != nil {
		t.Fatalf("HandleLogout() error: %v", err)
	}
	if out.Status != saml.StatusRequestDenied {
		t.Errorf("Status = %s, a stale logout request must be denied", out.Status)
	}

	// Neither attempt touched the session or started a sequence.
	if _, err := f.sessions.Get(ctx, testCookie); err != nil {
		t.Error("denied logout request destroyed the session")
	}
	if _, err := f.logouts.Get(ctx, testCookie); !errors.Is(err, store.ErrNotFound) {
		t.Error("denied logout request left sequence state behind")
	}
}
