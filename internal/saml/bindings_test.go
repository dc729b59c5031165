package saml

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestRedirectBinding_RoundTrip(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	cert, _, err := GenerateSelfSignedCert(key, "https://sender.example.com")
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert() error: %v", err)
	}
	b := NewRedirectBinding(key)

	req := NewLogoutRequest("https://sender.example.com", "https://receiver.example.com/slo", "alice", NameIDFormatEmail, []string{"_s1"})
	wire, err := b.EncodeRequest(req, "https://receiver.example.com/slo", "opaque-state")
	if err != nil {
		t.Fatalf("EncodeRequest() error: %v", err)
	}
	if wire.RedirectURL == "" {
		t.Fatal("EncodeRequest() produced no redirect URL")
	}

	httpReq := httptest.NewRequest(http.MethodGet, wire.RedirectURL, nil)
	env, err := b.Decode(httpReq)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if !env.IsRequest {
		t.Error("Decode() IsRequest = false")
	}
	if env.RelayState != "opaque-state" {
		t.Errorf("RelayState = %q", env.RelayState)
	}
	if err := b.VerifySignature(env, cert); err != nil {
		t.Fatalf("VerifySignature() error: %v", err)
	}

	var parsed LogoutRequest
	if err := Unmarshal(env.XML, &parsed); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if parsed.ID != req.ID {
		t.Errorf("round-tripped ID = %s, want %s", parsed.ID, req.ID)
	}
	if parsed.NameID.Value != "alice" {
		t.Errorf("NameID = %s", parsed.NameID.Value)
	}
}

func TestRedirectBinding_RejectsUnsigned(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	cert, _, err := GenerateSelfSignedCert(key, "https://sender.example.com")
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert() error: %v", err)
	}

	// Sender with no key produces an unsigned URL.
	unsigned := NewRedirectBinding(nil)
	req := NewLogoutRequest("https://sender.example.com", "https://receiver.example.com/slo", "alice", NameIDFormatEmail, nil)
	wire, err := unsigned.EncodeRequest(req, "https://receiver.example.com/slo", "")
	if err != nil {
		t.Fatalf("EncodeRequest() error: %v", err)
	}

	env, err := unsigned.Decode(httptest.NewRequest(http.MethodGet, wire.RedirectURL, nil))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if err := unsigned.VerifySignature(env, cert); err == nil {
		t.Fatal("VerifySignature() accepted an unsigned message")
	}
}

func TestRedirectBinding_RejectsTamperedQuery(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	cert, _, err := GenerateSelfSignedCert(key, "https://sender.example.com")
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert() error: %v", err)
	}
	b := NewRedirectBinding(key)

	req := NewLogoutRequest("https://sender.example.com", "https://receiver.example.com/slo", "alice", NameIDFormatEmail, nil)
	wire, err := b.EncodeRequest(req, "https://receiver.example.com/slo", "state-a")
	if err != nil {
		t.Fatalf("EncodeRequest() error: %v", err)
	}

	// Swap the relay state after signing.
	tampered := strings.Replace(wire.RedirectURL, "state-a", "state-b", 1)
	env, err := b.Decode(httptest.NewRequest(http.MethodGet, tampered, nil))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if err := b.VerifySignature(env, cert); err == nil {
		t.Fatal("VerifySignature() accepted a tampered query")
	}
}

func TestRedirectBinding_RejectsWrongSigAlg(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	cert, _, err := GenerateSelfSignedCert(key, "https://sender.example.com")
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert() error: %v", err)
	}
	b := NewRedirectBinding(key)

	env := &Envelope{
		SigAlg:    "http://www.w3.org/2000/09/xmldsig#rsa-sha1",
		Signature: "Zm9v",
	}
	if err := b.VerifySignature(env, cert); err == nil {
		t.Fatal("VerifySignature() accepted SHA-1")
	}
}

func TestPostBinding_RoundTrip(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	cert, _, err := GenerateSelfSignedCert(key, "https://sender.example.com")
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert() error: %v", err)
	}
	signer := NewXMLSigner(key, cert)
	b := NewPostBinding(signer)

	msg := NewLogoutResponse("https://sender.example.com", "https://receiver.example.com/slo", "_req1", StatusSuccess)
	wire, err := b.EncodeResponse(msg, "https://receiver.example.com/slo", "rs")
	if err != nil {
		t.Fatalf("EncodeResponse() error: %v", err)
	}
	if !strings.Contains(wire.HTML, `name="SAMLResponse"`) {
		t.Fatal("form is missing the SAMLResponse field")
	}

	// Extract the form value and replay it as a POST.
	value := extractFormValue(t, wire.HTML, "SAMLResponse")
	form := url.Values{"SAMLResponse": {value}, "RelayState": {"rs"}}
	httpReq := httptest.NewRequest(http.MethodPost, "https://receiver.example.com/slo", strings.NewReader(form.Encode()))
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	env, err := b.Decode(httpReq)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if env.IsRequest {
		t.Error("Decode() IsRequest = true for a response")
	}
	if err := b.VerifySignature(env, cert); err != nil {
		t.Fatalf("VerifySignature() error: %v", err)
	}

	var parsed LogoutResponse
	if err := Unmarshal(env.XML, &parsed); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if parsed.InResponseTo != "_req1" {
		t.Errorf("InResponseTo = %s", parsed.InResponseTo)
	}
	if !IsSuccess(parsed.Status) {
		t.Error("status did not survive the round trip")
	}
}

func TestPostBinding_EscapesRelayState(t *testing.T) {
	b := NewPostBinding(nil)
	msg := NewLogoutResponse("https://a", "https://receiver.example.com/slo", "_r", StatusSuccess)
	wire, err := b.EncodeResponse(msg, "https://receiver.example.com/slo", `"><script>alert(1)</script>`)
	if err != nil {
		t.Fatalf("EncodeResponse() error: %v", err)
	}
	if strings.Contains(wire.HTML, "<script>alert") {
		t.Fatal("relay state was embedded unescaped")
	}
}

func TestDetectBinding(t *testing.T) {
	post := httptest.NewRequest(http.MethodPost, "/slo", nil)
	if got := DetectBinding(post); got != BindingHTTPPost {
		t.Errorf("DetectBinding(POST) = %s", got)
	}
	get := httptest.NewRequest(http.MethodGet, "/slo?SAMLRequest=x", nil)
	if got := DetectBinding(get); got != BindingHTTPRedirect {
		t.Errorf("DetectBinding(GET) = %s", got)
	}
}

func TestValidateDestinationURL(t *testing.T) {
	if err := validateDestinationURL("https://sp.example.com/acs"); err != nil {
		t.Errorf("https rejected: %v", err)
	}
	for _, bad := range []string{"", "javascript:alert(1)", "data:text/html,x", "//evil.example.com/acs"} {
		if err := validateDestinationURL(bad); err == nil {
			t.Errorf("validateDestinationURL(%q) accepted", bad)
		}
	}
}

// extractFormValue pulls a hidden input value out of a generated form.
func extractFormValue(t *testing.T, html, name string) string {
	t.Helper()
	marker := `name="` + name + `" value="`
	idx := strings.Index(html, marker)
	if idx < 0 {
		t.Fatalf("form value %s not found", name)
	}
	rest := html[idx+len(marker):]
	end := strings.Index(rest, `"`)
	if end < 0 {
		t.Fatalf("unterminated form value %s", name)
	}
	return rest[:end]
}
