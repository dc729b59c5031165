package engine

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/federalis/idp/internal/authn"
	"github.com/federalis/idp/internal/directory"
	"github.com/federalis/idp/internal/saml"
	"github.com/federalis/idp/internal/store"
)

const (
	idpEntityID = "https://idp.example.com/metadata"
	sp1EntityID = "https://sp1.example.com"
	sp2EntityID = "https://sp2.example.com"
	sp3EntityID = "https://sp3.example.com"
)

// Key generation dominates test time, so both parties share one lazily
// generated pair.
var (
	keyOnce sync.Once
	idpKey  *rsa.PrivateKey
	spKey   *rsa.PrivateKey
	idpCert *x509.Certificate
	spCert  *x509.Certificate
)

func testKeys(t *testing.T) {
	t.Helper()
	keyOnce.Do(func() {
		idpKey, _ = rsa.GenerateKey(rand.Reader, 2048)
		spKey, _ = rsa.GenerateKey(rand.Reader, 2048)
		idpCert, _, _ = saml.GenerateSelfSignedCert(idpKey, idpEntityID)
		spCert, _, _ = saml.GenerateSelfSignedCert(spKey, "https://sp.example.com")
	})
	if idpCert == nil || spCert == nil {
		t.Fatal("test key generation failed")
	}
}

// sessionWrites counts store writes so tests can pin down exactly how
// many a flow performs.
type sessionWrites struct {
	store.SessionCache
	creates int
	puts    int
}

func (s *sessionWrites) CreateIfAbsent(ctx context.Context, rec *store.SessionRecord) error {
	s.creates++
	return s.SessionCache.CreateIfAbsent(ctx, rec)
}

func (s *sessionWrites) Put(ctx context.Context, rec *store.SessionRecord) error {
	s.puts++
	return s.SessionCache.Put(ctx, rec)
}

type fixture struct {
	eng      *Engine
	sessions store.SessionCache
	writes   *sessionWrites
	logouts  store.PendingLogoutStore
	dir      *directory.StaticDirectory

	// spRedirect signs outbound messages as the service provider.
	spRedirect *saml.RedirectBinding
	spSigner   *saml.XMLSigner

	// idpRedirect decodes wire responses the engine addressed to partners.
	idpRedirect *saml.RedirectBinding
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	testKeys(t)

	dir := directory.NewStaticDirectory(
		&directory.Partner{
			EntityID: sp1EntityID,
			ACS: directory.Endpoints{
				Post:     sp1EntityID + "/acs",
				Redirect: sp1EntityID + "/acs",
			},
			SLO:              directory.Endpoints{Redirect: sp1EntityID + "/slo"},
			PreferredBinding: saml.BindingHTTPRedirect,
			Certificate:      spCert,
		},
		&directory.Partner{
			EntityID:         sp2EntityID,
			ACS:              directory.Endpoints{Redirect: sp2EntityID + "/acs"},
			SLO:              directory.Endpoints{Redirect: sp2EntityID + "/slo"},
			PreferredBinding: saml.BindingHTTPRedirect,
			Certificate:      spCert,
		},
		&directory.Partner{
			EntityID:         sp3EntityID,
			ACS:              directory.Endpoints{Post: sp3EntityID + "/acs"},
			SLO:              directory.Endpoints{Post: sp3EntityID + "/slo"},
			PreferredBinding: saml.BindingHTTPPost,
			Certificate:      spCert,
		},
	)

	registry, err := authn.ParseUsers([]byte(`
users:
  - username: alice
    password_sha256: ` + authn.HashPassword("correct horse") + `
    name_id: alice@example.com
    name_id_format: urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress
    email: alice@example.com
    groups: [staff]
`))
	if err != nil {
		t.Fatalf("ParseUsers() error: %v", err)
	}

	mem := store.NewMemorySessionCache()
	sessions := &sessionWrites{SessionCache: mem}
	logouts := store.NewMemoryLogoutStore()
	t.Cleanup(func() {
		mem.Close()
		logouts.Close()
	})

	idpSigner := saml.NewXMLSigner(idpKey, idpCert)
	eng := New(
		Config{EntityID: idpEntityID},
		dir,
		sessions,
		logouts,
		authn.Multi{authn.NewPasswordAuthenticator(registry)},
		map[string]saml.Binding{
			saml.BindingHTTPRedirect: saml.NewRedirectBinding(idpKey),
			saml.BindingHTTPPost:     saml.NewPostBinding(idpSigner),
		},
		zap.NewNop(),
	)
	t.Cleanup(eng.Close)

	return &fixture{
		eng:         eng,
		sessions:    sessions,
		writes:      sessions,
		logouts:     logouts,
		dir:         dir,
		spRedirect:  saml.NewRedirectBinding(spKey),
		spSigner:    saml.NewXMLSigner(spKey, spCert),
		idpRedirect: saml.NewRedirectBinding(idpKey),
	}
}

// authnRequest builds a fresh AuthnRequest from a service provider.
func authnRequest(issuer string) *saml.AuthnRequest {
	return &saml.AuthnRequest{
		SAMLP:        saml.NamespaceProtocol,
		SAML:         saml.NamespaceAssertion,
		ID:           saml.GenerateID(),
		Version:      "2.0",
		IssueInstant: saml.TimeNow(),
		Destination:  "https://idp.example.com/sso",
		Issuer:       &saml.Issuer{Value: issuer},
	}
}

// loginInput encodes a message over the SP's redirect binding and wraps it
// in a LoginInput, as if the browser followed the SP's redirect.
func (f *fixture) loginInput(t *testing.T, msg *saml.AuthnRequest, relayState, cookie string) *LoginInput {
	t.Helper()
	wire, err := f.spRedirect.EncodeRequest(msg, "https://idp.example.com/sso", relayState)
	if err != nil {
		t.Fatalf("EncodeRequest() error: %v", err)
	}
	return &LoginInput{
		Binding: saml.BindingHTTPRedirect,
		Request: httptest.NewRequest(http.MethodGet, wire.RedirectURL, nil),
		Secure:  true,
		Cookie:  cookie,
	}
}

// decodeResponse decodes an engine-produced redirect wire response.
func (f *fixture) decodeResponse(t *testing.T, wire *saml.WireResponse) (*saml.Response, *saml.Envelope) {
	t.Helper()
	if wire.RedirectURL == "" {
		t.Fatal("wire response carries no redirect URL")
	}
	env, err := f.idpRedirect.Decode(httptest.NewRequest(http.MethodGet, wire.RedirectURL, nil))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if err := f.idpRedirect.VerifySignature(env, idpCert); err != nil {
		t.Fatalf("response signature invalid: %v", err)
	}
	var resp saml.Response
	if err := saml.Unmarshal(env.XML, &resp); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	return &resp, env
}

// completeInteractiveLogin drives a full interactive login for sp1 and
// returns the issued session cookie.
func (f *fixture) completeInteractiveLogin(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	out, err := f.eng.HandleLogin(ctx, f.loginInput(t, authnRequest(sp1EntityID), "", ""))
	if err != nil {
		t.Fatalf("HandleLogin() error: %v", err)
	}
	if out.Kind != OutcomeChallenge {
		t.Fatalf("Kind = %v, want challenge", out.Kind)
	}

	out, err = f.eng.CompleteLogin(ctx, out.Challenge.ID, authn.Credential{
		Kind: authn.KindPassword, Username: "alice", Password: "correct horse",
	})
	if err != nil {
		t.Fatalf("CompleteLogin() error: %v", err)
	}
	if out.SetCookie == "" {
		t.Fatal("no session cookie issued")
	}
	return out.SetCookie
}
