package directory

import (
	"strings"
	"testing"

	"github.com/federalis/idp/internal/saml"
)

func TestEndpoints_For(t *testing.T) {
	e := Endpoints{Post: "https://sp.example.com/acs"}
	if loc, ok := e.For(saml.BindingHTTPPost); !ok || loc != "https://sp.example.com/acs" {
		t.Errorf("For(post) = %q, %v", loc, ok)
	}
	if _, ok := e.For(saml.BindingHTTPRedirect); ok {
		t.Error("For(redirect) = ok for an undeclared endpoint")
	}
	if _, ok := e.For("urn:example:unknown"); ok {
		t.Error("For(unknown URN) = ok")
	}
}

func TestSelectBindingWithFallback(t *testing.T) {
	p := &Partner{
		EntityID:         "https://sp.example.com",
		ACS:              Endpoints{Post: "https://sp.example.com/acs"},
		PreferredBinding: saml.BindingHTTPPost,
	}

	// Requested binding declared: honored.
	urn, loc, ok := p.SelectBindingWithFallback(p.ACS, saml.BindingHTTPPost)
	if !ok || urn != saml.BindingHTTPPost || loc != "https://sp.example.com/acs" {
		t.Errorf("direct selection failed: %s %s %v", urn, loc, ok)
	}

	// Requested binding undeclared: falls back to the preferred one.
	urn, loc, ok = p.SelectBindingWithFallback(p.ACS, saml.BindingHTTPRedirect)
	if !ok || urn != saml.BindingHTTPPost {
		t.Errorf("fallback failed: %s %s %v", urn, loc, ok)
	}

	// No endpoint at all: refused.
	if _, _, ok := p.SelectBindingWithFallback(Endpoints{}, saml.BindingHTTPPost); ok {
		t.Error("selection succeeded with no declared endpoints")
	}
}

const validPartnerYAML = `
partners:
  - entity_id: https://sp1.example.com
    name: First Partner
    acs:
      post: https://sp1.example.com/acs
      redirect: https://sp1.example.com/acs
    slo:
      redirect: https://sp1.example.com/slo
    preferred_binding: redirect
  - entity_id: https://sp2.example.com
    acs:
      post: https://sp2.example.com/saml/acs
    want_assertions_signed: true
`

func TestParsePartners_Valid(t *testing.T) {
	partners, err := parsePartners([]byte(validPartnerYAML))
	if err != nil {
		t.Fatalf("parsePartners() error: %v", err)
	}
	if len(partners) != 2 {
		t.Fatalf("partner count = %d, want 2", len(partners))
	}

	p1 := partners[0]
	if p1.Name != "First Partner" {
		t.Errorf("Name = %s", p1.Name)
	}
	if p1.PreferredBinding != saml.BindingHTTPRedirect {
		t.Errorf("PreferredBinding = %s", p1.PreferredBinding)
	}
	if loc, ok := p1.SLO.For(saml.BindingHTTPRedirect); !ok || loc != "https://sp1.example.com/slo" {
		t.Errorf("SLO redirect = %q, %v", loc, ok)
	}

	p2 := partners[1]
	if !p2.WantAssertionsSigned {
		t.Error("WantAssertionsSigned not parsed")
	}
	if p2.PreferredBinding != saml.BindingHTTPPost {
		t.Errorf("default PreferredBinding = %s, want POST", p2.PreferredBinding)
	}
}

func TestParsePartners_Rejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"empty", "partners: []", "no partners"},
		{"missing entity_id", "partners:\n  - acs: {post: https://x/acs}", "entity_id is required"},
		{"missing acs", "partners:\n  - entity_id: https://x", "acs endpoint"},
		{"bad binding", "partners:\n  - entity_id: https://x\n    acs: {post: https://x/acs}\n    preferred_binding: soap", "unknown binding"},
		{"duplicate", validPartnerYAML + "  - entity_id: https://sp1.example.com\n    acs: {post: https://x/acs}\n", "duplicate"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parsePartners([]byte(tc.yaml))
			if err == nil {
				t.Fatalf("parsePartners() accepted %s", tc.name)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestStaticDirectory_Replace(t *testing.T) {
	d := NewStaticDirectory(&Partner{EntityID: "https://sp1.example.com"})
	if _, ok := d.Lookup("https://sp1.example.com"); !ok {
		t.Fatal("initial partner not found")
	}

	d.Replace([]*Partner{{EntityID: "https://sp2.example.com"}})
	if _, ok := d.Lookup("https://sp1.example.com"); ok {
		t.Error("replaced partner still resolvable")
	}
	if _, ok := d.Lookup("https://sp2.example.com"); !ok {
		t.Error("new partner not resolvable")
	}
	if len(d.All()) != 1 {
		t.Errorf("All() = %d partners, want 1", len(d.All()))
	}
}
