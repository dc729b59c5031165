// Package directory holds the federation partner registry: every service
// provider the IdP will answer, with its endpoints and trust material.
// Partner snapshots are immutable once loaded; a reload swaps the whole set.
package directory

import (
	"crypto/x509"
	"sync"

	"github.com/federalis/idp/internal/saml"
)

// Endpoints holds a service location per supported binding.
type Endpoints struct {
	Post     string
	Redirect string
}

// For returns the location for a binding URN, with ok=false when the
// partner declares none.
func (e Endpoints) For(bindingURN string) (string, bool) {
	switch bindingURN {
	case saml.BindingHTTPPost:
		return e.Post, e.Post != ""
	case saml.BindingHTTPRedirect:
		return e.Redirect, e.Redirect != ""
	default:
		return "", false
	}
}

// Partner is one registered service provider.
type Partner struct {
	EntityID             string
	Name                 string
	ACS                  Endpoints
	SLO                  Endpoints
	PreferredBinding     string // binding URN
	WantAssertionsSigned bool
	Certificate          *x509.Certificate
}

// SelectBinding picks the outbound binding for one of the partner's
// services: the requested binding when the partner declares an endpoint for
// it, else the partner's preferred binding, else nothing. Used for both
// login responses and logout fan-out.
func SelectBinding(endpoints Endpoints, requestedURN string) (bindingURN, location string, ok bool) {
	if loc, found := endpoints.For(requestedURN); found {
		return requestedURN, loc, true
	}
	return "", "", false
}

// SelectBindingWithFallback is SelectBinding plus the preferred-binding
// fallback.
func (p *Partner) SelectBindingWithFallback(endpoints Endpoints, requestedURN string) (bindingURN, location string, ok bool) {
	if urn, loc, found := SelectBinding(endpoints, requestedURN); found {
		return urn, loc, true
	}
	if loc, found := endpoints.For(p.PreferredBinding); found {
		return p.PreferredBinding, loc, true
	}
	return "", "", false
}

// Directory resolves partners by entity ID.
type Directory interface {
	Lookup(entityID string) (*Partner, bool)
	All() []*Partner
}

// StaticDirectory is an in-memory Directory. The partner set is replaced
// wholesale on reload; individual partners are never mutated.
type StaticDirectory struct {
	mu       sync.RWMutex
	partners map[string]*Partner
}

// NewStaticDirectory creates a directory over a fixed partner set.
func NewStaticDirectory(partners ...*Partner) *StaticDirectory {
	d := &StaticDirectory{}
	d.Replace(partners)
	return d
}

// Replace swaps in a new partner set.
func (d *StaticDirectory) Replace(partners []*Partner) {
	m := make(map[string]*Partner, len(partners))
	for _, p := range partners {
		m[p.EntityID] = p
	}
	d.mu.Lock()
	d.partners = m
	d.mu.Unlock()
}

func (d *StaticDirectory) Lookup(entityID string) (*Partner, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.partners[entityID]
	return p, ok
}

func (d *StaticDirectory) All() []*Partner {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Partner, 0, len(d.partners))
	for _, p := range d.partners {
		out = append(out, p)
	}
	return out
}
