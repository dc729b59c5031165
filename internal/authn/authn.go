// Package authn verifies end-user credentials for the login flow. The
// engine only sees the Authenticator port; which methods are live is wiring.
package authn

import (
	"context"
	"crypto/x509"
	"errors"
)

// ErrBadCredentials is returned for any credential the authenticator
// examined and rejected. Callers map it to an AuthnFailed status; the
// detail stays in the logs.
var ErrBadCredentials = errors.New("authn: bad credentials")

// ErrUnsupportedCredential is returned when the authenticator does not
// handle the presented credential kind at all.
var ErrUnsupportedCredential = errors.New("authn: unsupported credential kind")

// CredentialKind discriminates the credential union.
type CredentialKind string

const (
	// KindPassword is an interactive username/password pair.
	KindPassword CredentialKind = "password"
	// KindCertificate is a TLS client certificate, the only credential
	// usable on the passive (non-interactive) path.
	KindCertificate CredentialKind = "certificate"
)

// Credential is the material extracted from a login attempt.
type Credential struct {
	Kind        CredentialKind
	Username    string
	Password    string
	Certificate *x509.Certificate
}

// Identity is the authenticated subject handed back to the engine.
type Identity struct {
	Username     string
	NameID       string
	NameIDFormat string
	Attributes   map[string][]string
}

// Authenticator verifies one kind of credential.
type Authenticator interface {
	Authenticate(ctx context.Context, cred Credential) (*Identity, error)
}

// Multi tries each authenticator in order, skipping those that do not
// handle the credential kind.
type Multi []Authenticator

func (m Multi) Authenticate(ctx context.Context, cred Credential) (*Identity, error) {
	for _, a := range m {
		id, err := a.Authenticate(ctx, cred)
		if errors.Is(err, ErrUnsupportedCredential) {
			continue
		}
		return id, err
	}
	return nil, ErrUnsupportedCredential
}
