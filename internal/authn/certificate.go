package authn

import (
	"context"
	"crypto/x509"
	"time"
)

// CertificateAuthenticator maps a verified TLS client certificate to a
// registered user. This is the only authenticator the passive login path
// can use, since it needs no interaction.
type CertificateAuthenticator struct {
	registry *Registry
	roots    *x509.CertPool
}

// NewCertificateAuthenticator creates a certificate authenticator. When
// roots is nil the certificate chain is taken as already verified by the
// TLS layer.
func NewCertificateAuthenticator(registry *Registry, roots *x509.CertPool) *CertificateAuthenticator {
	return &CertificateAuthenticator{registry: registry, roots: roots}
}

func (a *CertificateAuthenticator) Authenticate(_ context.Context, cred Credential) (*Identity, error) {
	if cred.Kind != KindCertificate {
		return nil, ErrUnsupportedCredential
	}
	cert := cred.Certificate
	if cert == nil {
		return nil, ErrBadCredentials
	}

	if a.roots != nil {
		opts := x509.VerifyOptions{
			Roots:     a.roots,
			KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		}
		if _, err := cert.Verify(opts); err != nil {
			return nil, ErrBadCredentials
		}
	} else {
		now := time.Now()
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			return nil, ErrBadCredentials
		}
	}

	// Subject mapping: SAN email first, then CommonName as username.
	for _, email := range cert.EmailAddresses {
		if user, ok := a.registry.LookupEmail(email); ok {
			return user.identity(), nil
		}
	}
	if user, ok := a.registry.LookupUsername(cert.Subject.CommonName); ok {
		return user.identity(), nil
	}
	return nil, ErrBadCredentials
}
