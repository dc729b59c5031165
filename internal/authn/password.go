package authn

import (
	"context"
)

// PasswordAuthenticator checks username/password pairs against the local
// registry.
type PasswordAuthenticator struct {
	registry *Registry
}

// NewPasswordAuthenticator creates a password authenticator over a registry.
func NewPasswordAuthenticator(registry *Registry) *PasswordAuthenticator {
	return &PasswordAuthenticator{registry: registry}
}

func (a *PasswordAuthenticator) Authenticate(_ context.Context, cred Credential) (*Identity, error) {
	if cred.Kind != KindPassword {
		return nil, ErrUnsupportedCredential
	}
	user, ok := a.registry.LookupUsername(cred.Username)
	if !ok {
		// Burn a comparison so unknown usernames cost the same as bad
		// passwords.
		(&User{PasswordHash: HashPassword("")}).checkPassword(cred.Password)
		return nil, ErrBadCredentials
	}
	if !user.checkPassword(cred.Password) {
		return nil, ErrBadCredentials
	}
	return user.identity(), nil
}
