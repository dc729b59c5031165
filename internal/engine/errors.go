package engine

import "errors"

// Failures that end a flow before any protocol answer is owed. The web
// layer maps these to plain HTTP error pages; none of them produce session
// or logout state writes.
var (
	// ErrTransportInsecure rejects any protocol message on a non-TLS
	// transport. Checked before decoding.
	ErrTransportInsecure = errors.New("engine: message received over insecure transport")

	// ErrMalformedMessage covers undecodable or unparseable payloads.
	ErrMalformedMessage = errors.New("engine: malformed protocol message")

	// ErrUnknownIssuer means the claimed issuer is not a registered
	// partner, so there is no trusted destination to answer to.
	ErrUnknownIssuer = errors.New("engine: issuer is not a registered partner")

	// ErrNoResponseEndpoint means the partner declares no endpoint on any
	// binding we support for the required service.
	ErrNoResponseEndpoint = errors.New("engine: partner has no usable response endpoint")

	// ErrLogoutInProgress rejects a second logout initiation for a session
	// whose sequence is already live. The existing state is untouched.
	ErrLogoutInProgress = errors.New("engine: logout already in progress for this session")

	// ErrNoPendingLogout means a logout response arrived with no live
	// sequence to resume.
	ErrNoPendingLogout = errors.New("engine: no pending logout for this session")

	// ErrStaleLogoutResponse rejects a logout response that does not
	// correlate with the outstanding request. State is not mutated.
	ErrStaleLogoutResponse = errors.New("engine: logout response does not match outstanding request")

	// ErrChallengeExpired means the interactive login challenge was
	// missing, already used, or timed out.
	ErrChallengeExpired = errors.New("engine: login challenge expired")
)
