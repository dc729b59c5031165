// Package metrics defines the Recorder port the engine reports into, with
// a Prometheus adapter for production and a no-op for tests.
package metrics

// Login results.
const (
	ResultSuccess     = "success"
	ResultAuthnFailed = "authn_failed"
	ResultDenied      = "denied"
	ResultUnsupported = "unsupported"
	ResultError       = "error"
)

// Logout results.
const (
	ResultPartial = "partial"
)

// Recorder receives protocol engine events.
type Recorder interface {
	LoginAttempt(result string)
	LogoutStarted()
	LogoutCompleted(result string)
	LogoutHop(target string)
	SignatureFailure(binding string)
	SessionCreated()
	SessionDeleted()
}

// Noop discards all events.
type Noop struct{}

func (Noop) LoginAttempt(string)     {}
func (Noop) LogoutStarted()          {}
func (Noop) LogoutCompleted(string)  {}
func (Noop) LogoutHop(string)        {}
func (Noop) SignatureFailure(string) {}
func (Noop) SessionCreated()         {}
func (Noop) SessionDeleted()         {}
