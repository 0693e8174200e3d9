package model

import "errors"

// ErrNotFound is returned when a server or capability row does not exist
// (or has been soft-deleted).
var ErrNotFound = errors.New("server not found")

// ErrValidation signals a caller mistake in the submitted specification or
// request payload. Handlers map it to 400.
type ErrValidation struct {
	Msg string
}

func (e *ErrValidation) Error() string { return e.Msg }

// ErrSecurityDenied signals an egress validator rejection. Callers see it as
// a validation failure; the service logs it at warning level as a potential
// SSRF probe.
type ErrSecurityDenied struct {
	URL    string
	Reason string
}

func (e *ErrSecurityDenied) Error() string {
	return "URL not allowed: " + e.Reason
}

// ErrConnectivity signals that the endpoint was unreachable after both the
// primary and fallback liveness probes. An unreachable server must not be
// registered, so handlers map it to 400 like a validation failure.
type ErrConnectivity struct {
	Endpoint string
	Reason   string
}

func (e *ErrConnectivity) Error() string {
	return "server connectivity test failed: " + e.Reason
}

// ErrConflict signals a duplicate (organization, name, environment) triple.
// Raised both by the application-level pre-check and by translation of the
// database uniqueness constraint, so concurrent registrations surface the
// same error either way.
type ErrConflict struct {
	Name        string
	Environment Environment
}

func (e *ErrConflict) Error() string {
	return "server with name '" + e.Name + "' already exists in " + string(e.Environment) + " environment"
}

// IsClientError reports whether err belongs to the caller-fault taxonomy
// (validation, security denial, connectivity, conflict). Anything else that
// escapes the registration pipeline is treated as a server fault.
func IsClientError(err error) bool {
	var (
		ev *ErrValidation
		es *ErrSecurityDenied
		ec *ErrConnectivity
		ex *ErrConflict
	)
	return errors.As(err, &ev) || errors.As(err, &es) || errors.As(err, &ec) || errors.As(err, &ex)
}
