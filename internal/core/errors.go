package core

import "errors"

// Error taxonomy shared by every component. Callers match with errors.Is.
var (
	// ErrInstallationMissing means the tunnel client binary is not on PATH
	ErrInstallationMissing = errors.New("tunnel client is not installed")

	// ErrPermissionDenied means the client cannot be elevated without a password prompt
	ErrPermissionDenied = errors.New("passwordless elevation for the tunnel client is not configured")

	// ErrInvalidCredentials means username or password are missing or rejected
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidInput means the request itself is malformed (e.g. empty portal)
	ErrInvalidInput = errors.New("invalid input")

	// ErrNetworkUnavailable means the host is offline
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrConnectTimeout means the client started but never became live
	ErrConnectTimeout = errors.New("timed out waiting for the tunnel to come up")

	// ErrProcessSpawn means the OS refused to start the client
	ErrProcessSpawn = errors.New("failed to start tunnel client")

	// ErrConfigIO means the settings file could not be read or written
	ErrConfigIO = errors.New("settings storage failure")

	// ErrLogIO means the event log could not be read or written
	ErrLogIO = errors.New("log storage failure")
)

// Retryable reports whether err is a transient failure that the automatic
// retry policy may consume budget on. Credential, permission and
// installation failures require user action and are never retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrConnectTimeout) ||
		errors.Is(err, ErrProcessSpawn) ||
		errors.Is(err, ErrNetworkUnavailable)
}
