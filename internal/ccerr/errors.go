// Package ccerr defines the shared error-kind taxonomy every component in
// this module reports through: one typed error instead of a bespoke error
// type per provider package.
package ccerr

import (
	"errors"
	"fmt"
)

// Kind enumerates the failure classes the orchestrator distinguishes.
type Kind string

const (
	ProfileNotFound          Kind = "profile_not_found"
	AuthRequired             Kind = "auth_required"
	AuthCancelled            Kind = "auth_cancelled"
	AuthTimeout              Kind = "auth_timeout"
	TokenRefreshFailed       Kind = "token_refresh_failed"
	TokenUnrecoverable       Kind = "token_unrecoverable"
	QuotaExhausted           Kind = "quota_exhausted"
	QuotaForbidden           Kind = "quota_forbidden"
	QuotaUnprovisioned       Kind = "quota_unprovisioned"
	ProxyNotRunning          Kind = "proxy_not_running"
	ProxyStartFailed         Kind = "proxy_start_failed"
	ManagementDNSFailed      Kind = "management_dns_failed"
	ManagementTimeout        Kind = "management_timeout"
	ManagementConnRefused    Kind = "management_connection_refused"
	ManagementNetUnreachable Kind = "management_network_unreachable"
	ManagementAuthFailed     Kind = "management_auth_failed"
	ManagementNotFound       Kind = "management_not_found"
	ManagementBadRequest     Kind = "management_bad_request"
	ManagementServerError    Kind = "management_server_error"
	ManagementUnknown        Kind = "management_unknown"
	BinaryInstallFailed      Kind = "binary_install_failed"
	VersionInvalid           Kind = "version_invalid"
	FilesystemIO             Kind = "filesystem_io"
	UserCancelled            Kind = "user_cancelled"
	Unknown                  Kind = "unknown"
)

// Error is the single typed error every component returns.
// It is errors.Is/errors.As friendly: two *Error values
// compare equal under errors.Is when their Kind matches, and callers can
// errors.As into *Error to inspect Kind/Cause/Provider.
type Error struct {
	Kind     Kind
	Message  string
	Provider string
	Cause    error
}

// New constructs an *Error with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error carrying cause, preserving it for errors.Unwrap.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithProvider attaches a provider tag for diagnostics and returns the same
// error for chaining.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

func (e *Error) Error() string {
	if e.Provider != "" && e.Cause != nil {
		return fmt.Sprintf("%s[%s]: %s: %v", e.Kind, e.Provider, e.Message, e.Cause)
	}
	if e.Provider != "" {
		return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Provider, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports kind-equality so errors.Is(err, ccerr.New(Kind, "")) works as a
// sentinel-style check without requiring the message to match.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// Of reports the Kind of err if it is (or wraps) a *Error, else Unknown.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return ""
	}
	return Unknown
}

// ExitCode maps an error (or nil for success) to the top-level CLI's
// process exit code: 0 success, 130 interrupted, 1 anything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if Of(err) == UserCancelled {
		return 130
	}
	return 1
}
