package errors

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeInvalidCredentials  Code = "invalid_credentials"
	CodeInvalidToken        Code = "invalid_token"
	CodeMalformedToken      Code = "malformed_token"
	CodeSessionExpired      Code = "session_expired"
	CodePermissionDenied    Code = "permission_denied"
	CodeUnauthenticated     Code = "unauthenticated"
	CodeNotFound            Code = "not_found"
	CodeProvisioningDenied  Code = "provisioning_denied"
	CodeRemoteAuthority     Code = "remote_authority"
	CodeInconsistentSession Code = "inconsistent_session"
)

const (
	CodeUnknown            Code = "unknown"
	CodeStorageUnavailable Code = "storage_unavailable"
	CodeNotImplemented     Code = "not_implemented"
)

var (
	ErrMissingCache = errors.New("rhombus: identity cache is required")
	ErrMissingStore = errors.New("rhombus: user store is required")
	ErrClientClosed = errors.New("rhombus: client is closed")
)

type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	if e.Message != "" {
		return e.Message
	}

	if e.Err != nil {
		return e.Err.Error()
	}

	return string(e.Code)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

func Wrap(code Code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// CodeOf reports the code carried by err, or CodeUnknown.
func CodeOf(err error) Code {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code
	}

	var malformed *MalformedTokenError
	if errors.As(err, &malformed) {
		return CodeMalformedToken
	}
	var remote *RemoteAuthorityError
	if errors.As(err, &remote) {
		return CodeRemoteAuthority
	}
	var inconsistent *InconsistentSessionError
	if errors.As(err, &inconsistent) {
		return CodeInconsistentSession
	}
	return CodeUnknown
}

func IsCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsInternalCode(err error) bool {
	return IsCode(err, CodeUnknown) || IsCode(err, CodeStorageUnavailable) || IsCode(err, CodeNotImplemented) || IsCode(err, CodeInconsistentSession)
}

// MalformedTokenError reports an authentication token that does not parse.
type MalformedTokenError struct {
	Reason string
}

func (e *MalformedTokenError) Error() string {
	if e == nil || e.Reason == "" {
		return "rhombus: malformed token"
	}
	return "rhombus: malformed token: " + e.Reason
}

// RemoteAuthorityError covers transport failures, non-2xx answers and
// timeouts while talking to the remote authority.
type RemoteAuthorityError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *RemoteAuthorityError) Error() string {
	if e == nil {
		return ""
	}

	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("rhombus: remote authority %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("rhombus: remote authority %s: status %d", e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("rhombus: remote authority %s: %v", e.Op, e.Err)
	}
	return "rhombus: remote authority " + e.Op + " failed"
}

func (e *RemoteAuthorityError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// InconsistentSessionError means the cache produced an identity that
// disagrees with the one already attached to the request.
type InconsistentSessionError struct {
	AttachedUserID int64
	ResolvedUserID int64
}

func (e *InconsistentSessionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("rhombus: inconsistent session: attached user %d, resolved user %d", e.AttachedUserID, e.ResolvedUserID)
}

// Warning is a user-facing condition that is not an error.
type Warning interface {
	Warning() string
}

// ProvisioningDisabledWarning is raised when a confirmed remote user has
// no local record and the domain's userclass does not allow auto-add.
type ProvisioningDisabledWarning struct {
	Login     string
	Domain    string
	UserClass string
}

func (w ProvisioningDisabledWarning) Warning() string {
	return fmt.Sprintf("user %s/%s is not registered locally and userclass %q does not permit automatic registration", w.Login, w.Domain, w.UserClass)
}
