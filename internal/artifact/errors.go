package artifact

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindResolution
	KindNetwork
	KindDisk
	KindAuth
	KindTransfer
	KindConfig
)

// Error is the single error type raised by the pipeline. Its kind decides
// how the failure is handled: resolution, network and disk errors are
// fatal to one fetch request, auth errors fail an upload job immediately,
// transfer errors are retried, and config errors stop startup.
type Error struct {
	kind   ErrorKind
	reason string
	err    error
}

var (
	ErrResolution = &Error{kind: KindResolution}
	ErrNetwork    = &Error{kind: KindNetwork}
	ErrDisk       = &Error{kind: KindDisk}
	ErrAuth       = &Error{kind: KindAuth}
	ErrTransfer   = &Error{kind: KindTransfer}
	ErrConfig     = &Error{kind: KindConfig}
)

func newError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{kind: kind, reason: fmt.Sprintf(format, args...), err: cause}
}

func ResolutionError(cause error, format string, args ...any) error {
	return newError(KindResolution, cause, format, args...)
}

func NetworkError(cause error, format string, args ...any) error {
	return newError(KindNetwork, cause, format, args...)
}

func DiskError(cause error, format string, args ...any) error {
	return newError(KindDisk, cause, format, args...)
}

func AuthError(cause error, format string, args ...any) error {
	return newError(KindAuth, cause, format, args...)
}

func TransferError(cause error, format string, args ...any) error {
	return newError(KindTransfer, cause, format, args...)
}

func ConfigError(cause error, format string, args ...any) error {
	return newError(KindConfig, cause, format, args...)
}

func (e *Error) Kind() ErrorKind { return e.kind }

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s error", e.kind)
	if e.reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.reason)
	}
	if e.err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.err.Error())
	}

	return msg
}

func (e *Error) Unwrap() error { return e.err }

// Is matches against the kind sentinels (e.g. ErrTransfer), so callers
// can use errors.Is without caring about the message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.reason == "" && t.err == nil && t.kind == e.kind
}

// KindOf returns the kind of the first *Error in the chain, or KindUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}

	return KindUnknown
}

func (k ErrorKind) String() string {
	switch k {
	case KindResolution:
		return "resolution"
	case KindNetwork:
		return "network"
	case KindDisk:
		return "disk"
	case KindAuth:
		return "auth"
	case KindTransfer:
		return "transfer"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}
