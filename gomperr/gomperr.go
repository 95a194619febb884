// Package gomperr defines the sentinel error kinds shared by every layer of
// the runtime (wire, link, communicator, launcher, bootstrap, kernels) and a
// small amount of machinery for mapping an error back to its kind and to a
// worker process exit code.
package gomperr

import "golang.org/x/xerrors"

// Kind identifies one of the error categories enumerated in the design.
type Kind string

// The error kinds from the error handling design.
const (
	InvalidConfig       Kind = "invalid_config"
	InvalidShape        Kind = "invalid_shape"
	Busy                Kind = "busy"
	BootstrapTimeout    Kind = "bootstrap_timeout"
	HandshakeFailure    Kind = "handshake_failure"
	PeerLost            Kind = "peer_lost"
	ProtocolViolation   Kind = "protocol_violation"
	CollectiveMismatch  Kind = "collective_mismatch"
	Cancelled           Kind = "cancelled"
	KernelError         Kind = "kernel_error"
	Internal            Kind = "internal"
)

// Error is a sentinel carrying a Kind plus a human-readable message. Use
// xerrors.Errorf("...: %w", err) to attach context while preserving the kind.
type Error struct {
	kind Kind
	msg  string
}

func (e *Error) Error() string { return e.msg }

// Is reports equality by Kind so that errors.Is(err, gomperr.ErrPeerLost)
// succeeds for any error of that kind, not just the exact sentinel value.
func (e *Error) Is(target error) bool {
	var other *Error
	if xerrors.As(target, &other) {
		return other.kind == e.kind
	}
	return false
}

// KindOf returns the sentinel Kind this error wraps.
func (e *Error) KindOf() Kind { return e.kind }

// New creates a new sentinel error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// Errorf creates a new sentinel error of the given kind with a formatted
// message. A %w cause contributes only its text to the message; the cause
// itself is not kept, so errors.Is/As see only this error's Kind.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{kind: kind, msg: xerrors.Errorf(format, args...).Error()}
}

// Is reports whether err (or something it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// KindOf walks the error chain looking for a *Error and returns its Kind, or
// Internal if none is found.
func KindOf(err error) Kind {
	var e *Error
	if xerrors.As(err, &e) {
		return e.kind
	}
	return Internal
}

// Sentinels reused by callers that only need identity comparison via Is.
var (
	ErrPeerLost           = New(PeerLost, "peer lost")
	ErrCancelled          = New(Cancelled, "job was cancelled")
	ErrBusy               = New(Busy, "job already running")
	ErrBootstrapTimeout   = New(BootstrapTimeout, "bootstrap timed out waiting for workers")
	ErrHandshakeFailure   = New(HandshakeFailure, "worker handshake failed")
	ErrCollectiveMismatch = New(CollectiveMismatch, "collective call mismatch across ranks")
	ErrProtocolViolation  = New(ProtocolViolation, "protocol violation")
	ErrNoPeer             = New(Internal, "no peer: local communicator cannot send/recv")
)

// ExitCode maps an error to the worker process exit code from §6: 0 for a
// nil error, and a non-zero code for every non-nil error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case Cancelled:
		return 2
	case ProtocolViolation:
		return 10
	case HandshakeFailure:
		return 20
	default:
		return 1
	}
}
