// Package glinterr defines the failure kinds of the passthrough engine.
//
// Every error the engine surfaces to a user is, or wraps, an *Error whose
// Kind is one of the sentinels below, so callers can use errors.Is on the
// kind and errors.As to get at the offending device and remediation text.
package glinterr

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

var (
	ErrUnsupportedTopology = errors.New("unsupported topology")
	ErrUnsafeGroup         = errors.New("unsafe iommu group")
	ErrDeviceBusy          = errors.New("device busy")
	ErrDeviceVanished      = errors.New("device vanished")
	ErrBindPartialFailure  = errors.New("bind partially failed")
	ErrSessionStopFailed   = errors.New("host session stop failed")
	ErrCleanupFailed       = errors.New("cleanup failed")

	ErrDeviceClaimed   = errors.New("device already claimed")
	ErrNotAcknowledged = errors.New("plan not acknowledged")
	ErrPlanConsumed    = errors.New("plan already consumed")
	ErrStaleSession    = errors.New("stale session")
	ErrEngineLocked    = errors.New("another engine instance is running")
)

// Error carries the kind of failure plus the details a user needs to act on it.
type Error struct {
	Kind        error
	Device      string
	Group       int
	Reason      string
	Remediation string
	Conflicts   []string
	Err         error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Device != "" {
		fmt.Fprintf(&b, " [%s]", e.Device)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if len(e.Conflicts) > 0 {
		fmt.Fprintf(&b, " (conflicts: %s)", strings.Join(e.Conflicts, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Remediation != "" {
		fmt.Fprintf(&b, "; fix: %s", e.Remediation)
	}
	return b.String()
}

// Is lets errors.Is match on the kind sentinel.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an *Error of kind with a formatted reason.
func New(kind error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind to err. A nil err stays nil.
func Wrap(kind error, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) WithDevice(addr string) *Error {
	e.Device = addr
	return e
}

func (e *Error) WithGroup(group int) *Error {
	e.Group = group
	return e
}

func (e *Error) WithRemediation(format string, args ...interface{}) *Error {
	e.Remediation = fmt.Sprintf(format, args...)
	return e
}

func (e *Error) WithConflicts(conflicts ...string) *Error {
	e.Conflicts = append(e.Conflicts, conflicts...)
	return e
}

// IsTransient reports whether err is worth retrying. That is the case for
// ErrDeviceBusy and for raw EBUSY/EAGAIN coming back from a sysfs write.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDeviceBusy) {
		return true
	}
	return errors.Is(err, unix.EBUSY) || errors.Is(err, unix.EAGAIN)
}

// KindOf returns the kind sentinel of the first *Error in err's chain.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return nil
}
