package profiler

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotConnected is returned by Subscribe when no client is stored
	ErrNotConnected = errors.New("profiler is not connected")

	// ErrAlreadyInitialized is returned by a second call to Init
	ErrAlreadyInitialized = errors.New("profiler is already initialized")

	// ErrClosed is returned by operations on a closed Profiler
	ErrClosed = errors.New("profiler is closed")

	// ErrNotMonitorLine is returned by ParseMonitorLine for lines that
	// carry no command, such as the OK reply to MONITOR
	ErrNotMonitorLine = errors.New("not a monitor line")
)

// Kind classifies a connect or discovery failure
type Kind int

const (
	// KindFactory means the client factory failed
	KindFactory Kind = iota
	// KindForbidden means a node refused MONITOR for lack of permission
	KindForbidden
	// KindUnavailable covers every other shard failure
	KindUnavailable
)

// String returns the name of the kind
func (k Kind) String() string {
	switch k {
	case KindFactory:
		return "factory"
	case KindForbidden:
		return "forbidden"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error is a classified connect or discovery failure
type Error struct {
	Kind       Kind
	DatabaseID string
	Shard      *Endpoint
	Err        error
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(" error")
	if e.DatabaseID != "" {
		fmt.Fprintf(&b, " for database %s", e.DatabaseID)
	}
	if e.Shard != nil {
		fmt.Fprintf(&b, " on shard %s", e.Shard.Addr())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// IsForbidden reports whether err is a permission failure
func IsForbidden(err error) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.Kind == KindForbidden
}

// IsUnavailable reports whether err is a non-permission shard failure
func IsUnavailable(err error) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.Kind == KindUnavailable
}

// classifyShardError turns a failed MONITOR attempt into an Error.
// Redis answers an ACL rejection with a reply starting with NOPERM.
func classifyShardError(databaseID string, shard *Endpoint, err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}

	kind := KindUnavailable
	if strings.Contains(err.Error(), "NOPERM") {
		kind = KindForbidden
	}
	return &Error{Kind: kind, DatabaseID: databaseID, Shard: shard, Err: err}
}
