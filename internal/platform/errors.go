package platform

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies platform failures so the orchestrator can branch on kind
// instead of inspecting message strings.
type Kind int

const (
	// KindTransient covers connect/send/resolve failures worth retrying,
	// possibly on a different agent. The default for unclassified errors.
	KindTransient Kind = iota

	// KindFlood is a platform flood-control violation. The offending agent
	// must cool down before it is selected again.
	KindFlood

	// KindAuthInvalid means the agent's credentials/session are expired or
	// revoked. Fatal for the agent until re-provisioned.
	KindAuthInvalid

	// KindConfiguration covers blockers that no retry can fix (system
	// disabled, agent disabled, nothing configured).
	KindConfiguration

	// KindNotFound: the addressed entity (agent, peer) does not exist.
	KindNotFound

	// KindUnsupported: the client lacks the requested capability.
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindFlood:
		return "flood"
	case KindAuthInvalid:
		return "auth_invalid"
	case KindConfiguration:
		return "configuration"
	case KindNotFound:
		return "not_found"
	case KindUnsupported:
		return "unsupported"
	default:
		return "transient"
	}
}

// Error is a classified platform error. RetryAfter is meaningful only for
// KindFlood and may be zero when the platform did not say.
type Error struct {
	Kind       Kind
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Kind == KindFlood && e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and operation name.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Flood builds a flood-control error with the platform-reported wait.
func Flood(op string, retryAfter time.Duration, err error) *Error {
	return &Error{Kind: KindFlood, Op: op, RetryAfter: retryAfter, Err: err}
}

// KindOf extracts the kind from an error chain; unclassified errors are
// treated as transient.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// IsFlood reports whether err is a flood-control violation.
func IsFlood(err error) bool { return KindOf(err) == KindFlood }

// RetryAfter returns the flood wait from an error chain, or 0.
func RetryAfter(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}
