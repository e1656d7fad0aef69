// Package errs defines the coordinator's error taxonomy: a small catalog of
// coded, formatted messages, each carrying a Kind for control-flow
// branching and a cause for wrapping.
package errs

import "fmt"

// Kind classifies an error for the purposes of the reconciler's propagation
// policy: which kinds are fatal at startup versus which abandon a single
// tick and retry.
type Kind int

const (
	// ConfigInvalid is fatal at startup.
	ConfigInvalid Kind = iota
	// StoreUnavailable means the consensus store could not be reached; the
	// tick is abandoned and retried next cycle.
	StoreUnavailable
	// StoreConflict means a CAS lost a race; abandon the tick.
	StoreConflict
	// ProbeTimeout means a node probe exceeded its per-probe deadline.
	ProbeTimeout
	// ProbeAuth means a node probe failed to authenticate.
	ProbeAuth
	// ProbeUnreachable means a node probe could not open a connection.
	ProbeUnreachable
	// ReplicaDegraded means the probe connected fine but the replica is not
	// healthy (IO/SQL thread stopped, or lag over threshold).
	ReplicaDegraded
	// ProxyUnavailable means the proxy admin session could not complete a
	// publish; logged and retried next tick.
	ProxyUnavailable
	// RecordMalformed means a store record failed to parse; the offending
	// record is deleted and the tick proceeds.
	RecordMalformed
)

func (k Kind) String() string {
	switch k {
	case ConfigInvalid:
		return "ConfigInvalid"
	case StoreUnavailable:
		return "StoreUnavailable"
	case StoreConflict:
		return "StoreConflict"
	case ProbeTimeout:
		return "ProbeTimeout"
	case ProbeAuth:
		return "ProbeAuth"
	case ProbeUnreachable:
		return "ProbeUnreachable"
	case ReplicaDegraded:
		return "ReplicaDegraded"
	case ProxyUnavailable:
		return "ProxyUnavailable"
	case RecordMalformed:
		return "RecordMalformed"
	default:
		return "Unknown"
	}
}

// catalog maps a stable code to a printf-style template, kept apart from
// the Kind so log lines can carry both a machine-stable code and a human
// message.
var catalog = map[string]string{
	"ERR-CFG-001": "missing required configuration variable %s",
	"ERR-CFG-002": "invalid value %q for configuration variable %s",
	"ERR-STO-001": "store unavailable: %s",
	"ERR-STO-002": "compare-and-swap on %s lost: expected %v, store had other value",
	"ERR-STO-003": "record at %s is malformed: %s",
	"ERR-PRB-001": "probe of %s:%s timed out after %s",
	"ERR-PRB-002": "probe of %s:%s failed authentication: %s",
	"ERR-PRB-003": "probe of %s:%s could not connect: %s",
	"ERR-PRB-004": "replica %s degraded: %s",
	"ERR-PRX-001": "proxy admin unavailable: %s",
	"ERR-PRX-002": "proxy publish failed: %s",
}

// CoordinatorError is the taxonomy's concrete error type: a stable code, a
// Kind for control-flow branching, and the wrapped cause.
type CoordinatorError struct {
	Code string
	Kind Kind
	Msg  string
	Err  error
}

func (e *CoordinatorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Code, e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Code, e.Kind, e.Msg)
}

func (e *CoordinatorError) Unwrap() error { return e.Err }

// New formats a catalog entry by code and wraps it with kind and cause.
func New(code string, kind Kind, cause error, args ...interface{}) error {
	tmpl, ok := catalog[code]
	if !ok {
		tmpl = code
	}
	return &CoordinatorError{
		Code: code,
		Kind: kind,
		Msg:  fmt.Sprintf(tmpl, args...),
		Err:  cause,
	}
}

// KindOf extracts the Kind of err if it (or something it wraps) is a
// *CoordinatorError; ok is false otherwise.
func KindOf(err error) (Kind, bool) {
	var ce *CoordinatorError
	for err != nil {
		if c, isCE := err.(*CoordinatorError); isCE {
			ce = c
			break
		}
		u, isUnwrapper := err.(interface{ Unwrap() error })
		if !isUnwrapper {
			break
		}
		err = u.Unwrap()
	}
	if ce == nil {
		return 0, false
	}
	return ce.Kind, true
}
