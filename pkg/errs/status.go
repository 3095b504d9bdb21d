// Package errs defines the status/error taxonomy returned by every core
// operation: a small negative-integer-flavored enum that also
// implements error, plus sentinel values for errors.Is matching — the same
// register as the teacher's pkg/system/proc sentinel-error style.
package errs

import "fmt"

// Status is the return code of a core cpuinfo/procinfo operation.
type Status int

const (
	// SUCCESS: the operation completed and took full effect immediately.
	SUCCESS Status = iota
	// NOTED: the operation's effect was deferred (queued, or a victim must
	// still honor a DISABLE) but was accepted.
	NOTED
	// NOUPDT: the operation was a no-op; requested state already held.
	NOUPDT
	// NOINIT: the descriptor/segment has not been initialized.
	NOINIT
	// ALREADY_REGISTERED: register() called twice for the same pid.
	ALREADY_REGISTERED
	// PERM: the operation violates ownership rules.
	PERM
	// NOMEM: a bounded structure (the request queue) is full.
	NOMEM
	// DISABLED: the target CPU currently has no owner.
	DISABLED
	// NOSHMEM: the segment does not exist (read-only observers only).
	NOSHMEM
	// NOCOMP: the feature was not compiled in.
	NOCOMP
	// NOTALP: the feature (TALP) is not enabled; out of core scope, kept
	// only so external callers see a stable status space.
	NOTALP
)

func (s Status) String() string {
	switch s {
	case SUCCESS:
		return "SUCCESS"
	case NOTED:
		return "NOTED"
	case NOUPDT:
		return "NOUPDT"
	case NOINIT:
		return "NOINIT"
	case ALREADY_REGISTERED:
		return "ALREADY_REGISTERED"
	case PERM:
		return "PERM"
	case NOMEM:
		return "NOMEM"
	case DISABLED:
		return "DISABLED"
	case NOSHMEM:
		return "NOSHMEM"
	case NOCOMP:
		return "NOCOMP"
	case NOTALP:
		return "NOTALP"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Error implements the error interface so a Status can be returned or
// wrapped directly; OK() reports whether it represents an accepted outcome.
func (s Status) Error() string { return s.String() }

// OK reports whether s represents an accepted outcome (SUCCESS, NOTED, or
// NOUPDT), as opposed to a genuine failure.
func (s Status) OK() bool {
	return s == SUCCESS || s == NOTED || s == NOUPDT
}

// AsError returns nil for an OK status and the Status itself (as an error)
// otherwise, letting call sites use the familiar `if err := ...; err != nil`
// idiom over a Status-returning call.
func (s Status) AsError() error {
	if s.OK() {
		return nil
	}
	return s
}

// Sentinel values for errors.Is matching against a Status returned as an
// error (e.g. from AsError), mirroring the teacher's pkg/system/proc
// sentinel-error style.
var (
	ErrNoInit            error = NOINIT
	ErrAlreadyRegistered error = ALREADY_REGISTERED
	ErrPerm              error = PERM
	ErrNoMem             error = NOMEM
	ErrDisabled          error = DISABLED
	ErrNoShmem           error = NOSHMEM
	ErrNoComp            error = NOCOMP
	ErrNoTALP            error = NOTALP
)
