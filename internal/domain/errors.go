package domain

import "fmt"

// PrivilegeError means the operation needs elevated rights the process does
// not have. Recoverable by re-running elevated; never retried automatically.
type PrivilegeError struct {
	Op    string
	Cause error
}

func (e *PrivilegeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: elevated privileges required: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("%s: elevated privileges required", e.Op)
}

func (e *PrivilegeError) Unwrap() error { return e.Cause }

// TargetNotFoundError means the application path does not exist, or no live
// process was found when the driver needs one to bind a rule to.
type TargetNotFoundError struct {
	Path   string
	Reason string
}

func (e *TargetNotFoundError) Error() string {
	return fmt.Sprintf("target %s: %s", e.Path, e.Reason)
}

// RuleCreationError means an underlying firewall mutation failed or timed
// out. Detail says which rule of an intended pair was being applied.
type RuleCreationError struct {
	Target  string
	Detail  string
	Timeout bool
	Cause   error
}

func (e *RuleCreationError) Error() string {
	msg := fmt.Sprintf("firewall rule for %s", e.Target)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Timeout {
		msg += ": timed out"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *RuleCreationError) Unwrap() error { return e.Cause }

// InitializationError means the driver could not set up its chain or table.
// Fatal until privileges or platform state are fixed.
type InitializationError struct {
	Driver string
	Cause  error
}

func (e *InitializationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s driver initialization failed: %v", e.Driver, e.Cause)
	}
	return fmt.Sprintf("%s driver initialization failed", e.Driver)
}

func (e *InitializationError) Unwrap() error { return e.Cause }

// PersistenceError means a registry or settings write failed. Advisory: the
// firewall mutation that preceded it is never rolled back.
type PersistenceError struct {
	Path  string
	Cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Path, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }
