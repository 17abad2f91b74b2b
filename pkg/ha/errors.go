package ha

import (
	"errors"
	"fmt"
	"strings"
)

// ConstructionError is returned when the implementation for a target role
// could not be built. The previously bound implementation stays active.
type ConstructionError struct {
	Subsystem string
	Role      Role
	Cause     error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("%s: construct %s implementation: %v", e.Subsystem, e.Role, e.Cause)
}

func (e *ConstructionError) Unwrap() error { return e.Cause }

// ShutdownError reports a failure while releasing the resources of a
// previous implementation. It never blocks installation of the next one.
type ShutdownError struct {
	Subsystem string
	Role      Role
	Cause     error
}

func (e *ShutdownError) Error() string {
	return fmt.Sprintf("%s: shut down %s implementation: %v", e.Subsystem, e.Role, e.Cause)
}

func (e *ShutdownError) Unwrap() error { return e.Cause }

// FencingError is returned when the master rejects a request stamped with a
// superseded epoch or a sequence it has already seen.
type FencingError struct {
	Resource  string
	Presented uint64
	Current   uint64
	Reason    string
}

func (e *FencingError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "stale epoch"
	}
	return fmt.Sprintf("fencing rejected %s: %s (presented epoch %d, master epoch %d)",
		e.Resource, reason, e.Presented, e.Current)
}

// UnavailableError is returned when an operation cannot proceed because the
// node is switching roles, not yet recovered, isolated from the master, or
// ran out of retries against a changing master.
type UnavailableError struct {
	Operation string
	Reasons   []string
	Cause     error
}

func (e *UnavailableError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Operation)
	sb.WriteString(": unavailable")
	if len(e.Reasons) > 0 {
		sb.WriteString(" (")
		sb.WriteString(strings.Join(e.Reasons, ", "))
		sb.WriteString(")")
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *UnavailableError) Unwrap() error { return e.Cause }

// IsConstructionError returns true if err wraps a ConstructionError.
func IsConstructionError(err error) bool {
	var target *ConstructionError
	return errors.As(err, &target)
}

// IsShutdownError returns true if err wraps a ShutdownError.
func IsShutdownError(err error) bool {
	var target *ShutdownError
	return errors.As(err, &target)
}

// IsFencingError returns true if err wraps a FencingError.
func IsFencingError(err error) bool {
	var target *FencingError
	return errors.As(err, &target)
}

// IsUnavailableError returns true if err wraps an UnavailableError.
func IsUnavailableError(err error) bool {
	var target *UnavailableError
	return errors.As(err, &target)
}
