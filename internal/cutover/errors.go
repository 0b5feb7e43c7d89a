package cutover

import "fmt"

// CutoverFailure reports a traffic reassignment that was not applied, or
// only partially applied. The intended and observed weight maps are kept
// for the audit trail. Cutover failures always escalate; a half-shifted
// weight map is never an acceptable end state.
type CutoverFailure struct {
	Service  string
	Intended map[string]int
	Applied  map[string]int
	Cause    error
}

func (e *CutoverFailure) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("cutover failed for %s: %v", e.Service, e.Cause)
	}
	return fmt.Sprintf("cutover failed for %s: applied weights %v do not match intended %v",
		e.Service, e.Applied, e.Intended)
}

func (e *CutoverFailure) Unwrap() error { return e.Cause }

// RollbackFailure reports that a rollback itself could not be applied.
// This is the one non-recoverable condition: the owning execution is
// frozen for manual intervention and an urgent notification is raised.
type RollbackFailure struct {
	Service string
	Target  string
	Cause   error
}

func (e *RollbackFailure) Error() string {
	return fmt.Sprintf("rollback to %s failed for %s: %v", e.Target, e.Service, e.Cause)
}

func (e *RollbackFailure) Unwrap() error { return e.Cause }
