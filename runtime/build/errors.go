package build

import "fmt"

// PlanErrorCode is the machine-parseable code attached to planning failures.
type PlanErrorCode string

const (
	// CodeCycle marks a cycle in the producer graph.
	CodeCycle PlanErrorCode = "cycle"
	// CodeUnknownProducer marks a reference to an undeclared producer.
	CodeUnknownProducer PlanErrorCode = "unknown_producer"
	// CodeUnknownInput marks a reference to an undeclared blueprint input.
	CodeUnknownInput PlanErrorCode = "unknown_input"
	// CodeUnsatisfiedBinding marks a consumer input that resolves to nothing.
	CodeUnsatisfiedBinding PlanErrorCode = "unsatisfied_binding"
	// CodeAmbiguousFanIn marks a fan-in whose grouping cannot be inferred.
	CodeAmbiguousFanIn PlanErrorCode = "ambiguous_fanin"
	// CodeUnknownConditionRef marks a condition over an unknown upstream path.
	CodeUnknownConditionRef PlanErrorCode = "unknown_condition_ref"
	// CodeInvalidSchema marks an unresolvable or malformed output schema.
	CodeInvalidSchema PlanErrorCode = "invalid_schema"
)

// PlanError is a fatal planning failure. It carries a machine-parseable code
// and the offending identifier; planner errors abort the run before any jobs
// execute.
type PlanError struct {
	Code PlanErrorCode
	// ID is the offending identifier or path.
	ID  string
	msg string
}

// NewPlanError constructs a PlanError.
func NewPlanError(code PlanErrorCode, id, format string, args ...any) *PlanError {
	return &PlanError{Code: code, ID: id, msg: fmt.Sprintf(format, args...)}
}

// Error implements error.
func (e *PlanError) Error() string {
	return fmt.Sprintf("plan error %s (%s): %s", e.Code, e.ID, e.msg)
}
