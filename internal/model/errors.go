package model

import "fmt"

// Error taxonomy surfaced to callers. Constraint violations are not errors;
// they travel as reason lists on UnassignedCase.

// ValidationError rejects malformed input before any work starts.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

// ExternalServiceError wraps a distance-provider failure.
type ExternalServiceError struct {
	Provider string
	Err      error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("external service %s: %v", e.Provider, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// OptimizationError reports a solver failure caused by an inconsistent input
// snapshot, e.g. a case referencing a care type that is not in the snapshot.
type OptimizationError struct {
	Msg string
}

func (e *OptimizationError) Error() string { return "optimization: " + e.Msg }

// ConflictError reports a lost race, e.g. a double assignment on a vehicle or
// an illegal visit transition.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return "conflict: " + e.Msg }
