package vehicle

import "fmt"

// ConnectionError means the vehicle link could not be established.
type ConnectionError struct {
	Address string
	Cause   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("vehicle connection to %q failed: %v", e.Address, e.Cause)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// Kind is the log tag for this error
func (e *ConnectionError) Kind() string { return "connection" }

// ReadinessError means the vehicle connected but never became ready to fly,
// or refused arm/takeoff.
type ReadinessError struct {
	Stage string // health, arm, takeoff
	Cause error
}

func (e *ReadinessError) Error() string {
	return fmt.Sprintf("vehicle not ready (%s): %v", e.Stage, e.Cause)
}

func (e *ReadinessError) Unwrap() error { return e.Cause }

// Kind is the log tag for this error
func (e *ReadinessError) Kind() string { return "readiness" }
