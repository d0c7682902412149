package sessions

import "fmt"

// CapacityExceededError reports the counts so the caller can show the user
// what to release; the request is never silently truncated.
type CapacityExceededError struct {
	BackendID string
	Active    int
	Limit     int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("backend %s session capacity reached (%d/%d)", e.BackendID, e.Active, e.Limit)
}

type NoPortsAvailableError struct {
	BackendID string
}

func (e *NoPortsAvailableError) Error() string {
	return fmt.Sprintf("backend %s has no port pairs available", e.BackendID)
}
