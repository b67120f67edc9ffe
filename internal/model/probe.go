package model

import "time"

// ProbeResult is the outcome of a single upstream liveness check.
type ProbeResult struct {
	OK bool
	// StatusCode is the upstream HTTP status, or 0 when no response was received.
	StatusCode int
	Message    string
	ObservedAt time.Time
}
