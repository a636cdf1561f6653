// Package health reports whether the gateway can serve chat traffic.
//
// Checkers probe one dependency each (provider credentials, the checkpoint
// store). The Manager runs them concurrently under a timeout and the
// ProbeManager layers liveness, readiness and startup semantics on top.
package health

import (
	"context"
	"time"
)

// Checker probes a single dependency.
type Checker interface {
	// Name is a lowercase, hyphenated identifier such as "checkpoint-store"
	Name() string

	// Check must honour ctx and return quickly
	Check(ctx context.Context) *Result
}

// Status is the outcome of a check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) String() string {
	return string(s)
}

// worse reports whether s is more severe than other.
func (s Status) worse(other Status) bool {
	return severity[s] > severity[other]
}

var severity = map[Status]int{
	StatusHealthy:   0,
	StatusDegraded:  1,
	StatusUnhealthy: 2,
}

// Result is what a Checker reports.
type Result struct {
	Status  Status         `json:"status"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Latency time.Duration  `json:"latency_ns"`
}

func newResult(status Status, message string) *Result {
	return &Result{
		Status:  status,
		Message: message,
		Details: make(map[string]any),
	}
}

// WithDetail attaches a detail and returns r.
func (r *Result) WithDetail(key string, value any) *Result {
	r.Details[key] = value
	return r
}

// WithLatency records how long the check took and returns r.
func (r *Result) WithLatency(latency time.Duration) *Result {
	r.Latency = latency
	return r
}

func Healthy(message string) *Result {
	return newResult(StatusHealthy, message)
}

func Degraded(message string) *Result {
	return newResult(StatusDegraded, message)
}

func Unhealthy(message string) *Result {
	return newResult(StatusUnhealthy, message)
}
