package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds each check.
const DefaultTimeout = 5 * time.Second

// Manager runs registered checkers in parallel and aggregates their results.
type Manager struct {
	mu       sync.RWMutex
	checkers []Checker
	timeout  time.Duration
}

// NewManager creates a manager with DefaultTimeout.
func NewManager() *Manager {
	return &Manager{timeout: DefaultTimeout}
}

// WithTimeout sets the per-check timeout and returns m.
func (m *Manager) WithTimeout(timeout time.Duration) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = timeout
	return m
}

// AddChecker registers a checker.
func (m *Manager) AddChecker(checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, checker)
}

// Names returns the registered checker names in registration order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, len(m.checkers))
	for i, c := range m.checkers {
		names[i] = c.Name()
	}
	return names
}

// Check runs every checker and returns results keyed by name. A checker
// that overruns the timeout is reported unhealthy.
func (m *Manager) Check(ctx context.Context) map[string]*Result {
	m.mu.RLock()
	checkers := append([]Checker(nil), m.checkers...)
	timeout := m.timeout
	m.mu.RUnlock()

	var mu sync.Mutex
	results := make(map[string]*Result, len(checkers))

	var g errgroup.Group
	for _, c := range checkers {
		c := c
		g.Go(func() error {
			result := run(ctx, c, timeout)
			mu.Lock()
			results[c.Name()] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func run(ctx context.Context, c Checker, timeout time.Duration) *Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan *Result, 1)
	go func() { done <- c.Check(ctx) }()

	var result *Result
	select {
	case result = <-done:
	case <-ctx.Done():
		result = Unhealthy("check timed out").WithDetail("error", ctx.Err().Error())
	}
	if result == nil {
		result = Unhealthy("check returned no result")
	}
	if result.Latency == 0 {
		result.Latency = time.Since(start)
	}
	return result
}

// Overall folds results into the most severe status. No results is healthy.
func Overall(results map[string]*Result) Status {
	status := StatusHealthy
	for _, r := range results {
		if r.Status.worse(status) {
			status = r.Status
		}
	}
	return status
}
