package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeManager adds Kubernetes-style liveness, readiness and startup
// probes to a Manager.
type ProbeManager struct {
	*Manager

	version     string
	startTime   time.Time
	initialized atomic.Bool
	inShutdown  atomic.Bool

	mu        sync.RWMutex
	connected func() []string
}

// NewProbeManager creates a probe manager reporting version.
func NewProbeManager(version string) *ProbeManager {
	return &ProbeManager{
		Manager:   NewManager(),
		version:   version,
		startTime: time.Now(),
	}
}

// MarkInitialized lets the startup probe pass.
func (pm *ProbeManager) MarkInitialized() { pm.initialized.Store(true) }

// MarkShutdown fails readiness so load balancers stop routing new clients.
func (pm *ProbeManager) MarkShutdown() { pm.inShutdown.Store(true) }

func (pm *ProbeManager) IsInitialized() bool  { return pm.initialized.Load() }
func (pm *ProbeManager) IsShuttingDown() bool { return pm.inShutdown.Load() }

// Uptime is the time since the manager was created.
func (pm *ProbeManager) Uptime() time.Duration { return time.Since(pm.startTime) }

// SetConnected installs the source of connected provider ids reported by
// readiness.
func (pm *ProbeManager) SetConnected(fn func() []string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.connected = fn
}

// ProbeResult is the JSON body of a probe endpoint.
type ProbeResult struct {
	Status    Status             `json:"status"`
	Version   string             `json:"version,omitempty"`
	Uptime    string             `json:"uptime,omitempty"`
	Checks    map[string]*Result `json:"checks,omitempty"`
	Connected []string           `json:"connected_providers,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

func (pm *ProbeManager) result(status Status) *ProbeResult {
	return &ProbeResult{
		Status:    status,
		Version:   pm.version,
		Uptime:    pm.Uptime().Round(time.Second).String(),
		Timestamp: time.Now(),
	}
}

// CheckLiveness reports the process as alive. It runs no dependency checks
// and degrades during shutdown.
func (pm *ProbeManager) CheckLiveness(context.Context) *ProbeResult {
	if pm.IsShuttingDown() {
		return pm.result(StatusDegraded)
	}
	return pm.result(StatusHealthy)
}

// CheckReadiness runs every dependency check. It is unhealthy immediately
// once shutdown has begun.
func (pm *ProbeManager) CheckReadiness(ctx context.Context) *ProbeResult {
	if pm.IsShuttingDown() {
		return pm.result(StatusUnhealthy)
	}

	checks := pm.Check(ctx)
	res := pm.result(Overall(checks))
	res.Checks = checks

	pm.mu.RLock()
	connected := pm.connected
	pm.mu.RUnlock()
	if connected != nil {
		res.Connected = connected()
	}
	return res
}

// CheckStartup passes once MarkInitialized has been called.
func (pm *ProbeManager) CheckStartup(context.Context) *ProbeResult {
	if pm.IsInitialized() {
		return pm.result(StatusHealthy)
	}
	return pm.result(StatusUnhealthy)
}
