package model

import (
	"sync"
	"time"
)

// DeploymentHealth tracks the health status of a deployment.
type DeploymentHealth struct {
	// Available indicates if the deployment is currently usable.
	Available bool `json:"available"`

	// LastSuccess is the time of the last successful request.
	LastSuccess time.Time `json:"last_success,omitempty"`

	// LastFailure is the time of the last failed request.
	LastFailure time.Time `json:"last_failure,omitempty"`

	// FailureCount is the number of consecutive failures.
	FailureCount int `json:"failure_count"`

	// CircuitOpen indicates if the circuit breaker has tripped.
	CircuitOpen bool `json:"circuit_open"`

	// CircuitOpenedAt is when the circuit was opened.
	CircuitOpenedAt time.Time `json:"circuit_opened_at,omitempty"`
}

// HealthConfig configures the health tracking behavior.
type HealthConfig struct {
	// FailureThreshold is the number of failures before opening the circuit.
	FailureThreshold int

	// RecoveryTimeout is how long to wait before trying a failed deployment again.
	RecoveryTimeout time.Duration
}

// DefaultHealthConfig returns sensible defaults for health tracking.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
	}
}

type healthState struct {
	mu       sync.Mutex
	config   HealthConfig
	statuses map[string]*DeploymentHealth
	now      func() time.Time
}

func newHealthState(cfg HealthConfig) *healthState {
	return &healthState{
		config:   cfg,
		statuses: make(map[string]*DeploymentHealth),
		now:      time.Now,
	}
}

// getOrCreate returns the status for a deployment. Caller holds mu.
func (h *healthState) getOrCreate(name string) *DeploymentHealth {
	if status, ok := h.statuses[name]; ok {
		return status
	}
	status := &DeploymentHealth{Available: true}
	h.statuses[name] = status
	return status
}

// MarkSuccess records a successful request and closes the circuit.
func (r *Registry) MarkSuccess(name string) {
	h := r.health
	h.mu.Lock()
	defer h.mu.Unlock()

	status := h.getOrCreate(name)
	status.LastSuccess = h.now()
	status.FailureCount = 0
	status.Available = true
	status.CircuitOpen = false
}

// MarkFailure records a failed request, opening the circuit once the
// failure threshold is reached.
func (r *Registry) MarkFailure(name string) {
	h := r.health
	h.mu.Lock()
	defer h.mu.Unlock()

	status := h.getOrCreate(name)
	status.LastFailure = h.now()
	status.FailureCount++

	if status.FailureCount >= h.config.FailureThreshold {
		status.CircuitOpen = true
		status.CircuitOpenedAt = h.now()
		status.Available = false
	}
}

// IsAvailable reports whether a deployment may receive requests. An open
// circuit allows a probe again once the recovery timeout has passed.
func (r *Registry) IsAvailable(name string) bool {
	h := r.health
	h.mu.Lock()
	defer h.mu.Unlock()

	status, ok := h.statuses[name]
	if !ok || !status.CircuitOpen {
		return true
	}
	return h.now().Sub(status.CircuitOpenedAt) > h.config.RecoveryTimeout
}

// Health returns a copy of the health status for a deployment, or nil.
func (r *Registry) Health(name string) *DeploymentHealth {
	h := r.health
	h.mu.Lock()
	defer h.mu.Unlock()

	if status, ok := h.statuses[name]; ok {
		cp := *status
		return &cp
	}
	return nil
}

// SetHealthConfig updates the health tracking configuration.
func (r *Registry) SetHealthConfig(cfg HealthConfig) {
	h := r.health
	h.mu.Lock()
	defer h.mu.Unlock()
	h.config = cfg
}

// ResetHealth clears the health status for a deployment.
func (r *Registry) ResetHealth(name string) {
	h := r.health
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.statuses, name)
}
