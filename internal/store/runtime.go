package store

import "sync"

// Runtime holds per-account in-memory state. It is created lazily on first
// reference, removed when the account is deleted, and never persisted; all
// accounts start closed and idle after a restart.
type Runtime struct {
	mu                  sync.Mutex
	inflight            int
	circuitUntilMs      int64
	authCooldownUntilMs int64
	consecutiveFailures int
	lastError           string
}

// Snapshot is a point-in-time copy of runtime state for display.
type Snapshot struct {
	Inflight            int    `json:"inflight"`
	CircuitUntilMs      int64  `json:"circuitUntilMs"`
	AuthCooldownUntilMs int64  `json:"authSecurityCooldownUntilMs"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	LastError           string `json:"lastError,omitempty"`
}

// Snapshot returns a copy of the current state.
func (r *Runtime) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		Inflight:            r.inflight,
		CircuitUntilMs:      r.circuitUntilMs,
		AuthCooldownUntilMs: r.authCooldownUntilMs,
		ConsecutiveFailures: r.consecutiveFailures,
		LastError:           r.lastError,
	}
}

// TryAcquire reserves an inflight slot if fewer than max are in use.
func (r *Runtime) TryAcquire(max int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight >= max {
		return false
	}
	r.inflight++
	return true
}

// Release returns a previously acquired slot. The counter never drops below
// zero even if a caller releases twice by mistake.
func (r *Runtime) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight > 0 {
		r.inflight--
	}
}

// Inflight returns the current reservation count.
func (r *Runtime) Inflight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight
}

// CircuitOpen reports whether the account is inside its circuit-break window.
func (r *Runtime) CircuitOpen(nowMs int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.circuitUntilMs > nowMs
}

// InAuthCooldown reports whether security-token refreshes are blocked.
// The cooldown never blocks account selection.
func (r *Runtime) InAuthCooldown(nowMs int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.authCooldownUntilMs > nowMs
}

// SetAuthCooldown arms the security-refresh cooldown.
func (r *Runtime) SetAuthCooldown(untilMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.authCooldownUntilMs = untilMs
}

// ClearAuthCooldown disarms the security-refresh cooldown.
func (r *Runtime) ClearAuthCooldown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.authCooldownUntilMs = 0
}

// RecordFailure increments the consecutive-failure count, records the reason
// and returns the new count. The circuit window is armed separately via
// OpenCircuit once the backoff for that count is known.
func (r *Runtime) RecordFailure(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveFailures++
	r.lastError = reason
	return r.consecutiveFailures
}

// OpenCircuit blocks selection until untilMs. An already-armed longer window
// is never shortened.
func (r *Runtime) OpenCircuit(untilMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if untilMs > r.circuitUntilMs {
		r.circuitUntilMs = untilMs
	}
}

// Failures returns the consecutive-failure count.
func (r *Runtime) Failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consecutiveFailures
}

// Reset clears failure state after a success.
func (r *Runtime) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveFailures = 0
	r.lastError = ""
	r.circuitUntilMs = 0
}
