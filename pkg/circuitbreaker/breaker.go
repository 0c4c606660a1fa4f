// Package circuitbreaker stops the detection loop from retrying a device whose
// mounts keep failing on every cycle.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/automountd/pkg/utils"
)

const (
	// DefaultConsecutiveFailures is the number of failures before circuit opens
	DefaultConsecutiveFailures = 3

	// DefaultTimeout is how long circuit stays open before allowing a retry
	DefaultTimeout = 30 * time.Second

	// DefaultInterval is the cyclic period of closed state to clear failure counts
	DefaultInterval = 5 * time.Minute
)

// Settings tunes the per-device breakers
type Settings struct {
	ConsecutiveFailures uint32
	Timeout             time.Duration
	Interval            time.Duration
}

// DefaultSettings returns the settings used by the daemon
func DefaultSettings() Settings {
	return Settings{
		ConsecutiveFailures: DefaultConsecutiveFailures,
		Timeout:             DefaultTimeout,
		Interval:            DefaultInterval,
	}
}

// DeviceCircuitBreaker manages per-device circuit breakers keyed by device path
type DeviceCircuitBreaker struct {
	settings Settings
	breakers map[string]*gobreaker.CircuitBreaker
	mu       sync.RWMutex
}

// NewDeviceCircuitBreaker creates a new per-device circuit breaker manager
func NewDeviceCircuitBreaker() *DeviceCircuitBreaker {
	return NewDeviceCircuitBreakerWithSettings(DefaultSettings())
}

// NewDeviceCircuitBreakerWithSettings creates a breaker manager with custom settings
func NewDeviceCircuitBreakerWithSettings(s Settings) *DeviceCircuitBreaker {
	return &DeviceCircuitBreaker{
		settings: s,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// getBreaker returns or creates a circuit breaker for the given device
func (dcb *DeviceCircuitBreaker) getBreaker(devicePath string) *gobreaker.CircuitBreaker {
	dcb.mu.RLock()
	cb, exists := dcb.breakers[devicePath]
	dcb.mu.RUnlock()

	if exists {
		return cb
	}

	dcb.mu.Lock()
	defer dcb.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists := dcb.breakers[devicePath]; exists {
		return cb
	}

	threshold := dcb.settings.ConsecutiveFailures
	settings := gobreaker.Settings{
		Name:        devicePath,
		MaxRequests: 1, // Only 1 request allowed in half-open state
		Interval:    dcb.settings.Interval,
		Timeout:     dcb.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			klog.Infof("Circuit breaker for device %s: %s -> %s", name, from, to)
		},
	}

	cb = gobreaker.NewCircuitBreaker(settings)
	dcb.breakers[devicePath] = cb
	klog.V(4).Infof("Created circuit breaker for device %s", devicePath)
	return cb
}

// Execute runs fn with circuit breaker protection.
// Returns an error wrapping utils.ErrCircuitOpen if fn was not run.
func (dcb *DeviceCircuitBreaker) Execute(devicePath string, fn func() error) error {
	cb := dcb.getBreaker(devicePath)

	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})

	if errors.Is(err, gobreaker.ErrOpenState) {
		return fmt.Errorf("%w: device %s failed to mount %d times in a row, retrying after %s",
			utils.ErrCircuitOpen, devicePath, dcb.settings.ConsecutiveFailures, dcb.settings.Timeout)
	}

	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: device %s is half-open with a mount in progress",
			utils.ErrCircuitOpen, devicePath)
	}

	return err
}

// Allow reports whether a mount of devicePath may be attempted now
func (dcb *DeviceCircuitBreaker) Allow(devicePath string) bool {
	dcb.mu.RLock()
	cb, exists := dcb.breakers[devicePath]
	dcb.mu.RUnlock()

	if !exists {
		return true
	}
	return cb.State() != gobreaker.StateOpen
}

// Reset forgets the breaker of a device, e.g. once it has been unplugged
func (dcb *DeviceCircuitBreaker) Reset(devicePath string) bool {
	dcb.mu.Lock()
	defer dcb.mu.Unlock()

	if _, exists := dcb.breakers[devicePath]; exists {
		delete(dcb.breakers, devicePath)
		klog.V(4).Infof("Circuit breaker reset for device %s", devicePath)
		return true
	}
	return false
}

// Retain drops the breakers of devices for which present returns false and
// returns how many were dropped
func (dcb *DeviceCircuitBreaker) Retain(present func(devicePath string) bool) int {
	dcb.mu.Lock()
	defer dcb.mu.Unlock()

	dropped := 0
	for devicePath := range dcb.breakers {
		if !present(devicePath) {
			delete(dcb.breakers, devicePath)
			dropped++
			klog.V(4).Infof("Circuit breaker dropped for removed device %s", devicePath)
		}
	}
	return dropped
}

// State returns the current state of the circuit breaker for a device.
// Returns "closed" if no breaker exists (default safe state).
func (dcb *DeviceCircuitBreaker) State(devicePath string) string {
	dcb.mu.RLock()
	cb, exists := dcb.breakers[devicePath]
	dcb.mu.RUnlock()

	if !exists {
		return "closed"
	}

	return cb.State().String()
}
