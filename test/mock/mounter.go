package mock

import (
	"fmt"
	"sync"

	"git.srvlab.io/whiskey/automountd/pkg/mount"
)

// MockMounter is a mock implementation of mount.Mounter for testing
type MockMounter struct {
	mu sync.RWMutex

	// Mounted filesystems: target path -> source device
	mounted map[string]string

	// Error injection
	mountErr   error
	unmountErr error

	// Call tracking
	mountCalls   []MountCall
	unmountCalls []string
}

// MountCall tracks a Mount operation
type MountCall struct {
	Source  string
	Target  string
	FSType  string
	Options []string
}

var _ mount.Mounter = (*MockMounter)(nil)

// NewMockMounter creates a new mock mounter
func NewMockMounter() *MockMounter {
	return &MockMounter{
		mounted: make(map[string]string),
	}
}

// Mount implements mount.Mounter. Like mount(8), the target must already exist;
// the mock does not check that so tests can use arbitrary paths.
func (m *MockMounter) Mount(source, target, fsType string, options []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Track call
	m.mountCalls = append(m.mountCalls, MountCall{
		Source:  source,
		Target:  target,
		FSType:  fsType,
		Options: options,
	})

	// Check for error injection
	if m.mountErr != nil {
		return m.mountErr
	}

	// Record mount
	m.mounted[target] = source

	return nil
}

// Unmount implements mount.Mounter
func (m *MockMounter) Unmount(target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Track call
	m.unmountCalls = append(m.unmountCalls, target)

	// Check for error injection
	if m.unmountErr != nil {
		return m.unmountErr
	}

	// Remove from mounted map
	delete(m.mounted, target)

	return nil
}

// IsLikelyMountPoint implements mount.Mounter
func (m *MockMounter) IsLikelyMountPoint(path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, mounted := m.mounted[path]
	return mounted, nil
}

// Test helper methods

// SetMountError sets an error to return on Mount operations
func (m *MockMounter) SetMountError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mountErr = err
}

// SetUnmountError sets an error to return on Unmount operations
func (m *MockMounter) SetUnmountError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unmountErr = err
}

// ClearErrors clears all error injection
func (m *MockMounter) ClearErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearErrorsLocked()
}

func (m *MockMounter) clearErrorsLocked() {
	m.mountErr = nil
	m.unmountErr = nil
}

// GetMountCalls returns the history of Mount calls
func (m *MockMounter) GetMountCalls() []MountCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	calls := make([]MountCall, len(m.mountCalls))
	copy(calls, m.mountCalls)
	return calls
}

// GetUnmountCalls returns the history of Unmount calls
func (m *MockMounter) GetUnmountCalls() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	calls := make([]string, len(m.unmountCalls))
	copy(calls, m.unmountCalls)
	return calls
}

// IsMounted checks if a path is currently mounted
func (m *MockMounter) IsMounted(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, mounted := m.mounted[path]
	return mounted
}

// MountedCount returns the number of active mounts
func (m *MockMounter) MountedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.mounted)
}

// GetMountDevice returns the source device for a mounted path.
// Used as the mount device lookup of mount.StaleMountChecker in tests.
func (m *MockMounter) GetMountDevice(path string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	device, mounted := m.mounted[path]
	if !mounted {
		return "", fmt.Errorf("path %s is not mounted", path)
	}
	return device, nil
}

// Reset clears all state for test isolation
func (m *MockMounter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mounted = make(map[string]string)
	m.mountCalls = nil
	m.unmountCalls = nil
	m.clearErrorsLocked()
}
