package mock

import (
	"context"
	"sync"

	"git.srvlab.io/whiskey/automountd/pkg/probe"
)

// MockProber is a mock implementation of probe.Prober for testing
type MockProber struct {
	mu sync.RWMutex

	// Filesystem types: device path -> type label
	types map[string]string

	// Devices whose probe panics
	panics map[string]bool

	calls []string
}

var _ probe.Prober = (*MockProber)(nil)

// NewMockProber creates a new mock prober. Unknown devices probe as "".
func NewMockProber() *MockProber {
	return &MockProber{
		types:  make(map[string]string),
		panics: make(map[string]bool),
	}
}

// Probe implements probe.Prober
func (p *MockProber) Probe(ctx context.Context, devicePath string) string {
	p.mu.Lock()
	p.calls = append(p.calls, devicePath)
	fsType := p.types[devicePath]
	shouldPanic := p.panics[devicePath]
	p.mu.Unlock()

	if shouldPanic {
		panic("mock probe panic for " + devicePath)
	}
	return fsType
}

// SetFileSystem sets the type label reported for a device
func (p *MockProber) SetFileSystem(devicePath, fsType string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types[devicePath] = fsType
}

// SetPanic makes probing devicePath panic
func (p *MockProber) SetPanic(devicePath string, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.panics[devicePath] = enabled
}

// GetCalls returns the history of probed devices
func (p *MockProber) GetCalls() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	calls := make([]string, len(p.calls))
	copy(calls, p.calls)
	return calls
}
