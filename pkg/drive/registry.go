// Package drive provides the in-memory registry of detected drives and the
// naming rules that keep drive names unique.
//
// The registry is the single owner of Drive state. Callers receive copies and
// write changes back with Update, so a reader (e.g. the metrics endpoint)
// never observes a half-modified drive.
package drive

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/automountd/pkg/utils"
)

// Registry is the authoritative collection of known drives, keyed by device path.
type Registry struct {
	// mu protects drives and order
	mu sync.RWMutex

	// drives maps device path to drive state
	drives map[string]*Drive

	// order holds device paths in insertion order
	order []string

	// sameDevice compares two paths by node identity; injected for testing
	sameDevice func(a, b string) bool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		drives:     make(map[string]*Drive),
		sameDevice: SameDevice,
	}
}

// SetSameDeviceFunc overrides the node identity comparison for testing
func (r *Registry) SetSameDeviceFunc(fn func(a, b string) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sameDevice = fn
}

// Exists reports whether a drive is registered whose device path refers to
// the same underlying node as devicePath.
func (r *Registry) Exists(devicePath string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.existsLocked(devicePath)
}

func (r *Registry) existsLocked(devicePath string) bool {
	for _, p := range r.order {
		if r.sameDevice(p, devicePath) {
			return true
		}
	}
	return false
}

// NameTaken reports whether a registered drive holds name
func (r *Registry) NameTaken(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nameTakenLocked(name)
}

func (r *Registry) nameTakenLocked(name string) bool {
	for _, d := range r.drives {
		if d.Name == name {
			return true
		}
	}
	return false
}

// Add registers a drive. It fails if a drive for the same device node is
// already registered or if the name is held by another drive.
func (r *Registry) Add(d *Drive) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.drives[d.DevicePath]; ok || r.existsLocked(d.DevicePath) {
		return fmt.Errorf("%w: %s", utils.ErrDriveExists, d.DevicePath)
	}
	if r.nameTakenLocked(d.Name) {
		return fmt.Errorf("%w: %s", utils.ErrNameTaken, d.Name)
	}

	r.drives[d.DevicePath] = d.Copy()
	r.order = append(r.order, d.DevicePath)
	klog.V(4).Infof("Registered drive %s as %q", d.DevicePath, d.Name)
	return nil
}

// Update replaces the stored state of an already registered drive.
// Name and DevicePath are immutable; only mount state is taken from d.
func (r *Registry) Update(d *Drive) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.drives[d.DevicePath]
	if !ok {
		return fmt.Errorf("drive %s is not registered", d.DevicePath)
	}
	existing.MountPoint = d.MountPoint
	return nil
}

// Get returns a copy of the drive registered under devicePath
func (r *Registry) Get(devicePath string) (*Drive, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.drives[devicePath]
	if !ok {
		return nil, false
	}
	return d.Copy(), true
}

// All returns copies of all registered drives in insertion order
func (r *Registry) All() []*Drive {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Drive, 0, len(r.order))
	for _, p := range r.order {
		out = append(out, r.drives[p].Copy())
	}
	return out
}

// Remove drops the drive registered under devicePath.
// Removing an unknown path is a no-op.
func (r *Registry) Remove(devicePath string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.drives[devicePath]; !ok {
		return
	}
	delete(r.drives, devicePath)
	for i, p := range r.order {
		if p == devicePath {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	klog.V(4).Infof("Removed drive %s from registry", devicePath)
}

// Len returns the number of registered drives
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
