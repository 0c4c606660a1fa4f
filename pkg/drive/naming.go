package drive

import (
	"fmt"
	"path/filepath"
)

// NextFreeName returns base if taken(base) is false, otherwise the first of
// base_1, base_2, ... for which taken returns false. taken is consulted on
// every call so the caller decides the collision space.
func NextFreeName(base string, taken func(string) bool) string {
	if !taken(base) {
		return base
	}
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d", base, i)
		if !taken(candidate) {
			return candidate
		}
	}
}

// UniqueName derives a name for devicePath from its last path segment that no
// drive in the registry currently holds.
func UniqueName(devicePath string, registry *Registry) string {
	return NextFreeName(filepath.Base(devicePath), registry.NameTaken)
}
