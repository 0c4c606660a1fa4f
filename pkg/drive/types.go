package drive

import "time"

// Drive represents one detected storage device and its current mount state.
type Drive struct {
	// DevicePath is the absolute path to the block device node (e.g. "/dev/sdb")
	DevicePath string

	// Name is the short unique identifier derived from DevicePath (e.g. "sdb", "sdb_1")
	Name string

	// FileSystem is the best-effort filesystem type reported by the probe.
	// Empty means unknown.
	FileSystem string

	// MountPoint is the directory the device is mounted on.
	// Empty if the device is not currently mounted.
	MountPoint string

	// DiscoveredAt is when the device node was first observed
	DiscoveredAt time.Time
}

// IsMounted reports whether the drive has a mount point
func (d *Drive) IsMounted() bool {
	return d.MountPoint != ""
}

// Copy returns a shallow copy of the drive
func (d *Drive) Copy() *Drive {
	c := *d
	return &c
}
