package drive

import (
	"golang.org/x/sys/unix"
)

// nodeID identifies the object a path refers to after following symlinks
type nodeID struct {
	device bool
	rdev   uint64
	dev    uint64
	ino    uint64
}

// statNode resolves path to its node identity
func statNode(path string) (nodeID, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return nodeID{}, err
	}
	mode := uint32(st.Mode) & unix.S_IFMT
	return nodeID{
		device: mode == unix.S_IFBLK || mode == unix.S_IFCHR,
		rdev:   uint64(st.Rdev),
		dev:    uint64(st.Dev),
		ino:    uint64(st.Ino),
	}, nil
}

// same reports whether two identities refer to the same underlying device.
// Device nodes match on major:minor so two distinct nodes for one disk are
// the same drive; anything else matches on inode.
func (a nodeID) same(b nodeID) bool {
	if a.device && b.device {
		return a.rdev == b.rdev
	}
	return a.device == b.device && a.dev == b.dev && a.ino == b.ino
}

// SameDevice reports whether the two paths refer to the same device node.
// Returns false if either path cannot be resolved.
func SameDevice(a, b string) bool {
	ida, err := statNode(a)
	if err != nil {
		return false
	}
	idb, err := statNode(b)
	if err != nil {
		return false
	}
	return ida.same(idb)
}
