package mount

import (
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/automountd/pkg/drive"
)

// StaleReason describes why a drive's mount no longer reflects reality
type StaleReason string

const (
	StaleReasonNotStale          StaleReason = ""
	StaleReasonDeviceDisappeared StaleReason = "device_disappeared"
	StaleReasonMountNotFound     StaleReason = "mount_not_found"
	StaleReasonDeviceMismatch    StaleReason = "device_path_mismatch"
)

// IsDisconnect reports whether the reason means the device is gone
func (r StaleReason) IsDisconnect() bool {
	return r == StaleReasonDeviceDisappeared
}

// StaleMountChecker decides whether a registered drive's device is still attached
// and whether its mount is still in place
type StaleMountChecker struct {
	getMountDev func(path string) (string, error) // Injected for testing
	statDevice  func(path string) (os.FileInfo, error)
}

// NewStaleMountChecker creates a new stale mount checker
func NewStaleMountChecker() *StaleMountChecker {
	return &StaleMountChecker{
		getMountDev: GetMountDevice,
		statDevice:  os.Stat,
	}
}

// SetMountDeviceFunc allows overriding the mount device lookup function for testing
func (c *StaleMountChecker) SetMountDeviceFunc(fn func(path string) (string, error)) {
	c.getMountDev = fn
}

// Check classifies a drive.
//
// The device path, not the mount point, decides disconnection: a drive
// with no mount point can still be checked, and a device unmounted behind our
// back is still attached. Mount table problems are reported but never mean
// disconnection.
func (c *StaleMountChecker) Check(d *drive.Drive) (StaleReason, error) {
	if _, err := c.statDevice(d.DevicePath); err != nil {
		if os.IsNotExist(err) {
			klog.V(4).Infof("Device node %s no longer exists", d.DevicePath)
			return StaleReasonDeviceDisappeared, nil
		}
		// Permission problems and the like: assume still present
		return StaleReasonNotStale, fmt.Errorf("failed to stat device %s: %w", d.DevicePath, err)
	}

	if !d.IsMounted() {
		return StaleReasonNotStale, nil
	}

	mountDevice, err := c.getMountDev(d.MountPoint)
	if err != nil {
		klog.V(4).Infof("Mount %s not found in mountinfo: %v", d.MountPoint, err)
		return StaleReasonMountNotFound, nil
	}

	if !sameResolved(mountDevice, d.DevicePath) {
		klog.V(4).Infof("Mount %s is backed by %s, expected %s", d.MountPoint, mountDevice, d.DevicePath)
		return StaleReasonDeviceMismatch, nil
	}

	return StaleReasonNotStale, nil
}

// sameResolved compares two device paths after resolving symlinks
func sameResolved(a, b string) bool {
	if a == b {
		return true
	}
	ra, err := filepath.EvalSymlinks(a)
	if err != nil {
		return false
	}
	rb, err := filepath.EvalSymlinks(b)
	if err != nil {
		return false
	}
	return ra == rb
}
