package utils

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"
)

// Sentinel errors for common conditions.
// Use errors.Is() to check for these rather than string matching.
var (
	// ErrProbeFailed indicates the filesystem type query failed
	ErrProbeFailed = errors.New("filesystem probe failed")

	// ErrMountFailed indicates a mount operation failed
	ErrMountFailed = errors.New("mount failed")

	// ErrUnmountFailed indicates an unmount operation failed
	ErrUnmountFailed = errors.New("unmount failed")

	// ErrDirectoryCreate indicates the mount directory could not be created
	ErrDirectoryCreate = errors.New("mount directory creation failed")

	// ErrDirectoryRemove indicates the mount directory could not be removed
	ErrDirectoryRemove = errors.New("mount directory removal failed")

	// ErrEnumeration indicates the device directory could not be listed
	ErrEnumeration = errors.New("device enumeration failed")

	// ErrDriveExists indicates a drive for the same device node is already registered
	ErrDriveExists = errors.New("drive already registered")

	// ErrNameTaken indicates a registered drive already holds the name
	ErrNameTaken = errors.New("drive name already taken")

	// ErrCircuitOpen indicates the device is temporarily skipped after repeated failures
	ErrCircuitOpen = errors.New("device circuit breaker open")
)

// DriveError ties a failed drive operation to the device it was performed on.
// It unwraps to both the sentinel describing the failure kind and the cause.
type DriveError struct {
	// Op is the operation that failed (mount, unmount, mkdir, rmdir)
	Op string

	// DevicePath is the device node the operation was for
	DevicePath string

	// Kind is one of the sentinel errors above
	Kind error

	// Err is the underlying cause, may be nil
	Err error
}

// Error implements the error interface
func (e *DriveError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.DevicePath, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.DevicePath, e.Kind, e.Err)
}

// Unwrap returns the sentinel and the cause for errors.Is/errors.As
func (e *DriveError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewDriveError creates a DriveError
func NewDriveError(op, devicePath string, kind, err error) *DriveError {
	return &DriveError{
		Op:         op,
		DevicePath: devicePath,
		Kind:       kind,
		Err:        err,
	}
}

// WrapError adds context to an error while preserving the chain.
// Returns nil if err is nil.
func WrapError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// LogErrorDetails logs an error with the operation and device it belongs to,
// falling back to a plain message for other errors.
func LogErrorDetails(err error) {
	if err == nil {
		return
	}
	var de *DriveError
	if errors.As(err, &de) {
		klog.Errorf("Drive operation failed: op=%s device=%s kind=%q cause=%v",
			de.Op, de.DevicePath, de.Kind, de.Err)
		return
	}
	klog.Errorf("Error: %v", err)
}
