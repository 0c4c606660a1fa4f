package mount

import (
	"context"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/automountd/pkg/drive"
	"git.srvlab.io/whiskey/automountd/pkg/utils"
)

const (
	// DefaultMountRoot is the directory under which per-drive mount points are created
	DefaultMountRoot = "/var/run/mnt"

	mountDirPerm = 0755
)

// OpRecorder receives the outcome of mount and unmount operations;
// implemented by observability.Metrics
type OpRecorder interface {
	RecordMountOp(operation string, err error)
}

// ManagerConfig holds mount lifecycle configuration
type ManagerConfig struct {
	// Root is the directory mount points are created under (default: DefaultMountRoot)
	Root string
}

// Manager owns the mount directory of each drive: it picks a unique
// directory, mounts the device there and removes the directory on unmount.
type Manager struct {
	root         string
	mounter      Mounter
	recorder     OpRecorder
	pathExists   func(path string) bool
	deviceMounts func(ctx context.Context, devicePath string) ([]string, error)
}

// NewManager creates a mount lifecycle manager
func NewManager(config ManagerConfig, mounter Mounter) *Manager {
	if config.Root == "" {
		config.Root = DefaultMountRoot
	}
	return &Manager{
		root:         config.Root,
		mounter:      mounter,
		pathExists:   pathExists,
		deviceMounts: deviceMounts,
	}
}

// SetRecorder sets an optional recorder for mount operations
func (m *Manager) SetRecorder(r OpRecorder) {
	m.recorder = r
}

// Root returns the mount root directory
func (m *Manager) Root() string {
	return m.root
}

// EnsureRoot creates the mount root if it does not exist
func (m *Manager) EnsureRoot() error {
	if _, err := utils.SanitizeBasePath(m.root); err != nil {
		return utils.WrapError(err, "invalid mount root")
	}
	if err := os.MkdirAll(m.root, mountDirPerm); err != nil {
		return utils.WrapError(err, "failed to create mount root %s", m.root)
	}
	return nil
}

// UniqueMountPoint returns <root>/<name>, or the first of <root>/<name>_1,
// <root>/<name>_2, ... that does not exist yet. The collision space is the
// filesystem, independent of registered drive names.
func (m *Manager) UniqueMountPoint(name string) string {
	base := filepath.Join(m.root, name)
	return NextFreePath(base, m.pathExists)
}

// NextFreePath applies the drive naming suffix scheme to a path
func NextFreePath(base string, exists func(string) bool) string {
	return drive.NextFreeName(base, exists)
}

// Mount mounts the drive at a fresh directory and sets d.MountPoint.
// A drive that already has a mount point is left alone.
// On failure d.MountPoint stays empty and no directory created here is left behind.
func (m *Manager) Mount(ctx context.Context, d *drive.Drive) error {
	if d.IsMounted() {
		klog.V(4).Infof("Drive %s already mounted at %s, skipping", d.DevicePath, d.MountPoint)
		return nil
	}

	target := m.UniqueMountPoint(d.Name)
	klog.V(4).Infof("Mounting %s (name=%s, fs=%q) at %s", d.DevicePath, d.Name, d.FileSystem, target)

	if err := utils.ValidateMountPoint(target, m.root); err != nil {
		m.record("mount", err)
		return utils.NewDriveError("mkdir", d.DevicePath, utils.ErrDirectoryCreate, err)
	}

	if err := os.MkdirAll(target, mountDirPerm); err != nil {
		m.record("mount", err)
		return utils.NewDriveError("mkdir", d.DevicePath, utils.ErrDirectoryCreate, err)
	}

	if others, err := m.deviceMounts(ctx, d.DevicePath); err != nil {
		klog.V(4).Infof("Could not check existing mounts of %s: %v", d.DevicePath, err)
	} else if len(others) > 0 {
		klog.Warningf("Device %s is already mounted at %v, mounting again at %s", d.DevicePath, others, target)
	}

	if err := m.mounter.Mount(d.DevicePath, target, "", nil); err != nil {
		if rmErr := os.Remove(target); rmErr != nil && !os.IsNotExist(rmErr) {
			klog.Warningf("Failed to remove mount directory %s after failed mount: %v", target, rmErr)
		}
		m.record("mount", err)
		return utils.NewDriveError("mount", d.DevicePath, utils.ErrMountFailed, err)
	}

	d.MountPoint = target
	m.record("mount", nil)
	klog.V(2).Infof("Mounted %s at %s", d.DevicePath, target)
	return nil
}

// Unmount unmounts the drive, removes its mount directory and clears d.MountPoint.
// On failure d.MountPoint is kept so the operation can be retried.
func (m *Manager) Unmount(ctx context.Context, d *drive.Drive) error {
	if !d.IsMounted() {
		klog.V(4).Infof("Drive %s is not mounted, nothing to unmount", d.DevicePath)
		return nil
	}

	if err := m.mounter.Unmount(d.MountPoint); err != nil {
		m.record("unmount", err)
		return utils.NewDriveError("unmount", d.DevicePath, utils.ErrUnmountFailed, err)
	}

	if err := os.Remove(d.MountPoint); err != nil && !os.IsNotExist(err) {
		m.record("unmount", err)
		return utils.NewDriveError("rmdir", d.DevicePath, utils.ErrDirectoryRemove, err)
	}

	klog.V(2).Infof("Unmounted %s from %s", d.DevicePath, d.MountPoint)
	d.MountPoint = ""
	m.record("unmount", nil)
	return nil
}

func (m *Manager) record(operation string, err error) {
	if m.recorder != nil {
		m.recorder.RecordMountOp(operation, err)
	}
}

func pathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// deviceMounts lists the current mount points of devicePath
func deviceMounts(ctx context.Context, devicePath string) ([]string, error) {
	mounts, err := GetMountsWithTimeout(ctx, nil)
	if err != nil {
		return nil, err
	}
	return FindDeviceMounts(mounts, devicePath), nil
}
