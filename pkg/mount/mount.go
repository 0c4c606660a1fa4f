package mount

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/moby/sys/mountinfo"
	"k8s.io/klog/v2"
)

// Mounter handles filesystem operations
type Mounter interface {
	// Mount mounts source to target with the given fsType and options.
	// An empty fsType lets mount(8) detect the filesystem.
	Mount(source, target, fsType string, options []string) error

	// Unmount unmounts the target. Unmounting a path that is not a mount point is a no-op.
	Unmount(target string) error

	// IsLikelyMountPoint checks if a path is a mount point
	IsLikelyMountPoint(path string) (bool, error)
}

// mounter implements Mounter interface using system commands
type mounter struct {
	execCommand func(name string, args ...string) *exec.Cmd
	mounted     func(path string) (bool, error)
}

// NewMounter creates a new filesystem mounter
func NewMounter() Mounter {
	return &mounter{
		execCommand: exec.Command,
		mounted:     mountinfo.Mounted,
	}
}

// Mount mounts source to target with the given filesystem type and options.
// The target directory must already exist.
func (m *mounter) Mount(source, target, fsType string, options []string) error {
	klog.V(4).Infof("Mounting %s to %s (fsType: %q, options: %v)", source, target, fsType, options)

	args := []string{}

	if fsType != "" {
		args = append(args, "-t", fsType)
	}

	if len(options) > 0 {
		args = append(args, "-o", strings.Join(options, ","))
	}

	args = append(args, source, target)

	cmd := m.execCommand("mount", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("mount failed: %w, output: %s", err, strings.TrimSpace(string(output)))
	}

	klog.V(5).Infof("mount output: %s", string(output))
	return nil
}

// Unmount unmounts the target path
func (m *mounter) Unmount(target string) error {
	klog.V(4).Infof("Unmounting %s", target)

	mounted, err := m.IsLikelyMountPoint(target)
	if err != nil {
		return fmt.Errorf("failed to check if mounted: %w", err)
	}

	if !mounted {
		klog.V(4).Infof("Path %s is not mounted, nothing to unmount", target)
		return nil
	}

	cmd := m.execCommand("umount", target)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("umount failed: %w, output: %s", err, strings.TrimSpace(string(output)))
	}

	klog.V(5).Infof("umount output: %s", string(output))
	return nil
}

// IsLikelyMountPoint checks if a path is a mount point
func (m *mounter) IsLikelyMountPoint(path string) (bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}

	mounted, err := m.mounted(path)
	if err != nil {
		klog.V(5).Infof("mountinfo lookup for %s failed: %v", path, err)
		return false, err
	}
	return mounted, nil
}
