package mount

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/moby/sys/mountinfo"
	"k8s.io/klog/v2"
)

const (
	// ProcmountsTimeout is the maximum time to wait for /proc/self/mountinfo parsing
	ProcmountsTimeout = 10 * time.Second
)

// MountInfo represents a single mount point entry from /proc/self/mountinfo
type MountInfo struct {
	// Source is the device or source path
	Source string

	// Target is the mount point path
	Target string

	// FSType is the filesystem type
	FSType string

	// Options are the mount options
	Options string
}

// GetMountsWithTimeout parses mount information with a timeout so a wedged
// filesystem cannot hang the detection loop. filter may be nil.
func GetMountsWithTimeout(ctx context.Context, filter mountinfo.FilterFunc) ([]*mountinfo.Info, error) {
	ctx, cancel := context.WithTimeout(ctx, ProcmountsTimeout)
	defer cancel()

	type result struct {
		mounts []*mountinfo.Info
		err    error
	}
	resultCh := make(chan result, 1)

	go func() {
		mounts, err := mountinfo.GetMounts(filter)
		resultCh <- result{mounts: mounts, err: err}
	}()

	select {
	case res := <-resultCh:
		return res.mounts, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("procmounts parsing timed out after %v: %w", ProcmountsTimeout, ctx.Err())
	}
}

// GetMountDevice returns the source device for a given mount path.
// Returns an error if the mount point is not found.
func GetMountDevice(mountPath string) (string, error) {
	info, err := GetMountInfo(mountPath)
	if err != nil {
		return "", err
	}
	return info.Source, nil
}

// GetMountInfo returns the full MountInfo for a given mount path.
// If the path is mounted more than once the topmost entry wins.
// Symlinks in mountPath are resolved first: the kernel records resolved
// paths, e.g. /run/mnt/sdb for /var/run/mnt/sdb.
func GetMountInfo(mountPath string) (*MountInfo, error) {
	mounts, err := GetMountsWithTimeout(context.Background(), mountinfo.SingleEntryFilter(resolveMountPath(mountPath)))
	if err != nil {
		return nil, fmt.Errorf("failed to get mounts: %w", err)
	}
	if len(mounts) == 0 {
		return nil, fmt.Errorf("mount point not found: %s", mountPath)
	}

	info := ConvertMobyMount(mounts[len(mounts)-1])
	klog.V(5).Infof("Found mount info for %s: source=%s, fstype=%s, options=%s",
		mountPath, info.Source, info.FSType, info.Options)
	return &info, nil
}

// FindDeviceMounts returns the mount points that use devicePath as their source
func FindDeviceMounts(mounts []*mountinfo.Info, devicePath string) []string {
	var targets []string
	for _, m := range mounts {
		if m.Source == devicePath {
			targets = append(targets, m.Mountpoint)
		}
	}
	return targets
}

// ConvertMobyMount converts moby/sys/mountinfo.Info to our MountInfo type
func ConvertMobyMount(m *mountinfo.Info) MountInfo {
	return MountInfo{
		Source:  m.Source,
		Target:  m.Mountpoint,
		FSType:  m.FSType,
		Options: m.Options,
	}
}

// resolveMountPath returns mountPath with symlinks resolved, or the cleaned
// path if it cannot be resolved
func resolveMountPath(mountPath string) string {
	resolved, err := filepath.EvalSymlinks(mountPath)
	if err != nil {
		return filepath.Clean(mountPath)
	}
	return resolved
}
