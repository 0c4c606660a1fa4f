// Package detector implements the polling loop that registers, mounts and
// tears down drives as their device nodes appear and disappear.
//
// Each cycle runs two phases on the calling goroutine:
//
//   - discovery: list the device directory, register every unseen device
//     matching a prefix and mount it
//   - disconnection: unmount and forget every registered drive whose device
//     node is gone
//
// Devices are handled one at a time; a panic while handling one device is
// recovered and the cycle moves on to the next.
package detector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/automountd/pkg/circuitbreaker"
	"git.srvlab.io/whiskey/automountd/pkg/drive"
	"git.srvlab.io/whiskey/automountd/pkg/events"
	"git.srvlab.io/whiskey/automountd/pkg/mount"
	"git.srvlab.io/whiskey/automountd/pkg/probe"
	"git.srvlab.io/whiskey/automountd/pkg/sysfs"
	"git.srvlab.io/whiskey/automountd/pkg/utils"
)

const (
	// DefaultDeviceDir is the directory scanned for device nodes
	DefaultDeviceDir = "/dev"

	// DefaultInterval is the pause between the end of one cycle and the start of the next
	DefaultInterval = 1 * time.Second
)

// DefaultPrefixes are the device name prefixes considered drives
var DefaultPrefixes = []string{"sd", "nvme"}

// Recorder receives per-cycle measurements; implemented by observability.Metrics
type Recorder interface {
	RecordCycle(err error, duration time.Duration)
	RecordDisconnect()
	RecordStaleMount(reason string)
}

// Config contains configuration for the detector
type Config struct {
	// Registry holds the drives known to the daemon
	Registry *drive.Registry

	// Prober reports filesystem types of new devices
	Prober probe.Prober

	// Manager mounts and unmounts drives
	Manager *mount.Manager

	// Checker classifies registered drives (default: mount.NewStaleMountChecker())
	Checker *mount.StaleMountChecker

	// Breaker limits mount retries of failing devices (default: circuitbreaker.NewDeviceCircuitBreaker())
	Breaker *circuitbreaker.DeviceCircuitBreaker

	// Sysfs describes new devices in discovery events (default: sysfs.NewScanner())
	Sysfs *sysfs.Scanner

	// Events receives lifecycle events (default: events.NewLogger(nil))
	Events *events.Logger

	// Metrics is optional
	Metrics Recorder

	// DeviceDir is the directory scanned for device nodes (default: DefaultDeviceDir)
	DeviceDir string

	// Prefixes selects device names to manage (default: DefaultPrefixes)
	Prefixes []string

	// Interval between cycles (default: DefaultInterval)
	Interval time.Duration
}

// CycleResult summarizes one detection cycle
type CycleResult struct {
	CycleID string

	// Mounted lists devices registered and mounted in this cycle
	Mounted []string

	// MountFailed lists devices whose mount failed; they are not registered
	MountFailed []string

	// Skipped lists devices passed over because their circuit breaker is open
	Skipped []string

	// Removed lists drives unmounted and dropped after their device disappeared
	Removed []string

	// UnmountFailed lists disconnected drives kept for a retry next cycle
	UnmountFailed []string

	// Stale lists present drives whose mount no longer matches the mount table
	Stale []string

	// Recovered lists devices whose handling panicked
	Recovered []string

	// EnumerationErr is set when the device directory could not be listed;
	// discovery was skipped for the cycle
	EnumerationErr error

	Duration time.Duration
}

// Detector runs detection cycles
type Detector struct {
	config Config

	// pendingUnmount holds disconnected drives whose unmount has not succeeded yet
	pendingUnmount map[string]bool
	// stale holds the last reported stale reason of each drive
	stale map[string]mount.StaleReason

	readDir    func(name string) ([]os.DirEntry, error)
	newCycleID func() string
	now        func() time.Time
}

// NewDetector creates a new detector
func NewDetector(config Config) (*Detector, error) {
	// Validate config
	if config.Registry == nil {
		return nil, fmt.Errorf("Registry is required")
	}
	if config.Prober == nil {
		return nil, fmt.Errorf("Prober is required")
	}
	if config.Manager == nil {
		return nil, fmt.Errorf("Manager is required")
	}

	// Set defaults
	if config.Checker == nil {
		config.Checker = mount.NewStaleMountChecker()
	}
	if config.Breaker == nil {
		config.Breaker = circuitbreaker.NewDeviceCircuitBreaker()
	}
	if config.Sysfs == nil {
		config.Sysfs = sysfs.NewScanner()
	}
	if config.Events == nil {
		config.Events = events.NewLogger(nil)
	}
	if config.DeviceDir == "" {
		config.DeviceDir = DefaultDeviceDir
	}
	if len(config.Prefixes) == 0 {
		config.Prefixes = DefaultPrefixes
	}
	if config.Interval == 0 {
		config.Interval = DefaultInterval
	}

	return &Detector{
		config:         config,
		pendingUnmount: make(map[string]bool),
		stale:          make(map[string]mount.StaleReason),
		readDir:        os.ReadDir,
		newCycleID:     shortCycleID,
		now:            time.Now,
	}, nil
}

// Run runs a cycle immediately and then one every Interval after the previous
// cycle completed, until ctx is cancelled. Cancellation is observed between
// cycles only: a running cycle always completes.
func (d *Detector) Run(ctx context.Context) {
	klog.Infof("Starting detection loop (device_dir=%s, prefixes=%v, mount_root=%s, interval=%v)",
		d.config.DeviceDir, d.config.Prefixes, d.config.Manager.Root(), d.config.Interval)

	cycleCtx := context.WithoutCancel(ctx)
	wait.UntilWithContext(ctx, func(context.Context) {
		d.RunCycle(cycleCtx)
	}, d.config.Interval)

	klog.Info("Detection loop stopped")
}

// RunCycle performs one discovery phase followed by one disconnection phase
func (d *Detector) RunCycle(ctx context.Context) CycleResult {
	start := d.now()
	result := CycleResult{CycleID: d.newCycleID()}
	klog.V(4).Infof("[%s] Starting detection cycle", result.CycleID)

	devices, err := d.listDevices()
	if err != nil {
		result.EnumerationErr = err
		klog.Errorf("[%s] Skipping discovery: %v", result.CycleID, err)
		d.config.Events.LogEnumerationFailed(result.CycleID, d.config.DeviceDir, err)
	} else {
		d.discover(ctx, devices, &result)
	}

	d.disconnect(ctx, &result)

	result.Duration = d.now().Sub(start)
	if d.config.Metrics != nil {
		d.config.Metrics.RecordCycle(result.EnumerationErr, result.Duration)
	}

	if len(result.Mounted)+len(result.MountFailed)+len(result.Removed)+len(result.UnmountFailed) > 0 {
		klog.V(2).Infof("[%s] Detection cycle complete (duration=%v, mounted=%d, mount_failed=%d, removed=%d, unmount_failed=%d, drives=%d)",
			result.CycleID, result.Duration, len(result.Mounted), len(result.MountFailed),
			len(result.Removed), len(result.UnmountFailed), d.config.Registry.Len())
	} else {
		klog.V(4).Infof("[%s] Detection cycle complete (duration=%v, drives=%d)",
			result.CycleID, result.Duration, d.config.Registry.Len())
	}
	return result
}

// listDevices returns the paths of device directory entries matching a prefix, in directory order
func (d *Detector) listDevices() ([]string, error) {
	entries, err := d.readDir(d.config.DeviceDir)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %w", utils.ErrEnumeration, d.config.DeviceDir, err)
	}

	var devices []string
	for _, entry := range entries {
		if entry.IsDir() || !d.matchesPrefix(entry.Name()) {
			continue
		}
		devices = append(devices, filepath.Join(d.config.DeviceDir, entry.Name()))
	}
	return devices, nil
}

func (d *Detector) matchesPrefix(name string) bool {
	for _, prefix := range d.config.Prefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// discover registers and mounts every listed device that is not registered yet
func (d *Detector) discover(ctx context.Context, devices []string, result *CycleResult) {
	present := make(map[string]bool, len(devices))
	for _, devicePath := range devices {
		present[devicePath] = true
		d.guard(result, devicePath, func() {
			d.discoverDevice(ctx, devicePath, result)
		})
	}

	// Unplugged devices start with a clean slate when they come back.
	// Registered drives keep their event state until they are removed.
	d.config.Breaker.Retain(func(devicePath string) bool { return present[devicePath] })
	d.config.Events.Retain(func(devicePath string) bool {
		if present[devicePath] {
			return true
		}
		_, ok := d.config.Registry.Get(devicePath)
		return ok
	})
}

func (d *Detector) discoverDevice(ctx context.Context, devicePath string, result *CycleResult) {
	if d.config.Registry.Exists(devicePath) {
		return
	}

	if !d.config.Breaker.Allow(devicePath) {
		klog.V(4).Infof("[%s] Circuit open for %s, not mounting", result.CycleID, devicePath)
		result.Skipped = append(result.Skipped, devicePath)
		d.config.Events.LogMountSkipped(result.CycleID, devicePath)
		return
	}

	name := drive.UniqueName(devicePath, d.config.Registry)
	fileSystem := d.config.Prober.Probe(ctx, devicePath)

	dr := &drive.Drive{
		DevicePath:   devicePath,
		Name:         name,
		FileSystem:   fileSystem,
		DiscoveredAt: d.now(),
	}
	if err := d.config.Registry.Add(dr); err != nil {
		// Same path still held by a drive whose node was replaced; the
		// disconnection phase deals with it
		klog.V(4).Infof("[%s] Not registering %s: %v", result.CycleID, devicePath, err)
		return
	}
	klog.V(2).Infof("[%s] Discovered %s (name=%s, fs=%q)", result.CycleID, devicePath, name, fileSystem)
	d.config.Events.LogDiscovered(result.CycleID, devicePath, name, fileSystem, d.describe(devicePath))

	err := d.config.Breaker.Execute(devicePath, func() error {
		return d.config.Manager.Mount(ctx, dr)
	})
	if err != nil {
		d.config.Registry.Remove(devicePath)
		if errors.Is(err, utils.ErrCircuitOpen) {
			result.Skipped = append(result.Skipped, devicePath)
			d.config.Events.LogMountSkipped(result.CycleID, devicePath)
			return
		}
		utils.LogErrorDetails(err)
		result.MountFailed = append(result.MountFailed, devicePath)
		d.config.Events.LogMountFailed(result.CycleID, devicePath, name, err)
		return
	}

	if err := d.config.Registry.Update(dr); err != nil {
		klog.Errorf("[%s] Failed to record mount point of %s: %v", result.CycleID, devicePath, err)
		return
	}
	result.Mounted = append(result.Mounted, devicePath)
	d.config.Events.LogMounted(result.CycleID, devicePath, name, fileSystem, dr.MountPoint)
}

// disconnect unmounts and forgets drives whose device node is gone
func (d *Detector) disconnect(ctx context.Context, result *CycleResult) {
	for _, dr := range d.config.Registry.All() {
		d.guard(result, dr.DevicePath, func() {
			d.checkDrive(ctx, dr, result)
		})
	}
}

func (d *Detector) checkDrive(ctx context.Context, dr *drive.Drive, result *CycleResult) {
	reason, err := d.config.Checker.Check(dr)
	if err != nil {
		klog.Warningf("[%s] Cannot check %s, assuming still attached: %v", result.CycleID, dr.DevicePath, err)
		return
	}

	if !reason.IsDisconnect() {
		if reason == mount.StaleReasonNotStale {
			delete(d.stale, dr.DevicePath)
			return
		}
		result.Stale = append(result.Stale, dr.DevicePath)
		if d.stale[dr.DevicePath] != reason {
			d.stale[dr.DevicePath] = reason
			if d.config.Metrics != nil {
				d.config.Metrics.RecordStaleMount(string(reason))
			}
			d.config.Events.LogMountStale(result.CycleID, dr.DevicePath, dr.MountPoint, string(reason))
		}
		return
	}

	if !d.pendingUnmount[dr.DevicePath] {
		d.pendingUnmount[dr.DevicePath] = true
		klog.V(2).Infof("[%s] Device %s disconnected (name=%s, mount_point=%s)",
			result.CycleID, dr.DevicePath, dr.Name, dr.MountPoint)
		if d.config.Metrics != nil {
			d.config.Metrics.RecordDisconnect()
		}
		d.config.Events.LogDisconnected(result.CycleID, dr.DevicePath, dr.Name, dr.MountPoint)
	}

	mountPoint := dr.MountPoint
	if err := d.config.Manager.Unmount(ctx, dr); err != nil {
		utils.LogErrorDetails(err)
		result.UnmountFailed = append(result.UnmountFailed, dr.DevicePath)
		d.config.Events.LogUnmountFailed(result.CycleID, dr.DevicePath, dr.Name, mountPoint, err)
		return
	}

	d.config.Registry.Remove(dr.DevicePath)
	delete(d.pendingUnmount, dr.DevicePath)
	delete(d.stale, dr.DevicePath)
	d.config.Breaker.Reset(dr.DevicePath)
	d.config.Events.Forget(dr.DevicePath)
	result.Removed = append(result.Removed, dr.DevicePath)
	klog.V(2).Infof("[%s] Removed %s (name=%s)", result.CycleID, dr.DevicePath, dr.Name)
	d.config.Events.LogUnmounted(result.CycleID, dr.DevicePath, dr.Name, mountPoint)
}

// guard runs fn and recovers a panic so the remaining devices are still processed.
// A drive left registered without a mount point by the panic is dropped so a
// later cycle can pick the device up again.
func (d *Detector) guard(result *CycleResult, devicePath string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			klog.Errorf("[%s] Recovered panic while handling %s: %v", result.CycleID, devicePath, r)
			result.Recovered = append(result.Recovered, devicePath)
			d.config.Events.LogDevicePanic(result.CycleID, devicePath, r)
			if dr, ok := d.config.Registry.Get(devicePath); ok && !dr.IsMounted() {
				d.config.Registry.Remove(devicePath)
			}
		}
	}()
	fn()
}

// describe returns sysfs attributes of a device for event details
func (d *Detector) describe(devicePath string) map[string]string {
	info, err := d.config.Sysfs.ReadBlockInfo(filepath.Base(devicePath))
	if err != nil {
		klog.V(4).Infof("No sysfs attributes for %s: %v", devicePath, err)
		return nil
	}
	details := map[string]string{
		"size_bytes": strconv.FormatInt(info.SizeBytes, 10),
		"removable":  strconv.FormatBool(info.Removable),
	}
	if info.Model != "" {
		details["model"] = info.Model
	}
	return details
}

func shortCycleID() string {
	return uuid.NewString()[:8]
}
