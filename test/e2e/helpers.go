package e2e

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"git.srvlab.io/whiskey/automountd/pkg/circuitbreaker"
	"git.srvlab.io/whiskey/automountd/pkg/detector"
	"git.srvlab.io/whiskey/automountd/pkg/drive"
	"git.srvlab.io/whiskey/automountd/pkg/events"
	"git.srvlab.io/whiskey/automountd/pkg/mount"
	"git.srvlab.io/whiskey/automountd/pkg/observability"
	"git.srvlab.io/whiskey/automountd/test/mock"
)

// Constants for test configuration
const (
	defaultTimeout = 5 * time.Second
	pollInterval   = 20 * time.Millisecond
	cycleInterval  = 10 * time.Millisecond
)

// daemon is a detector running in the background against a temporary device
// directory and mount root, with mocked mount and probe backends
type daemon struct {
	devDir   string
	root     string
	registry *drive.Registry
	mounter  *mock.MockMounter
	prober   *mock.MockProber
	metrics  *observability.Metrics
	detector *detector.Detector
}

// startDaemon starts a detector loop that is stopped when the current spec ends
func startDaemon() *daemon {
	return startDaemonWithBreaker(circuitbreaker.NewDeviceCircuitBreaker())
}

func startDaemonWithBreaker(breaker *circuitbreaker.DeviceCircuitBreaker) *daemon {
	d := &daemon{
		devDir:   GinkgoT().TempDir(),
		root:     filepath.Join(GinkgoT().TempDir(), "mnt"),
		registry: drive.NewRegistry(),
		mounter:  mock.NewMockMounter(),
		prober:   mock.NewMockProber(),
		metrics:  observability.NewMetrics(),
	}
	d.metrics.SetDriveCounter(d.registry.Len)

	manager := mount.NewManager(mount.ManagerConfig{Root: d.root}, d.mounter)
	manager.SetRecorder(d.metrics)
	Expect(manager.EnsureRoot()).To(Succeed())

	checker := mount.NewStaleMountChecker()
	checker.SetMountDeviceFunc(d.mounter.GetMountDevice)

	det, err := detector.NewDetector(detector.Config{
		Registry:  d.registry,
		Prober:    d.prober,
		Manager:   manager,
		Checker:   checker,
		Breaker:   breaker,
		Events:    events.NewLogger(d.metrics),
		Metrics:   d.metrics,
		DeviceDir: d.devDir,
		Interval:  cycleInterval,
	})
	Expect(err).NotTo(HaveOccurred())
	d.detector = det

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer GinkgoRecover()
		defer close(done)
		det.Run(ctx)
	}()

	DeferCleanup(func() {
		cancel()
		Eventually(done, defaultTimeout).Should(BeClosed(), "detector should stop after cancellation")
	})
	return d
}

// attach creates a device node stand-in
func (d *daemon) attach(name string) string {
	path := filepath.Join(d.devDir, name)
	Expect(os.WriteFile(path, nil, 0600)).To(Succeed())
	return path
}

// detach removes a device node stand-in
func (d *daemon) detach(name string) {
	Expect(os.Remove(filepath.Join(d.devDir, name))).To(Succeed())
}

// mountPointOf returns the registered mount point of a device, or "" if unknown
func (d *daemon) mountPointOf(devicePath string) string {
	dr, ok := d.registry.Get(devicePath)
	if !ok {
		return ""
	}
	return dr.MountPoint
}

// waitForMounted waits until the device is registered and mounted
func (d *daemon) waitForMounted(devicePath string) string {
	Eventually(func() string {
		return d.mountPointOf(devicePath)
	}, defaultTimeout, pollInterval).ShouldNot(BeEmpty(), "%s should be mounted", devicePath)
	return d.mountPointOf(devicePath)
}

// waitForRemoved waits until the device is no longer registered
func (d *daemon) waitForRemoved(devicePath string) {
	Eventually(func() bool {
		_, ok := d.registry.Get(devicePath)
		return ok
	}, defaultTimeout, pollInterval).Should(BeFalse(), "%s should be removed", devicePath)
}

// scrapeMetrics returns the body of the metrics endpoint
func scrapeMetrics(d *daemon) string {
	rec := httptest.NewRecorder()
	d.metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}
