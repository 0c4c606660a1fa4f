package e2e

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"git.srvlab.io/whiskey/automountd/pkg/circuitbreaker"
)

var _ = Describe("Resilience", func() {
	It("should keep a drive whose unmount fails and retry until it succeeds", func() {
		d := startDaemon()

		sdb := d.attach("sdb")
		mountPoint := d.waitForMounted(sdb)

		By("Making the mount busy and unplugging the device")
		d.mounter.SetUnmountError(errors.New("target is busy"))
		d.detach("sdb")

		Eventually(func() int {
			return len(d.mounter.GetUnmountCalls())
		}, defaultTimeout, pollInterval).Should(BeNumerically(">=", 2), "unmount should be retried every cycle")
		Expect(d.mountPointOf(sdb)).To(Equal(mountPoint))
		Expect(mountPoint).To(BeADirectory())

		By("Releasing the mount")
		d.mounter.ClearErrors()
		d.waitForRemoved(sdb)

		_, err := os.Stat(mountPoint)
		Expect(os.IsNotExist(err)).To(BeTrue())
		Expect(scrapeMetrics(d)).To(ContainSubstring("automountd_disconnects_total 1"))
	})

	It("should stop retrying a device that never mounts and recover once it is replugged", func() {
		breaker := circuitbreaker.NewDeviceCircuitBreakerWithSettings(circuitbreaker.Settings{
			ConsecutiveFailures: circuitbreaker.DefaultConsecutiveFailures,
			Timeout:             time.Hour,
			Interval:            time.Hour,
		})
		d := startDaemonWithBreaker(breaker)
		d.mounter.SetMountError(errors.New("wrong fs type, bad option, bad superblock"))

		sdb := d.attach("sdb")

		Eventually(func() int {
			return len(d.mounter.GetMountCalls())
		}, defaultTimeout, pollInterval).Should(Equal(circuitbreaker.DefaultConsecutiveFailures))
		Consistently(func() int {
			return len(d.mounter.GetMountCalls())
		}, 10*cycleInterval, cycleInterval).Should(Equal(circuitbreaker.DefaultConsecutiveFailures))

		Expect(breaker.State(sdb)).To(Equal("open"))
		Expect(d.registry.Len()).To(Equal(0), "failed drives are not registered")
		_, err := os.Stat(filepath.Join(d.root, "sdb"))
		Expect(os.IsNotExist(err)).To(BeTrue(), "no directory is left behind")
		Expect(scrapeMetrics(d)).To(ContainSubstring(`automountd_events_total{severity="warning",type="mount_skipped"} 1`),
			"repeated skips are rate limited")

		By("Replugging the device with a working filesystem")
		d.detach("sdb")
		Eventually(func() string {
			return breaker.State(sdb)
		}, defaultTimeout, pollInterval).Should(Equal("closed"))
		d.mounter.ClearErrors()
		d.attach("sdb")

		d.waitForMounted(sdb)
	})

	It("should recover from a panic while probing one device", func() {
		d := startDaemon()

		sda := d.attach("sda")
		d.prober.SetPanic(sda, true)
		sdb := d.attach("sdb")

		d.waitForMounted(sdb)
		Expect(d.mountPointOf(sda)).To(BeEmpty())

		d.prober.SetPanic(sda, false)
		d.waitForMounted(sda)
	})

	It("should keep a drive that was unmounted behind its back", func() {
		d := startDaemon()

		sdb := d.attach("sdb")
		mountPoint := d.waitForMounted(sdb)

		Expect(d.mounter.Unmount(mountPoint)).To(Succeed())

		Eventually(func() string {
			return scrapeMetrics(d)
		}, defaultTimeout, pollInterval).Should(ContainSubstring(`automountd_stale_mounts_detected_total{reason="mount_not_found"}`))
		Expect(d.mountPointOf(sdb)).To(Equal(mountPoint))
	})
})
