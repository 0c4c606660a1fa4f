package e2e

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/klog/v2"
)

var _ = Describe("Drive Lifecycle", func() {
	It("should mount an attached drive and clean up after removal", func() {
		d := startDaemon()

		By("Attaching sdb")
		sdb := d.attach("sdb")
		d.prober.SetFileSystem(sdb, "vfat")

		mountPoint := d.waitForMounted(sdb)
		klog.Infof("sdb mounted at %s", mountPoint)
		Expect(mountPoint).To(Equal(filepath.Join(d.root, "sdb")))
		Expect(mountPoint).To(BeADirectory())
		Expect(d.mounter.IsMounted(mountPoint)).To(BeTrue())

		dr, ok := d.registry.Get(sdb)
		Expect(ok).To(BeTrue())
		Expect(dr.Name).To(Equal("sdb"))
		Expect(dr.FileSystem).To(Equal("vfat"))

		By("Detaching sdb")
		d.detach("sdb")
		d.waitForRemoved(sdb)

		Expect(d.registry.Len()).To(Equal(0))
		_, err := os.Stat(mountPoint)
		Expect(os.IsNotExist(err)).To(BeTrue(), "mount directory should be removed")
		Expect(d.mounter.IsMounted(mountPoint)).To(BeFalse())

		Expect(scrapeMetrics(d)).To(SatisfyAll(
			ContainSubstring("automountd_disconnects_total 1"),
			ContainSubstring(`automountd_mount_operations_total{operation="mount",status="success"} 1`),
			ContainSubstring(`automountd_mount_operations_total{operation="unmount",status="success"} 1`),
		))
	})

	It("should manage several drives independently", func() {
		d := startDaemon()

		sda := d.attach("sda")
		nvme := d.attach("nvme0n1")
		d.attach("tty0")

		d.waitForMounted(sda)
		d.waitForMounted(nvme)
		Consistently(d.registry.Len, 5*cycleInterval, cycleInterval).Should(Equal(2))

		d.detach("sda")
		d.waitForRemoved(sda)
		Expect(d.mountPointOf(nvme)).To(Equal(filepath.Join(d.root, "nvme0n1")))
	})

	It("should register a device reachable through a symlink only once", func() {
		d := startDaemon()

		sdb := d.attach("sdb")
		Expect(os.Symlink(sdb, filepath.Join(d.devDir, "sdlink"))).To(Succeed())

		d.waitForMounted(sdb)
		Consistently(d.registry.Len, 5*cycleInterval, cycleInterval).Should(Equal(1))
		Expect(d.mounter.GetMountCalls()).To(HaveLen(1))
	})

	It("should treat a reattached device as a new drive", func() {
		d := startDaemon()

		sdb := d.attach("sdb")
		first := d.waitForMounted(sdb)

		d.detach("sdb")
		d.waitForRemoved(sdb)

		d.attach("sdb")
		second := d.waitForMounted(sdb)

		Expect(second).To(Equal(first), "the freed name and directory are reused")
		Expect(d.mounter.GetMountCalls()).To(HaveLen(2))
	})

	It("should pick a suffixed directory when the mount directory already exists", func() {
		d := startDaemon()
		Expect(os.Mkdir(filepath.Join(d.root, "sdc"), 0755)).To(Succeed())

		sdc := d.attach("sdc")
		Expect(d.waitForMounted(sdc)).To(Equal(filepath.Join(d.root, "sdc_1")))
	})
})
