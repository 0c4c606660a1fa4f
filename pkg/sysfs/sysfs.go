// Package sysfs reads block device attributes from /sys/class/block.
package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"k8s.io/klog/v2"
)

const (
	// DefaultSysfsRoot is the default root path for sysfs
	DefaultSysfsRoot = "/sys"

	// sectorSize is the unit of the sysfs size attribute, independent of the device's logical block size
	sectorSize = 512
)

// BlockInfo holds the attributes of one block device
type BlockInfo struct {
	SizeBytes int64
	Removable bool
	Model     string
}

// Scanner provides configurable sysfs access for testing
type Scanner struct {
	Root string // "/sys" in production, temp dir in tests
}

// NewScanner creates scanner with default root
func NewScanner() *Scanner {
	return &Scanner{
		Root: DefaultSysfsRoot,
	}
}

// NewScannerWithRoot creates scanner with custom root (for testing)
func NewScannerWithRoot(root string) *Scanner {
	return &Scanner{
		Root: root,
	}
}

// ReadBlockInfo reads the attributes of the block device called name (e.g. "sdb").
// Only the size attribute is required; missing optional attributes are left zero.
func (s *Scanner) ReadBlockInfo(name string) (BlockInfo, error) {
	devPath := filepath.Join(s.Root, "class", "block", name)

	var info BlockInfo
	sizeStr, err := s.readAttr(filepath.Join(devPath, "size"))
	if err != nil {
		return info, err
	}
	sectors, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return info, fmt.Errorf("failed to parse size of %s: %w", name, err)
	}
	info.SizeBytes = sectors * sectorSize

	// Partitions have no removable attribute of their own
	if removable, err := s.readAttr(filepath.Join(devPath, "removable")); err == nil {
		info.Removable = removable == "1"
	}
	if model, err := s.readAttr(filepath.Join(devPath, "device", "model")); err == nil {
		info.Model = model
	}

	klog.V(5).Infof("ReadBlockInfo: %s -> size=%d removable=%v model=%q", name, info.SizeBytes, info.Removable, info.Model)
	return info, nil
}

func (s *Scanner) readAttr(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}
