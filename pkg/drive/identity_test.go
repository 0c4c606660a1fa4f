package drive

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNodeIDSame(t *testing.T) {
	tests := []struct {
		name     string
		a, b     nodeID
		expected bool
	}{
		{
			name:     "two nodes for one block device",
			a:        nodeID{device: true, rdev: 0x810, dev: 5, ino: 100},
			b:        nodeID{device: true, rdev: 0x810, dev: 5, ino: 200},
			expected: true,
		},
		{
			name:     "different block devices",
			a:        nodeID{device: true, rdev: 0x810, dev: 5, ino: 100},
			b:        nodeID{device: true, rdev: 0x820, dev: 5, ino: 101},
			expected: false,
		},
		{
			name:     "same regular file",
			a:        nodeID{dev: 2049, ino: 42},
			b:        nodeID{dev: 2049, ino: 42},
			expected: true,
		},
		{
			name:     "regular file vs device",
			a:        nodeID{dev: 5, ino: 100},
			b:        nodeID{device: true, rdev: 0, dev: 5, ino: 100},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.same(tt.b); got != tt.expected {
				t.Errorf("same() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestSameDevice(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	if err := os.WriteFile(a, nil, 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, nil, 0600); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(a, link); err != nil {
		t.Fatal(err)
	}

	if !SameDevice(a, a) {
		t.Error("path should match itself")
	}
	if !SameDevice(a, link) {
		t.Error("symlink should match its target")
	}
	if SameDevice(a, b) {
		t.Error("distinct files should not match")
	}
	if SameDevice(a, filepath.Join(dir, "missing")) {
		t.Error("missing path should never match")
	}

	// /dev/null is a character device present on every test host
	if _, err := os.Stat("/dev/null"); err == nil && !SameDevice("/dev/null", "/dev/null") {
		t.Error("/dev/null should match itself by rdev")
	}
}
