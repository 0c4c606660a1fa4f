package events

import (
	"errors"
	"strings"
	"testing"
	"time"
)

type recordedEvent struct {
	eventType string
	severity  string
}

type fakeRecorder struct {
	events []recordedEvent
}

func (r *fakeRecorder) RecordEvent(eventType, severity string) {
	r.events = append(r.events, recordedEvent{eventType, severity})
}

// newTestLogger returns a logger whose clock is controlled by the returned pointer
func newTestLogger(rec MetricsRecorder) (*Logger, *time.Time) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLogger(rec)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestNewEvent(t *testing.T) {
	event := NewEvent(EventMounted, SeverityInfo, "Test message")

	if event.EventType != EventMounted {
		t.Errorf("Expected EventType %s, got %s", EventMounted, event.EventType)
	}
	if event.Severity != SeverityInfo {
		t.Errorf("Expected Severity %s, got %s", SeverityInfo, event.Severity)
	}
	if event.Timestamp.IsZero() {
		t.Error("Expected Timestamp to be set, got zero time")
	}
	if event.Details == nil {
		t.Error("Expected Details map to be initialized")
	}
	if event.IsFailure() {
		t.Error("Info events are not failures")
	}
}

func TestEvent_WithMethods(t *testing.T) {
	event := NewEvent(EventMountFailed, SeverityError, "Test").
		WithDrive("/dev/sdb", "sdb", "ext4", "/var/run/mnt/sdb").
		WithCycle("abc123").
		WithError(errors.New("bad superblock")).
		WithDetail("attempt", "2")

	if event.DevicePath != "/dev/sdb" || event.Name != "sdb" || event.FileSystem != "ext4" || event.MountPoint != "/var/run/mnt/sdb" {
		t.Errorf("WithDrive failed: %+v", event)
	}
	if event.CycleID != "abc123" {
		t.Errorf("WithCycle failed: got %s", event.CycleID)
	}
	if event.Error != "bad superblock" {
		t.Errorf("WithError failed: got %s", event.Error)
	}
	if event.Details["attempt"] != "2" {
		t.Errorf("WithDetail failed: got %v", event.Details)
	}

	// A nil error leaves the field empty
	if NewEvent(EventMounted, SeverityInfo, "").WithError(nil).Error != "" {
		t.Error("WithError(nil) should not set Error")
	}
}

func TestFormatLogMessage(t *testing.T) {
	event := NewEvent(EventUnmountFailed, SeverityError, "Unmount failed").
		WithDrive("/dev/sdb", "sdb", "", "/var/run/mnt/sdb").
		WithCycle("c1").
		WithError(errors.New("target is busy")).
		WithDetail("b", "2").
		WithDetail("a", "1")

	msg := formatLogMessage(event)

	expected := []string{
		"[DRIVE]",
		"type=unmount_failed",
		"severity=error",
		"cycle=c1",
		"device_path=/dev/sdb",
		"name=sdb",
		"mount_point=/var/run/mnt/sdb",
		`error="target is busy"`,
		`a="1" b="2"`,
	}
	for _, want := range expected {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected %q in message: %s", want, msg)
		}
	}
	if strings.Contains(msg, "fs=") {
		t.Errorf("Empty filesystem should be omitted: %s", msg)
	}
}

func TestLogEvent_RecordsMetrics(t *testing.T) {
	rec := &fakeRecorder{}
	l, _ := newTestLogger(rec)

	l.LogDiscovered("c1", "/dev/sdb", "sdb", "ext4", map[string]string{"size_bytes": "1024"})
	l.LogMounted("c1", "/dev/sdb", "sdb", "ext4", "/var/run/mnt/sdb")
	l.LogMountFailed("c1", "/dev/sdc", "sdc", errors.New("wrong fs type"))

	expected := []recordedEvent{
		{"discovered", "info"},
		{"mounted", "info"},
		{"mount_failed", "error"},
	}
	if len(rec.events) != len(expected) {
		t.Fatalf("Expected %d recorded events, got %v", len(expected), rec.events)
	}
	for i := range expected {
		if rec.events[i] != expected[i] {
			t.Errorf("Event %d: expected %v, got %v", i, expected[i], rec.events[i])
		}
	}
}

func TestLogEvent_NilRecorder(t *testing.T) {
	l := NewLogger(nil)

	// Should not panic
	l.LogDisconnected("c1", "/dev/sdb", "sdb", "/var/run/mnt/sdb")
	l.LogEnumerationFailed("c1", "/dev", errors.New("permission denied"))
}

func TestLogEvent_FailureRateLimit(t *testing.T) {
	rec := &fakeRecorder{}
	l, now := newTestLogger(rec)
	err := errors.New("target is busy")

	// First failure goes through
	if !l.LogEvent(NewEvent(EventUnmountFailed, SeverityError, "x").WithDevice("/dev/sdb").WithError(err)) {
		t.Fatal("First failure event should be logged")
	}

	// Repeats within the interval are suppressed
	for i := 0; i < 5; i++ {
		*now = now.Add(time.Second)
		if l.LogEvent(NewEvent(EventUnmountFailed, SeverityError, "x").WithDevice("/dev/sdb").WithError(err)) {
			t.Fatalf("Repeat %d should be suppressed", i)
		}
	}
	if got := l.Suppressed("/dev/sdb", EventUnmountFailed); got != 5 {
		t.Errorf("Expected 5 suppressed events, got %d", got)
	}

	// Other devices and other event types are independent
	if !l.LogEvent(NewEvent(EventUnmountFailed, SeverityError, "x").WithDevice("/dev/sdc")) {
		t.Error("Other device should not be rate limited")
	}
	if !l.LogEvent(NewEvent(EventMountFailed, SeverityError, "x").WithDevice("/dev/sdb")) {
		t.Error("Other event type should not be rate limited")
	}

	// Info events are never rate limited
	for i := 0; i < 3; i++ {
		if !l.LogEvent(NewEvent(EventMounted, SeverityInfo, "x").WithDevice("/dev/sdb")) {
			t.Error("Info events should not be rate limited")
		}
	}

	// After the interval the next failure carries the suppressed count
	*now = now.Add(DefaultFailureInterval)
	event := NewEvent(EventUnmountFailed, SeverityError, "x").WithDevice("/dev/sdb")
	if !l.LogEvent(event) {
		t.Fatal("Failure after the interval should be logged")
	}
	if event.Details["suppressed"] != "5" {
		t.Errorf("Expected suppressed=5 detail, got %v", event.Details)
	}
	if got := l.Suppressed("/dev/sdb", EventUnmountFailed); got != 0 {
		t.Errorf("Expected suppressed counter reset, got %d", got)
	}

	// Only admitted events reach the metrics recorder
	failures := 0
	for _, e := range rec.events {
		if e.eventType == string(EventUnmountFailed) {
			failures++
		}
	}
	if failures != 3 {
		t.Errorf("Expected 3 recorded unmount_failed events, got %d", failures)
	}
}

func TestLogEvent_EnumerationFailuresShareBucket(t *testing.T) {
	l, _ := newTestLogger(nil)

	if !l.LogEvent(NewEvent(EventEnumerationFailed, SeverityError, "x")) {
		t.Fatal("First enumeration failure should be logged")
	}
	if l.LogEvent(NewEvent(EventEnumerationFailed, SeverityError, "x")) {
		t.Error("Repeated enumeration failure should be suppressed")
	}
}

func TestForget(t *testing.T) {
	l, _ := newTestLogger(nil)

	l.LogMountSkipped("c1", "/dev/sdb")
	l.LogMountSkipped("c2", "/dev/sdb")
	if got := l.Suppressed("/dev/sdb", EventMountSkipped); got != 1 {
		t.Fatalf("Expected 1 suppressed event, got %d", got)
	}

	l.Forget("/dev/sdb")

	if got := l.Suppressed("/dev/sdb", EventMountSkipped); got != 0 {
		t.Errorf("Expected no state after Forget, got %d", got)
	}
	if !l.LogEvent(NewEvent(EventMountSkipped, SeverityWarning, "x").WithDevice("/dev/sdb")) {
		t.Error("A forgotten device starts with a fresh budget")
	}
}

func TestRetain(t *testing.T) {
	l, _ := newTestLogger(nil)

	for _, dev := range []string{"/dev/sdb", "/dev/sdc"} {
		l.LogMountSkipped("c1", dev)
		l.LogMountSkipped("c2", dev)
	}
	l.LogEnumerationFailed("c1", "/dev", errors.New("permission denied"))
	l.LogEnumerationFailed("c2", "/dev", errors.New("permission denied"))

	removed := l.Retain(func(devicePath string) bool { return devicePath == "/dev/sdc" })
	if removed != 1 {
		t.Errorf("Retain() removed %d entries, want 1", removed)
	}

	if got := l.Suppressed("/dev/sdb", EventMountSkipped); got != 0 {
		t.Errorf("Expected no state for unplugged device, got %d", got)
	}
	if got := l.Suppressed("/dev/sdc", EventMountSkipped); got != 1 {
		t.Errorf("Expected state of present device to be kept, got %d", got)
	}
	if got := l.Suppressed("", EventEnumerationFailed); got != 1 {
		t.Errorf("Expected device-less state to be kept, got %d", got)
	}
}
