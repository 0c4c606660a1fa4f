package events

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/klog/v2"
)

const (
	// DefaultFailureInterval is the minimum spacing of repeated failure events
	// for the same device and event type
	DefaultFailureInterval = time.Minute
)

// MetricsRecorder receives every emitted event; implemented by observability.Metrics
type MetricsRecorder interface {
	RecordEvent(eventType, severity string)
}

// severityMapping defines how a severity level maps to klog behavior
type severityMapping struct {
	logFunc func(args ...interface{})
}

// severityMap maps EventSeverity to the klog logging function
var severityMap = map[EventSeverity]severityMapping{
	SeverityInfo:    {logFunc: func(args ...interface{}) { klog.V(2).Info(args...) }},
	SeverityWarning: {logFunc: klog.Warning},
	SeverityError:   {logFunc: klog.Error},
}

// throttle is the rate limit state of one device and event type
type throttle struct {
	devicePath string
	limiter    *rate.Limiter
	suppressed int
}

// Logger emits lifecycle events. Failure events are rate limited per device
// and event type (events without a device share one bucket per type).
// Suppressed repeats are counted and reported with the next event that gets through.
type Logger struct {
	mu        sync.Mutex
	recorder  MetricsRecorder
	interval  time.Duration
	throttles map[string]*throttle
	now       func() time.Time
}

// NewLogger creates an event logger. recorder may be nil.
func NewLogger(recorder MetricsRecorder) *Logger {
	return &Logger{
		recorder:  recorder,
		interval:  DefaultFailureInterval,
		throttles: make(map[string]*throttle),
		now:       time.Now,
	}
}

// LogEvent logs an event with structured fields. It returns false if the
// event was suppressed by the failure rate limit.
func (l *Logger) LogEvent(event *Event) bool {
	if event.IsFailure() {
		suppressed, allowed := l.admit(event)
		if !allowed {
			klog.V(4).Infof("Suppressed %s event for %s", event.EventType, event.DevicePath)
			return false
		}
		if suppressed > 0 {
			event.WithDetail("suppressed", fmt.Sprintf("%d", suppressed))
		}
	}

	if l.recorder != nil {
		l.recorder.RecordEvent(string(event.EventType), string(event.Severity))
	}

	// Look up severity mapping (default to Info if unknown)
	mapping, ok := severityMap[event.Severity]
	if !ok {
		mapping = severityMap[SeverityInfo]
	}
	mapping.logFunc(formatLogMessage(event))
	return true
}

// Forget drops the rate limit state of a device, e.g. once it is unplugged
func (l *Logger) Forget(devicePath string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prefix := devicePath + "|"
	for key := range l.throttles {
		if strings.HasPrefix(key, prefix) {
			delete(l.throttles, key)
		}
	}
}

// Retain drops the rate limit state of every device for which present returns
// false. State of events without a device is kept. Returns the number of
// entries dropped.
func (l *Logger) Retain(present func(devicePath string) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, t := range l.throttles {
		if t.devicePath == "" || present(t.devicePath) {
			continue
		}
		delete(l.throttles, key)
		removed++
	}
	return removed
}

// Suppressed returns the number of events currently held back for a device and type
func (l *Logger) Suppressed(devicePath string, eventType EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if t, ok := l.throttles[throttleKey(devicePath, eventType)]; ok {
		return t.suppressed
	}
	return 0
}

// admit consumes a token for the event. On success it returns and resets the
// number of events suppressed since the last admitted one.
func (l *Logger) admit(event *Event) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := throttleKey(event.DevicePath, event.EventType)
	t, ok := l.throttles[key]
	if !ok {
		t = &throttle{
			devicePath: event.DevicePath,
			limiter:    rate.NewLimiter(rate.Every(l.interval), 1),
		}
		l.throttles[key] = t
	}

	if !t.limiter.AllowN(l.now(), 1) {
		t.suppressed++
		return 0, false
	}
	suppressed := t.suppressed
	t.suppressed = 0
	return suppressed, true
}

func throttleKey(devicePath string, eventType EventType) string {
	return devicePath + "|" + string(eventType)
}

// formatLogMessage formats an event as a structured log message
func formatLogMessage(event *Event) string {
	msg := fmt.Sprintf("[DRIVE] type=%s severity=%s msg=%q", event.EventType, event.Severity, event.Message)

	if event.CycleID != "" {
		msg += fmt.Sprintf(" cycle=%s", event.CycleID)
	}
	if event.DevicePath != "" {
		msg += fmt.Sprintf(" device_path=%s", event.DevicePath)
	}
	if event.Name != "" {
		msg += fmt.Sprintf(" name=%s", event.Name)
	}
	if event.FileSystem != "" {
		msg += fmt.Sprintf(" fs=%s", event.FileSystem)
	}
	if event.MountPoint != "" {
		msg += fmt.Sprintf(" mount_point=%s", event.MountPoint)
	}
	if event.Error != "" {
		msg += fmt.Sprintf(" error=%q", event.Error)
	}

	keys := make([]string, 0, len(event.Details))
	for key := range event.Details {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		msg += fmt.Sprintf(" %s=%q", key, event.Details[key])
	}

	return msg
}

// Helper methods for common lifecycle events

// LogDiscovered logs a newly registered drive with optional device attributes
func (l *Logger) LogDiscovered(cycleID, devicePath, name, fileSystem string, details map[string]string) {
	event := NewEvent(EventDiscovered, SeverityInfo, "Drive discovered").
		WithDrive(devicePath, name, fileSystem, "").
		WithCycle(cycleID)
	for key, value := range details {
		event.WithDetail(key, value)
	}
	l.LogEvent(event)
}

// LogMounted logs a successful mount
func (l *Logger) LogMounted(cycleID, devicePath, name, fileSystem, mountPoint string) {
	l.LogEvent(NewEvent(EventMounted, SeverityInfo, "Drive mounted").
		WithDrive(devicePath, name, fileSystem, mountPoint).
		WithCycle(cycleID))
}

// LogMountFailed logs a failed mount
func (l *Logger) LogMountFailed(cycleID, devicePath, name string, err error) {
	l.LogEvent(NewEvent(EventMountFailed, SeverityError, "Mount failed, drive dropped from registry").
		WithDrive(devicePath, name, "", "").
		WithCycle(cycleID).
		WithError(err))
}

// LogMountSkipped logs a device skipped because its circuit breaker is open
func (l *Logger) LogMountSkipped(cycleID, devicePath string) {
	l.LogEvent(NewEvent(EventMountSkipped, SeverityWarning, "Repeated mount failures, device skipped").
		WithDevice(devicePath).
		WithCycle(cycleID))
}

// LogDisconnected logs a drive whose device node disappeared
func (l *Logger) LogDisconnected(cycleID, devicePath, name, mountPoint string) {
	l.LogEvent(NewEvent(EventDisconnected, SeverityInfo, "Drive disconnected").
		WithDrive(devicePath, name, "", mountPoint).
		WithCycle(cycleID))
}

// LogUnmounted logs a successful unmount and removal
func (l *Logger) LogUnmounted(cycleID, devicePath, name, mountPoint string) {
	l.LogEvent(NewEvent(EventUnmounted, SeverityInfo, "Drive unmounted and removed").
		WithDrive(devicePath, name, "", mountPoint).
		WithCycle(cycleID))
}

// LogUnmountFailed logs a failed unmount; the drive stays registered
func (l *Logger) LogUnmountFailed(cycleID, devicePath, name, mountPoint string, err error) {
	l.LogEvent(NewEvent(EventUnmountFailed, SeverityError, "Unmount failed, retrying next cycle").
		WithDrive(devicePath, name, "", mountPoint).
		WithCycle(cycleID).
		WithError(err))
}

// LogMountStale logs a present drive whose mount no longer matches the mount table
func (l *Logger) LogMountStale(cycleID, devicePath, mountPoint, reason string) {
	l.LogEvent(NewEvent(EventMountStale, SeverityWarning, "Mount out of sync with mount table").
		WithDrive(devicePath, "", "", mountPoint).
		WithCycle(cycleID).
		WithDetail("reason", reason))
}

// LogEnumerationFailed logs a failure to list the device directory
func (l *Logger) LogEnumerationFailed(cycleID, deviceDir string, err error) {
	l.LogEvent(NewEvent(EventEnumerationFailed, SeverityError, "Device enumeration failed").
		WithCycle(cycleID).
		WithError(err).
		WithDetail("device_dir", deviceDir))
}

// LogDevicePanic logs a recovered panic while processing one device
func (l *Logger) LogDevicePanic(cycleID, devicePath string, recovered interface{}) {
	l.LogEvent(NewEvent(EventDevicePanic, SeverityError, "Recovered panic while processing device").
		WithDevice(devicePath).
		WithCycle(cycleID).
		WithDetail("panic", fmt.Sprintf("%v", recovered)))
}
