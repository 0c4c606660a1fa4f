// Package events reports drive lifecycle events through klog and metrics.
package events

import "time"

// EventSeverity represents the severity level of a lifecycle event
type EventSeverity string

const (
	// SeverityInfo represents informational events
	SeverityInfo EventSeverity = "info"

	// SeverityWarning represents warning events
	SeverityWarning EventSeverity = "warning"

	// SeverityError represents error events
	SeverityError EventSeverity = "error"
)

// EventType represents specific types of lifecycle events
type EventType string

const (
	EventDiscovered        EventType = "discovered"
	EventMounted           EventType = "mounted"
	EventMountFailed       EventType = "mount_failed"
	EventMountSkipped      EventType = "mount_skipped"
	EventDisconnected      EventType = "disconnected"
	EventUnmounted         EventType = "unmounted"
	EventUnmountFailed     EventType = "unmount_failed"
	EventMountStale        EventType = "mount_stale"
	EventEnumerationFailed EventType = "enumeration_failed"
	EventDevicePanic       EventType = "device_panic"
)

// Event represents one drive lifecycle event
type Event struct {
	Timestamp time.Time     `json:"timestamp"`
	EventType EventType     `json:"event_type"`
	Severity  EventSeverity `json:"severity"`
	Message   string        `json:"message"`

	// Drive fields
	DevicePath string `json:"device_path,omitempty"`
	Name       string `json:"name,omitempty"`
	FileSystem string `json:"filesystem,omitempty"`
	MountPoint string `json:"mount_point,omitempty"`

	CycleID string            `json:"cycle_id,omitempty"`
	Error   string            `json:"error,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// NewEvent creates a new event with timestamp
func NewEvent(eventType EventType, severity EventSeverity, message string) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Severity:  severity,
		Message:   message,
		Details:   make(map[string]string),
	}
}

// IsFailure reports whether the event describes something that went wrong
func (e *Event) IsFailure() bool {
	return e.Severity != SeverityInfo
}

// WithDrive sets drive-related information for the event
func (e *Event) WithDrive(devicePath, name, fileSystem, mountPoint string) *Event {
	e.DevicePath = devicePath
	e.Name = name
	e.FileSystem = fileSystem
	e.MountPoint = mountPoint
	return e
}

// WithDevice sets only the device path
func (e *Event) WithDevice(devicePath string) *Event {
	e.DevicePath = devicePath
	return e
}

// WithCycle sets the detection cycle the event belongs to
func (e *Event) WithCycle(cycleID string) *Event {
	e.CycleID = cycleID
	return e
}

// WithError sets error information
func (e *Event) WithError(err error) *Event {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithDetail adds a custom detail field
func (e *Event) WithDetail(key, value string) *Event {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}
