package instruments

import (
	"fmt"
	"strings"
	"time"
)

const maxLogMessage = 128

// Log levels accepted for device events.
const (
	LevelDebug    = "DEBUG"
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

// EventLog is a device lifecycle event such as a reset or firmware flash.
type EventLog struct {
	ID        int64
	SN        string
	Opened    time.Time
	Closed    *time.Time
	Message   string
	Addressed bool
	Level     string
}

// NewEventLog builds a log entry from a partial attribute map. instr_sn is required.
func NewEventLog(attrs map[string]any, now time.Time) (*EventLog, error) {
	sn, _ := attrs["instr_sn"].(string)
	if strings.TrimSpace(sn) == "" {
		return nil, fmt.Errorf("%w: instr_sn is required", ErrValidation)
	}
	entry := &EventLog{SN: sn, Opened: now.UTC(), Level: LevelInfo}
	if err := entry.Apply(attrs); err != nil {
		return nil, err
	}
	return entry, nil
}

// Apply performs a partial update of message, level, addressed and closed.
func (l *EventLog) Apply(attrs map[string]any) error {
	if v, ok := attrs["message"]; ok {
		msg, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: message must be a string", ErrValidation)
		}
		if len(msg) > maxLogMessage {
			msg = msg[:maxLogMessage]
		}
		l.Message = msg
	}
	if v, ok := attrs["level"]; ok {
		level, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: level must be a string", ErrValidation)
		}
		level = strings.ToUpper(strings.TrimSpace(level))
		switch level {
		case LevelDebug, LevelInfo, LevelWarning, LevelError, LevelCritical:
			l.Level = level
		default:
			return fmt.Errorf("%w: unknown level %q", ErrValidation, level)
		}
	}
	if v, ok := attrs["addressed"]; ok {
		addressed, ok := v.(bool)
		if !ok {
			return fmt.Errorf("%w: addressed must be a boolean", ErrValidation)
		}
		l.Addressed = addressed
	}
	if v, ok := attrs["closed"]; ok {
		switch c := v.(type) {
		case nil:
			l.Closed = nil
		case string:
			t, err := time.Parse(time.RFC3339, c)
			if err != nil {
				return fmt.Errorf("%w: closed must be RFC3339", ErrValidation)
			}
			t = t.UTC()
			l.Closed = &t
		default:
			return fmt.Errorf("%w: closed must be RFC3339", ErrValidation)
		}
	}
	return nil
}

// Close marks the event as addressed.
func (l *EventLog) Close(now time.Time) {
	closed := now.UTC()
	l.Addressed = true
	l.Closed = &closed
}

// DeviceEventMessage formats a Particle meta webhook event.
func DeviceEventMessage(name, data string) string {
	switch name {
	case "spark/device/last_reset":
		return "Device Reset: " + data
	case "spark/flash/status":
		return "Firmware Flash: " + data
	default:
		return "Particle Event: " + data
	}
}
