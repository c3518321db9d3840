package golin

import "fmt"

type EventType int

func (et EventType) String() string {
	switch et {
	case EventTypeError:
		return "ERROR"
	case EventTypeWarning:
		return "WARN"
	case EventTypeInfo:
		return "INFO"
	case EventTypeDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

const (
	EventTypeError EventType = iota
	EventTypeWarning
	EventTypeInfo
	EventTypeDebug
)

// Event describes a delivery task lifecycle change.
type Event struct {
	Type    EventType
	Bus     string
	Details string
}

func (e Event) String() string {
	if e.Bus == "" {
		return fmt.Sprintf("[%s] %s", e.Type.String(), e.Details)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type.String(), e.Bus, e.Details)
}
