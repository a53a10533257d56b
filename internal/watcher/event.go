package watcher

import "time"

// EventType represents the type of spool file event
type EventType int

const (
	// EventAdded is emitted when a file has settled in the spool
	EventAdded EventType = iota
	// EventRemoved is emitted when a file leaves the spool
	EventRemoved
)

// String returns the string representation of the event type
func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event represents a spool file event
type Event struct {
	Type    EventType
	Path    string
	Size    int64
	ModTime time.Time
}
