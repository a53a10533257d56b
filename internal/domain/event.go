package domain

import "time"

// EventType is the kind of catalog lifecycle change.
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return t == EventCreated || t == EventUpdated || t == EventDeleted
}

// LifecycleEvent is one change notification from the song catalog.
//
// Work carries the post-change snapshot for created and updated events. For
// deletes it may be empty; the index falls back to its last stored snapshot.
// References holds textual scripture references ("Jude 1:24-25") that are
// resolved and merged into Work.Verses before indexing.
type LifecycleEvent struct {
	ID         string    `json:"id,omitempty"`
	Type       EventType `json:"type" validate:"required,oneof=created updated deleted"`
	Work       Work      `json:"work"`
	References []string  `json:"references,omitempty" validate:"max=256"`
	OccurredAt time.Time `json:"occurred_at"`
}
