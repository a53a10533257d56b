// Package sse implements Server-Sent Events for live coverage updates.
package sse

import (
	"time"

	"github.com/versesung/coverage-server/internal/domain"
	"github.com/versesung/coverage-server/internal/scripture"
)

// Clients poll coverage over plain request/response; SSE only tells them
// when a poll is worth making.

// EventType represents the type of SSE Event.
type EventType string

const (
	// EventWorkIndexed represents a work whose verse associations were written.
	EventWorkIndexed EventType = "work.indexed"
	// EventWorkRemoved represents a work dropped from the index.
	EventWorkRemoved EventType = "work.removed"

	// EventBookRefreshed represents recomputed aggregates for one or more books.
	EventBookRefreshed EventType = "coverage.book_refreshed"

	// EventRebuildStarted represents the start of a full index rebuild.
	EventRebuildStarted EventType = "coverage.rebuild_started"
	// EventRebuildProgress represents one rebuilt book.
	EventRebuildProgress EventType = "coverage.rebuild_progress"
	// EventRebuildComplete represents the end of a full index rebuild.
	EventRebuildComplete EventType = "coverage.rebuild_completed"

	// EventHeartbeat represents a connection keepalive event.
	EventHeartbeat EventType = "heartbeat"
)

// Event represents an SSE event to be sent to clients.
// The Data field contains the event payload as a JSON object for direct deserialization.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Type      EventType `json:"type"`
}

// WorkIndexedEventData is the data payload for work.indexed events.
type WorkIndexedEventData struct {
	WorkID     string `json:"work_id"`
	VerseCount int    `json:"verse_count"`
}

// WorkRemovedEventData is the data payload for work.removed events.
type WorkRemovedEventData struct {
	WorkID    string    `json:"work_id"`
	RemovedAt time.Time `json:"removed_at"`
}

// BookRefreshedEventData is the data payload for coverage.book_refreshed events.
type BookRefreshedEventData struct {
	Books []string `json:"books"`
	Mode  string   `json:"mode"`
}

// RebuildStartedEventData is the data payload for rebuild start events.
type RebuildStartedEventData struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	Books     int       `json:"books"`
	Resumed   bool      `json:"resumed"`
}

// RebuildProgressEventData is the data payload for rebuild progress events.
type RebuildProgressEventData struct {
	RunID     string `json:"run_id"`
	Book      string `json:"book"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
}

// RebuildCompleteEventData is the data payload for rebuild completion events.
type RebuildCompleteEventData struct {
	RunID       string    `json:"run_id"`
	CompletedAt time.Time `json:"completed_at"`
	Works       int       `json:"works"`
	Skipped     int       `json:"skipped_references"`
	Error       string    `json:"error,omitempty"`
}

// HeartbeatEventData is the data payload for heartbeat events.
type HeartbeatEventData struct {
	ServerTime time.Time `json:"server_time"`
}

// NewWorkIndexedEvent creates a work.indexed event.
func NewWorkIndexedEvent(work *domain.Work) Event {
	return Event{
		Type:      EventWorkIndexed,
		Data:      WorkIndexedEventData{WorkID: work.ID, VerseCount: len(work.Verses)},
		Timestamp: time.Now(),
	}
}

// NewWorkRemovedEvent creates a work.removed event.
func NewWorkRemovedEvent(workID string) Event {
	now := time.Now()
	return Event{
		Type:      EventWorkRemoved,
		Data:      WorkRemovedEventData{WorkID: workID, RemovedAt: now},
		Timestamp: now,
	}
}

// NewBookRefreshedEvent creates a coverage.book_refreshed event.
func NewBookRefreshedEvent(books []scripture.BookID, mode string) Event {
	names := make([]string, 0, len(books))
	for _, id := range books {
		if b, ok := scripture.BookByID(id); ok {
			names = append(names, b.Name)
		}
	}
	return Event{
		Type:      EventBookRefreshed,
		Data:      BookRefreshedEventData{Books: names, Mode: mode},
		Timestamp: time.Now(),
	}
}

// NewRebuildStartedEvent creates a coverage.rebuild_started event.
func NewRebuildStartedEvent(runID string, books int, resumed bool) Event {
	now := time.Now()
	return Event{
		Type:      EventRebuildStarted,
		Data:      RebuildStartedEventData{RunID: runID, StartedAt: now, Books: books, Resumed: resumed},
		Timestamp: now,
	}
}

// NewRebuildProgressEvent creates a coverage.rebuild_progress event.
func NewRebuildProgressEvent(runID, book string, completed, total int) Event {
	return Event{
		Type:      EventRebuildProgress,
		Data:      RebuildProgressEventData{RunID: runID, Book: book, Completed: completed, Total: total},
		Timestamp: time.Now(),
	}
}

// NewRebuildCompleteEvent creates a coverage.rebuild_completed event.
func NewRebuildCompleteEvent(runID string, works, skipped int, err error) Event {
	now := time.Now()
	data := RebuildCompleteEventData{RunID: runID, CompletedAt: now, Works: works, Skipped: skipped}
	if err != nil {
		data.Error = err.Error()
	}
	return Event{
		Type:      EventRebuildComplete,
		Data:      data,
		Timestamp: now,
	}
}

// NewHeartbeatEvent creates a heartbeat event.
func NewHeartbeatEvent() Event {
	return Event{
		Type:      EventHeartbeat,
		Data:      HeartbeatEventData{ServerTime: time.Now()},
		Timestamp: time.Now(),
	}
}
