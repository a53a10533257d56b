package sse

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/versesung/coverage-server/internal/id"
)

const (
	eventBuffer  = 1024
	clientBuffer = 64
)

// Subscription narrows what a client receives. The zero value receives
// everything.
type Subscription struct {
	// Types limits delivery to these event types.
	Types []EventType
	// Books limits book-scoped events (refreshes and rebuild progress) to
	// these canonical book names. Other events are unaffected.
	Books []string
}

func (s Subscription) matches(e Event) bool {
	if e.Type == EventHeartbeat {
		return true
	}
	if len(s.Types) > 0 && !slices.Contains(s.Types, e.Type) {
		return false
	}
	if len(s.Books) == 0 {
		return true
	}
	switch d := e.Data.(type) {
	case BookRefreshedEventData:
		return slices.ContainsFunc(d.Books, func(b string) bool { return slices.Contains(s.Books, b) })
	case RebuildProgressEventData:
		return slices.Contains(s.Books, d.Book)
	default:
		return true
	}
}

// Client is one connected event stream.
type Client struct {
	ID          string
	ConnectedAt time.Time
	EventChan   chan Event
	Done        chan struct{}

	sub Subscription
}

// RebuildStatus is the progress of the rebuild currently running.
type RebuildStatus struct {
	RunID     string
	StartedAt time.Time
	Completed int
	Total     int
}

// Manager fans coverage events out to connected clients.
type Manager struct {
	logger    *slog.Logger
	heartbeat time.Duration

	events   chan Event
	quit     chan struct{}
	quitOnce sync.Once
	stopped  chan struct{}

	mu      sync.RWMutex
	clients map[string]*Client

	rebuild atomic.Pointer[RebuildStatus]
}

// NewManager creates a manager. Call Start to begin delivery.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		logger:    logger,
		heartbeat: 30 * time.Second,
		events:    make(chan Event, eventBuffer),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
		clients:   make(map[string]*Client),
	}
}

// Start runs the delivery loop until ctx is done or Shutdown is called.
func (m *Manager) Start(ctx context.Context) {
	defer close(m.stopped)
	defer m.closeAllClients()

	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()

	m.logger.Info("SSE manager starting")
	for {
		select {
		case e := <-m.events:
			m.broadcast(e)
		case <-ticker.C:
			m.broadcast(NewHeartbeatEvent())
		case <-m.quit:
			m.drain()
			return
		case <-ctx.Done():
			m.logger.Info("SSE manager stopping")
			return
		}
	}
}

// drain delivers whatever was queued before Shutdown.
func (m *Manager) drain() {
	for {
		select {
		case e := <-m.events:
			m.broadcast(e)
		default:
			return
		}
	}
}

// Shutdown stops accepting events, delivers the queued ones and disconnects
// every client. It waits for Start to return or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.quitOnce.Do(func() { close(m.quit) })

	select {
	case <-m.stopped:
		m.logger.Info("SSE manager shutdown complete")
	case <-ctx.Done():
		m.logger.Warn("SSE event drain timeout, some events may be lost")
	}
	return nil
}

// Emit queues an event for delivery. It never blocks; when the queue is full
// the event is dropped. Non-Event values are rejected.
func (m *Manager) Emit(event any) {
	e, ok := event.(Event)
	if !ok {
		m.logger.Error("invalid event type emitted")
		return
	}
	m.track(e)

	select {
	case <-m.quit:
		return
	default:
	}

	select {
	case m.events <- e:
	default:
		m.logger.Error("SSE event channel full, dropping event",
			slog.String("event_type", string(e.Type)))
	}
}

// track records rebuild progress at emit time so health checks see it
// before the event is delivered.
func (m *Manager) track(e Event) {
	//nolint:exhaustive // Only rebuild events carry progress.
	switch e.Type {
	case EventRebuildStarted:
		if d, ok := e.Data.(RebuildStartedEventData); ok {
			m.rebuild.Store(&RebuildStatus{RunID: d.RunID, StartedAt: d.StartedAt, Total: d.Books})
		}
	case EventRebuildProgress:
		if d, ok := e.Data.(RebuildProgressEventData); ok {
			m.rebuild.Store(&RebuildStatus{RunID: d.RunID, StartedAt: m.rebuildStart(), Completed: d.Completed, Total: d.Total})
		}
	case EventRebuildComplete:
		m.rebuild.Store(nil)
	}
}

func (m *Manager) rebuildStart() time.Time {
	if cur := m.rebuild.Load(); cur != nil {
		return cur.StartedAt
	}
	return time.Time{}
}

// Rebuild returns the progress of the running rebuild, if any.
func (m *Manager) Rebuild() (RebuildStatus, bool) {
	cur := m.rebuild.Load()
	if cur == nil {
		return RebuildStatus{}, false
	}
	return *cur, true
}

func (m *Manager) broadcast(e Event) {
	var delivered, dropped int

	m.mu.RLock()
	for _, c := range m.clients {
		if !c.sub.matches(e) {
			continue
		}
		select {
		case c.EventChan <- e:
			delivered++
		default:
			dropped++
		}
	}
	m.mu.RUnlock()

	if dropped > 0 {
		m.logger.Warn("dropped event for slow clients",
			slog.String("event_type", string(e.Type)),
			slog.Int("dropped", dropped))
	}
	if e.Type != EventHeartbeat {
		m.logger.Debug("event broadcast",
			slog.String("event_type", string(e.Type)),
			slog.Int("delivered", delivered))
	}
}

// Connect registers a client with the given subscription.
func (m *Manager) Connect(sub Subscription) (*Client, error) {
	clientID, err := id.Generate("sse")
	if err != nil {
		return nil, err
	}
	c := &Client{
		ID:          clientID,
		ConnectedAt: time.Now(),
		EventChan:   make(chan Event, clientBuffer),
		Done:        make(chan struct{}),
		sub:         sub,
	}

	m.mu.Lock()
	m.clients[c.ID] = c
	total := len(m.clients)
	m.mu.Unlock()

	m.logger.Info("SSE client connected",
		slog.String("client_id", c.ID),
		slog.Any("types", sub.Types),
		slog.Any("books", sub.Books),
		slog.Int("total_clients", total))
	return c, nil
}

// Disconnect removes a client. Unknown ids are ignored.
func (m *Manager) Disconnect(clientID string) {
	m.mu.Lock()
	c, ok := m.clients[clientID]
	if ok {
		delete(m.clients, clientID)
	}
	total := len(m.clients)
	m.mu.Unlock()
	if !ok {
		return
	}

	close(c.Done)
	close(c.EventChan)
	m.logger.Info("SSE client disconnected",
		slog.String("client_id", clientID),
		slog.Duration("duration", time.Since(c.ConnectedAt)),
		slog.Int("total_clients", total))
}

// ClientCount returns the number of connected clients.
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

func (m *Manager) closeAllClients() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clients {
		close(c.Done)
		close(c.EventChan)
	}
	clear(m.clients)
}
