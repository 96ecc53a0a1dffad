// ABOUTME: Per-user connection registry with scoped, non-blocking fan-out
// ABOUTME: A message is delivered only to connections of its sender and recipient

package realtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/huddle-chat/internal/metrics"
	"github.com/2389/huddle-chat/internal/store"
)

// DefaultBufferSize is the per-connection event buffer
const DefaultBufferSize = 64

// Broadcaster maps user ids to their live connections. Each connection gets
// its own buffered channel and an opaque connection id.
type Broadcaster struct {
	mu          sync.RWMutex
	connections map[int64]map[string]chan *Event // userID -> connID -> ch
	closed      bool
	bufferSize  int
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. bufferSize <= 0 selects DefaultBufferSize.
// m and logger may be nil.
func NewBroadcaster(bufferSize int, m *metrics.Metrics, logger *slog.Logger) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		connections: make(map[int64]map[string]chan *Event),
		bufferSize:  bufferSize,
		metrics:     m,
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a connection for userID. It returns the event channel
// and the connection id. The connection is removed when ctx is cancelled.
// After Close the returned channel is already closed.
func (b *Broadcaster) Subscribe(ctx context.Context, userID int64) (<-chan *Event, string) {
	connID := uuid.New().String()
	ch := make(chan *Event, b.bufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, connID
	}
	if _, ok := b.connections[userID]; !ok {
		b.connections[userID] = make(map[string]chan *Event)
	}
	b.connections[userID][connID] = ch
	b.mu.Unlock()

	b.metrics.ConnectionOpened()
	b.logger.Debug("connection registered", "user_id", userID, "conn_id", connID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(userID, connID)
	}()

	return ch, connID
}

// Publish queues msg for every connection of msg.FromUser and msg.ToUser.
// Non-blocking: a connection whose buffer is full misses the event.
func (b *Broadcaster) Publish(msg *store.Message) {
	event := &Event{Message: msg}

	// Sends never block, so they are done under the read lock to keep
	// Unsubscribe from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.deliver(msg.FromUser, event)
	if msg.ToUser != msg.FromUser {
		b.deliver(msg.ToUser, event)
	}
}

// deliver must be called with b.mu held
func (b *Broadcaster) deliver(userID int64, event *Event) {
	for connID, ch := range b.connections[userID] {
		select {
		case ch <- event:
			b.metrics.EventDelivered()
		default:
			b.metrics.EventDropped()
			b.logger.Warn("dropped event for slow connection",
				"user_id", userID,
				"conn_id", connID,
				"message_id", event.Message.ID)
		}
	}
}

// Unsubscribe removes a connection and closes its channel.
func (b *Broadcaster) Unsubscribe(userID int64, connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	conns, ok := b.connections[userID]
	if !ok {
		return
	}
	ch, exists := conns[connID]
	if !exists {
		return
	}

	delete(conns, connID)
	close(ch)
	if len(conns) == 0 {
		delete(b.connections, userID)
	}

	b.metrics.ConnectionClosed()
	b.logger.Debug("connection removed", "user_id", userID, "conn_id", connID)
}

// ConnectionCount returns the number of live connections across all users.
func (b *Broadcaster) ConnectionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, conns := range b.connections {
		n += len(conns)
	}
	return n
}

// Close shuts down the broadcaster and closes all connection channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for userID, conns := range b.connections {
		for connID, ch := range conns {
			close(ch)
			delete(conns, connID)
			b.metrics.ConnectionClosed()
		}
		delete(b.connections, userID)
	}

	b.logger.Debug("broadcaster closed")
}
