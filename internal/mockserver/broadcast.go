package mockserver

import (
	"sync"
	"time"

	"github.com/eventdesk/livesync/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	clientBuffer = 64
	writeWait    = 10 * time.Second
)

type client struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	userID string
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, clientBuffer),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

func (c *client) setUser(id string) {
	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()
}

func (c *client) user() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Broadcaster fans frames out to every connected channel client. Queued
// frames are batched and flushed in order once per throttle interval.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	throttle time.Duration
	logger   zerolog.Logger

	flushMu    sync.Mutex
	pending    [][]byte
	flushTimer *time.Timer
}

func NewBroadcaster(throttle time.Duration, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		clients:  make(map[*client]bool),
		throttle: throttle,
		logger:   logger.With().Str("component", "broadcaster").Logger(),
	}
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) *client {
	c := newClient(conn)
	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()
	return c
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

// Publish sends msg to every client immediately.
func (b *Broadcaster) Publish(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("topic", string(msg.Topic())).Msg("encode failed")
		return
	}
	b.deliver(data, func(*client) bool { return true })
}

// PublishTo sends msg to the clients authenticated as userID.
func (b *Broadcaster) PublishTo(userID string, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("topic", string(msg.Topic())).Msg("encode failed")
		return
	}
	b.deliver(data, func(c *client) bool { return c.user() == userID })
}

// Queue schedules msg for the next throttled flush.
func (b *Broadcaster) Queue(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("topic", string(msg.Topic())).Msg("encode failed")
		return
	}

	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	b.pending = append(b.pending, data)
	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	frames := b.pending
	b.pending = nil
	b.flushTimer = nil
	b.flushMu.Unlock()

	for _, data := range frames {
		b.deliver(data, func(*client) bool { return true })
	}
}

// relay forwards a client's frame to every other client.
func (b *Broadcaster) relay(from *client, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	b.deliver(data, func(c *client) bool { return c != from })
}

func (b *Broadcaster) sendTo(c *client, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	b.deliver(data, func(o *client) bool { return o == c })
}

func (b *Broadcaster) deliver(data []byte, match func(*client) bool) {
	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		if match(c) {
			clients = append(clients, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range clients {
		if !b.trySend(c, data) {
			b.logger.Warn().Str("client", c.id.String()).Msg("ws client too slow, disconnecting")
			b.RemoveClient(c)
		}
	}
}

// trySend queues data without blocking. It holds the read lock so a
// concurrent RemoveClient cannot close the channel mid-send.
func (b *Broadcaster) trySend(c *client, data []byte) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.clients[c] {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// AuthenticatedCount returns how many clients completed the handshake.
func (b *Broadcaster) AuthenticatedCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for c := range b.clients {
		if c.user() != "" {
			n++
		}
	}
	return n
}
