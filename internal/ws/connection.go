package ws

import (
	"sort"
	"sync"

	"family-chat-service/internal/observability"
)

const (
	defaultSendBuffer = 64
	defaultMaxDrops   = 256
)

// Frame is one outbound websocket text message. ConversationID is empty for
// session-level frames.
type Frame struct {
	ConversationID string
	Payload        []byte
}

// Connection is the broker side of one websocket session: the authenticated
// user, a bounded outbound queue and the set of joined conversations.
type Connection struct {
	ID     string
	UserID string
	Info   ConnInfo

	send     chan Frame
	maxDrops int

	mu            sync.Mutex
	subscriptions map[string]struct{}
	stale         map[string]struct{}
	drops         int
	closed        bool

	closeOnce   sync.Once
	done        chan struct{}
	closeReason string
}

// NewConnection creates a connection with the given queue size. Non-positive
// values fall back to the defaults.
func NewConnection(info ConnInfo, sendBuffer, maxDrops int) *Connection {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	if maxDrops <= 0 {
		maxDrops = defaultMaxDrops
	}
	return &Connection{
		ID:            info.ConnID,
		UserID:        info.UserID,
		Info:          info,
		send:          make(chan Frame, sendBuffer),
		maxDrops:      maxDrops,
		subscriptions: make(map[string]struct{}),
		stale:         make(map[string]struct{}),
		done:          make(chan struct{}),
	}
}

// Frames is the outbound queue drained by the session writer.
func (c *Connection) Frames() <-chan Frame {
	return c.send
}

// Done is closed once the connection has been asked to close.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close marks the connection closed. Only the first reason is kept.
func (c *Connection) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeReason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

// CloseReason returns the reason given to the first Close call.
func (c *Connection) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

// Enqueue queues a frame without blocking. When the queue is full the oldest
// frame is dropped and its conversation is flagged for resync. It returns
// false when a frame had to be dropped.
func (c *Connection) Enqueue(frame Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	select {
	case c.send <- frame:
		c.drops = 0
		return true
	default:
	}

	select {
	case old := <-c.send:
		if old.ConversationID != "" {
			c.stale[old.ConversationID] = struct{}{}
		}
	default:
	}
	observability.IncFrameDropped()
	c.drops++

	select {
	case c.send <- frame:
	default:
		if frame.ConversationID != "" {
			c.stale[frame.ConversationID] = struct{}{}
		}
	}

	if c.drops > c.maxDrops {
		go c.Close("slow consumer")
	}
	return false
}

// TakeResync returns and clears the conversations that lost frames.
func (c *Connection) TakeResync() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.stale) == 0 {
		return nil
	}
	ids := make([]string, 0, len(c.stale))
	for id := range c.stale {
		ids = append(ids, id)
	}
	c.stale = make(map[string]struct{})
	sort.Strings(ids)
	return ids
}

// Subscriptions returns the joined conversation ids.
func (c *Connection) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Connection) track(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.subscriptions[conversationID] = struct{}{}
	return true
}

func (c *Connection) untrack(conversationID string) {
	c.mu.Lock()
	delete(c.subscriptions, conversationID)
	c.mu.Unlock()
}

// shutdown stops further joins and returns the subscriptions to remove.
func (c *Connection) shutdown() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	ids := make([]string, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		ids = append(ids, id)
	}
	c.subscriptions = make(map[string]struct{})
	return ids
}
