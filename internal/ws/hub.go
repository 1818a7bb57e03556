package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"

	"family-chat-service/internal/models"
	"family-chat-service/internal/observability"
)

var (
	// ErrForbidden means the user is not a participant of the conversation.
	ErrForbidden = errors.New("not a participant of the conversation")
	// ErrConnectionClosed is returned when joining on a connection that is
	// already being torn down.
	ErrConnectionClosed = errors.New("connection closed")
)

// ParticipantChecker answers whether a user may subscribe to a conversation.
type ParticipantChecker interface {
	IsParticipant(ctx context.Context, conversationID string, userID string) (bool, error)
}

// Relay forwards frames published on this node to other nodes.
type Relay interface {
	Publish(conversationID string, payload []byte)
}

type channel struct {
	mu   sync.Mutex
	subs map[string]*Connection
	// dead is set when the channel has been removed from the hub table.
	dead bool
}

// Hub maintains the conversation channels of this process. The table lock
// only guards lookup, creation and removal of channels; subscriber sets are
// guarded per channel.
type Hub struct {
	mu          sync.Mutex
	channels    map[string]*channel
	connections map[string]*Connection

	checker ParticipantChecker
	relay   Relay
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithRelay mirrors every local publish to relay.
func WithRelay(relay Relay) HubOption {
	return func(h *Hub) {
		h.relay = relay
	}
}

// NewHub creates an empty hub.
func NewHub(checker ParticipantChecker, opts ...HubOption) *Hub {
	h := &Hub{
		channels:    make(map[string]*channel),
		connections: make(map[string]*Connection),
		checker:     checker,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register makes a connection known to the hub so Close can reach it.
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	h.connections[conn.ID] = conn
	h.mu.Unlock()
}

// Join subscribes conn to a conversation after checking participation.
// Joining twice is a no-op.
func (h *Hub) Join(ctx context.Context, conn *Connection, conversationID string) error {
	ok, err := h.checker.IsParticipant(ctx, conversationID, conn.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}

	for {
		ch := h.channelFor(conversationID)
		ch.mu.Lock()
		if ch.dead {
			// reaped between lookup and lock
			ch.mu.Unlock()
			continue
		}
		if _, joined := ch.subs[conn.ID]; joined {
			ch.mu.Unlock()
			return nil
		}
		if !conn.track(conversationID) {
			ch.mu.Unlock()
			h.reap(conversationID, ch)
			return ErrConnectionClosed
		}
		ch.subs[conn.ID] = conn
		ch.mu.Unlock()
		return nil
	}
}

// Leave unsubscribes conn from a conversation. It is a no-op when conn is not
// subscribed.
func (h *Hub) Leave(conn *Connection, conversationID string) {
	h.remove(conn, conversationID)
	conn.untrack(conversationID)
}

// Disconnect removes conn from every channel. It returns once the removal is
// complete and may be called more than once.
func (h *Hub) Disconnect(conn *Connection) {
	for _, conversationID := range conn.shutdown() {
		h.remove(conn, conversationID)
	}
	h.mu.Lock()
	delete(h.connections, conn.ID)
	h.mu.Unlock()
}

// Publish delivers an event to local subscribers and to the relay, if any.
// It never waits on a subscriber.
func (h *Hub) Publish(conversationID string, event models.ChatEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("hub marshal failed conversation_id=%s event=%s: %v", conversationID, event.Event, err)
		return
	}
	observability.IncFramePublished(event.Event)
	h.deliver(conversationID, payload)
	if h.relay != nil {
		h.relay.Publish(conversationID, payload)
	}
}

// DeliverRemote hands a frame received from another node to local
// subscribers only.
func (h *Hub) DeliverRemote(conversationID string, payload []byte) {
	h.deliver(conversationID, payload)
}

// Subscribers returns the number of local subscribers of a conversation.
func (h *Hub) Subscribers(conversationID string) int {
	h.mu.Lock()
	ch, ok := h.channels[conversationID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.subs)
}

// Close asks every registered connection to close.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, conn := range h.connections {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close("server shutdown")
	}
}

func (h *Hub) deliver(conversationID string, payload []byte) {
	h.mu.Lock()
	ch, ok := h.channels[conversationID]
	h.mu.Unlock()
	if !ok {
		return
	}

	frame := Frame{ConversationID: conversationID, Payload: payload}
	ch.mu.Lock()
	for _, conn := range ch.subs {
		conn.Enqueue(frame)
	}
	ch.mu.Unlock()
}

func (h *Hub) channelFor(conversationID string) *channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[conversationID]
	if !ok {
		ch = &channel{subs: make(map[string]*Connection)}
		h.channels[conversationID] = ch
	}
	return ch
}

func (h *Hub) remove(conn *Connection, conversationID string) {
	h.mu.Lock()
	ch, ok := h.channels[conversationID]
	h.mu.Unlock()
	if !ok {
		return
	}

	ch.mu.Lock()
	delete(ch.subs, conn.ID)
	empty := len(ch.subs) == 0
	ch.mu.Unlock()
	if empty {
		h.reap(conversationID, ch)
	}
}

// reap drops an empty channel from the table.
func (h *Hub) reap(conversationID string, ch *channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.subs) == 0 && !ch.dead && h.channels[conversationID] == ch {
		ch.dead = true
		delete(h.channels, conversationID)
	}
}
