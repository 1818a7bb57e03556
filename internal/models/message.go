package models

import "time"

// ContentType tags the payload of a message.
type ContentType string

const (
	ContentText   ContentType = "TEXT"
	ContentImage  ContentType = "IMAGE"
	ContentSystem ContentType = "SYSTEM"
)

// Valid reports whether t is a known content type.
func (t ContentType) Valid() bool {
	switch t {
	case ContentText, ContentImage, ContentSystem:
		return true
	}
	return false
}

// Message is an immutable entry in a conversation log. Seq is assigned by the
// store and totally orders messages within one conversation.
type Message struct {
	ID              string      `db:"id" json:"id"`
	ConversationID  string      `db:"conversation_id" json:"conversation_id"`
	Seq             int64       `db:"seq" json:"seq"`
	SenderID        string      `db:"sender_id" json:"sender_id"`
	ContentType     ContentType `db:"content_type" json:"content_type"`
	Content         string      `db:"content" json:"content"`
	ClientMessageID *string     `db:"client_message_id" json:"client_message_id,omitempty"`
	CreatedAt       time.Time   `db:"created_at" json:"created_at"`
}

// NewMessage is the input to a message store append.
type NewMessage struct {
	ConversationID  string
	SenderID        string
	ContentType     ContentType
	Content         string
	ClientMessageID string
}

// MessagePage is one page of conversation history.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor *int64    `json:"next_cursor,omitempty"`
}

// ReadReceipt records that a user has seen a message.
type ReadReceipt struct {
	MessageID string    `db:"message_id" json:"message_id"`
	UserID    string    `db:"user_id" json:"user_id"`
	ReadAt    time.Time `db:"read_at" json:"read_at"`
}

// Event names delivered over conversation channels.
const (
	EventReceiveMessage = "receive_message"
	EventMessageRead    = "message_read"
)

// ChatEvent is broadcast to every subscriber of a conversation channel.
type ChatEvent struct {
	Event          string       `json:"event"`
	ConversationID string       `json:"conversation_id"`
	Message        *Message     `json:"message,omitempty"`
	Receipt        *ReadReceipt `json:"receipt,omitempty"`
}
