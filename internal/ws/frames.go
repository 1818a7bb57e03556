package ws

import (
	"encoding/json"

	"family-chat-service/internal/models"
)

// Inbound commands.
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventMarkRead          = "mark_read"
	EventPing              = "ping"
)

// Session-level outbound events. Conversation events use the names in models.
const (
	EventConnected      = "connected"
	EventJoined         = "joined"
	EventLeft           = "left"
	EventMessageSent    = "message_sent"
	EventResyncRequired = "resync_required"
	EventPong           = "pong"
	EventError          = "error"
)

// Error frame codes.
const (
	CodeBadRequest       = "bad_request"
	CodeForbidden        = "forbidden"
	CodeNotFound         = "not_found"
	CodeInternal         = "internal_error"
	CodeUnsupportedEvent = "unsupported_event"
)

type inboundFrame struct {
	Event           string             `json:"event"`
	ConversationID  string             `json:"conversation_id"`
	MessageID       string             `json:"message_id"`
	ContentType     models.ContentType `json:"content_type"`
	Content         string             `json:"content"`
	ClientMessageID string             `json:"client_message_id"`
	RequestID       string             `json:"request_id"`
}

type outboundFrame struct {
	Event           string          `json:"event"`
	ConversationID  string          `json:"conversation_id,omitempty"`
	ConversationIDs []string        `json:"conversation_ids,omitempty"`
	ConnectionID    string          `json:"connection_id,omitempty"`
	UserID          string          `json:"user_id,omitempty"`
	Message         *models.Message `json:"message,omitempty"`
	Duplicate       bool            `json:"duplicate,omitempty"`
	RequestID       string          `json:"request_id,omitempty"`
	Code            string          `json:"code,omitempty"`
	Error           string          `json:"error,omitempty"`
}

func encodeFrame(frame outboundFrame) []byte {
	payload, _ := json.Marshal(frame)
	return payload
}

func errorFrame(in inboundFrame, code, text string) outboundFrame {
	return outboundFrame{
		Event:          EventError,
		ConversationID: in.ConversationID,
		RequestID:      in.RequestID,
		Code:           code,
		Error:          text,
	}
}
