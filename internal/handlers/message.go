package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"family-chat-service/internal/middleware"
	"family-chat-service/internal/models"
	"family-chat-service/internal/service"
	"family-chat-service/internal/telemetry"
)

// MessageHandler serves message history, sends and read receipts.
type MessageHandler struct {
	messenger Messenger
	audit     *telemetry.AuditEmitter
}

// NewMessageHandler builds a MessageHandler. audit may be nil.
func NewMessageHandler(messenger Messenger, audit *telemetry.AuditEmitter) *MessageHandler {
	return &MessageHandler{messenger: messenger, audit: audit}
}

// ListMessages returns a page of history after the given sequence cursor.
func (h *MessageHandler) ListMessages(c *gin.Context) {
	conversationID, ok := conversationParam(c)
	if !ok {
		return
	}

	var after int64
	if raw := c.Query("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
			return
		}
		after = parsed
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	page, err := h.messenger.History(c.Request.Context(), conversationID, c.GetString(middleware.UserIDKey), after, limit)
	if err != nil {
		abortWithError(c, err, "failed to load messages")
		return
	}
	if page.Messages == nil {
		page.Messages = []models.Message{}
	}
	c.JSON(http.StatusOK, page)
}

// PostMessage persists a message and broadcasts it to live subscribers.
func (h *MessageHandler) PostMessage(c *gin.Context) {
	conversationID, ok := conversationParam(c)
	if !ok {
		return
	}
	var req struct {
		ContentType     string `json:"content_type"`
		Content         string `json:"content" binding:"required"`
		ClientMessageID string `json:"client_message_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, duplicate, err := h.messenger.Send(c.Request.Context(), service.SendInput{
		ConversationID:  conversationID,
		SenderID:        c.GetString(middleware.UserIDKey),
		ContentType:     models.ContentType(req.ContentType),
		Content:         req.Content,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		if statusForError(err) == http.StatusForbidden {
			h.audit.EmitAction(c.Request.Context(), "message_denied", conversationID, "send by non-participant", requestIDFromContext(c), userIDFromContext(c))
		}
		abortWithError(c, err, "failed to send message")
		return
	}

	if duplicate {
		c.JSON(http.StatusOK, msg)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// MarkRead records a read receipt for the caller.
func (h *MessageHandler) MarkRead(c *gin.Context) {
	messageID, ok := uuidParam(c, "message_id", "invalid message id")
	if !ok {
		return
	}

	if _, err := h.messenger.MarkRead(c.Request.Context(), messageID, c.GetString(middleware.UserIDKey)); err != nil {
		abortWithError(c, err, "failed to mark message read")
		return
	}
	c.Status(http.StatusNoContent)
}

// ListReceipts returns who has read a message.
func (h *MessageHandler) ListReceipts(c *gin.Context) {
	messageID, ok := uuidParam(c, "message_id", "invalid message id")
	if !ok {
		return
	}

	receipts, err := h.messenger.Receipts(c.Request.Context(), messageID, c.GetString(middleware.UserIDKey))
	if err != nil {
		abortWithError(c, err, "failed to load receipts")
		return
	}
	if receipts == nil {
		receipts = []models.ReadReceipt{}
	}
	c.JSON(http.StatusOK, gin.H{"receipts": receipts})
}
