package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"family-chat-service/internal/middleware"
	"family-chat-service/internal/models"
	"family-chat-service/internal/service"
	"family-chat-service/internal/telemetry"
)

// Messenger is the messaging service as seen by the HTTP API.
type Messenger interface {
	StartConversation(ctx context.Context, in service.StartConversationInput) (models.ConversationSummary, error)
	ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error)
	GetConversation(ctx context.Context, conversationID, userID string) (models.ConversationSummary, error)
	AddParticipants(ctx context.Context, conversationID, actorID string, userIDs []string) ([]string, error)
	Send(ctx context.Context, in service.SendInput) (models.Message, bool, error)
	History(ctx context.Context, conversationID, userID string, after int64, limit int) (models.MessagePage, error)
	MarkRead(ctx context.Context, messageID, userID string) (models.ReadReceipt, error)
	Receipts(ctx context.Context, messageID, userID string) ([]models.ReadReceipt, error)
}

// ConversationHandler serves conversation directory endpoints.
type ConversationHandler struct {
	messenger Messenger
	audit     *telemetry.AuditEmitter
}

// NewConversationHandler builds a ConversationHandler. audit may be nil.
func NewConversationHandler(messenger Messenger, audit *telemetry.AuditEmitter) *ConversationHandler {
	return &ConversationHandler{messenger: messenger, audit: audit}
}

// ListConversations returns the caller's conversations, most recent first.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)

	list, err := h.messenger.ListConversations(c.Request.Context(), userID)
	if err != nil {
		abortWithError(c, err, "failed to load conversations")
		return
	}
	if list == nil {
		list = []models.ConversationSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}

// StartConversation creates a conversation within a family.
func (h *ConversationHandler) StartConversation(c *gin.Context) {
	var req struct {
		FamilyID       string   `json:"family_id" binding:"required"`
		Type           string   `json:"type" binding:"required"`
		ParticipantIDs []string `json:"participant_ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetString(middleware.UserIDKey)
	conv, err := h.messenger.StartConversation(c.Request.Context(), service.StartConversationInput{
		FamilyID:       req.FamilyID,
		Type:           models.ConversationType(req.Type),
		CreatorID:      userID,
		ParticipantIDs: req.ParticipantIDs,
	})
	if err != nil {
		abortWithError(c, err, "could not create conversation")
		return
	}

	h.audit.EmitAction(c.Request.Context(), "conversation_created", conv.ID, "conversation created type="+string(conv.Type), requestIDFromContext(c), userIDFromContext(c))
	c.JSON(http.StatusCreated, conv)
}

// GetConversation returns one conversation with its participants.
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	conversationID, ok := conversationParam(c)
	if !ok {
		return
	}

	conv, err := h.messenger.GetConversation(c.Request.Context(), conversationID, c.GetString(middleware.UserIDKey))
	if err != nil {
		abortWithError(c, err, "failed to load conversation")
		return
	}
	c.JSON(http.StatusOK, conv)
}

// AddParticipants adds family members to a group conversation.
func (h *ConversationHandler) AddParticipants(c *gin.Context) {
	conversationID, ok := conversationParam(c)
	if !ok {
		return
	}
	var req struct {
		UserIDs []string `json:"user_ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ids, err := h.messenger.AddParticipants(c.Request.Context(), conversationID, c.GetString(middleware.UserIDKey), req.UserIDs)
	if err != nil {
		if statusForError(err) == http.StatusConflict {
			h.audit.EmitAction(c.Request.Context(), "participants_rejected", conversationID, err.Error(), requestIDFromContext(c), userIDFromContext(c))
		}
		abortWithError(c, err, "could not add participants")
		return
	}

	h.audit.EmitAction(c.Request.Context(), "participants_added", conversationID, "participants added", requestIDFromContext(c), userIDFromContext(c))
	c.JSON(http.StatusOK, gin.H{"participant_ids": ids})
}

func conversationParam(c *gin.Context) (string, bool) {
	return uuidParam(c, "conversation_id", "invalid conversation id")
}

func uuidParam(c *gin.Context, name, message string) (string, bool) {
	raw := c.Param(name)
	if _, err := uuid.Parse(raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": message})
		return "", false
	}
	return raw, true
}
