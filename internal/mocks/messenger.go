package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"family-chat-service/internal/models"
	"family-chat-service/internal/service"
)

type MessengerMock struct {
	mock.Mock
}

func (m *MessengerMock) StartConversation(ctx context.Context, in service.StartConversationInput) (models.ConversationSummary, error) {
	args := m.Called(ctx, in)
	var conv models.ConversationSummary
	if val := args.Get(0); val != nil {
		conv = val.(models.ConversationSummary)
	}
	return conv, args.Error(1)
}

func (m *MessengerMock) ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	args := m.Called(ctx, userID)
	var list []models.ConversationSummary
	if val := args.Get(0); val != nil {
		list = val.([]models.ConversationSummary)
	}
	return list, args.Error(1)
}

func (m *MessengerMock) GetConversation(ctx context.Context, conversationID, userID string) (models.ConversationSummary, error) {
	args := m.Called(ctx, conversationID, userID)
	var conv models.ConversationSummary
	if val := args.Get(0); val != nil {
		conv = val.(models.ConversationSummary)
	}
	return conv, args.Error(1)
}

func (m *MessengerMock) AddParticipants(ctx context.Context, conversationID, actorID string, userIDs []string) ([]string, error) {
	args := m.Called(ctx, conversationID, actorID, userIDs)
	var ids []string
	if val := args.Get(0); val != nil {
		ids = val.([]string)
	}
	return ids, args.Error(1)
}

func (m *MessengerMock) Send(ctx context.Context, in service.SendInput) (models.Message, bool, error) {
	args := m.Called(ctx, in)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Bool(1), args.Error(2)
}

func (m *MessengerMock) History(ctx context.Context, conversationID, userID string, after int64, limit int) (models.MessagePage, error) {
	args := m.Called(ctx, conversationID, userID, after, limit)
	var page models.MessagePage
	if val := args.Get(0); val != nil {
		page = val.(models.MessagePage)
	}
	return page, args.Error(1)
}

func (m *MessengerMock) MarkRead(ctx context.Context, messageID, userID string) (models.ReadReceipt, error) {
	args := m.Called(ctx, messageID, userID)
	var receipt models.ReadReceipt
	if val := args.Get(0); val != nil {
		receipt = val.(models.ReadReceipt)
	}
	return receipt, args.Error(1)
}

func (m *MessengerMock) Receipts(ctx context.Context, messageID, userID string) ([]models.ReadReceipt, error) {
	args := m.Called(ctx, messageID, userID)
	var receipts []models.ReadReceipt
	if val := args.Get(0); val != nil {
		receipts = val.([]models.ReadReceipt)
	}
	return receipts, args.Error(1)
}
