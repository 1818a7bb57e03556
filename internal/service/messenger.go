// Package service orchestrates conversations, messages and read receipts on
// top of the repositories, and hands persisted events to the broker.
package service

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"family-chat-service/internal/models"
	"family-chat-service/internal/observability"
	"family-chat-service/internal/repositories"
)

// History page sizes used when no WithHistoryLimits option is given.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// Broadcaster fans events out to live subscribers of a conversation. It must
// not block on slow consumers.
type Broadcaster interface {
	Publish(conversationID string, event models.ChatEvent)
}

// Messenger is the entry point for every chat operation, shared by the HTTP
// API and websocket sessions.
type Messenger struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	receipts      repositories.ReceiptRepository
	members       repositories.MembershipRepository
	broadcaster   Broadcaster

	defaultLimit int
	maxLimit     int
}

// Option configures a Messenger.
type Option func(*Messenger)

// WithHistoryLimits overrides the default and maximum history page sizes.
func WithHistoryLimits(defaultLimit, maxLimit int) Option {
	return func(m *Messenger) {
		if defaultLimit > 0 {
			m.defaultLimit = defaultLimit
		}
		if maxLimit > 0 {
			m.maxLimit = maxLimit
		}
	}
}

// NewMessenger wires a Messenger. A nil broadcaster disables live delivery.
func NewMessenger(
	conversations repositories.ConversationRepository,
	messages repositories.MessageRepository,
	receipts repositories.ReceiptRepository,
	members repositories.MembershipRepository,
	broadcaster Broadcaster,
	opts ...Option,
) *Messenger {
	m := &Messenger{
		conversations: conversations,
		messages:      messages,
		receipts:      receipts,
		members:       members,
		broadcaster:   broadcaster,
		defaultLimit:  DefaultHistoryLimit,
		maxLimit:      MaxHistoryLimit,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartConversationInput describes a conversation to create.
type StartConversationInput struct {
	FamilyID       string
	Type           models.ConversationType
	CreatorID      string
	ParticipantIDs []string
}

// StartConversation validates the participant list against the family and
// the conversation type, then stores the conversation.
func (m *Messenger) StartConversation(ctx context.Context, in StartConversationInput) (models.ConversationSummary, error) {
	if !in.Type.Valid() {
		return models.ConversationSummary{}, ErrInvalidType
	}
	if in.FamilyID == "" {
		return models.ConversationSummary{}, fmt.Errorf("%w: family id is required", ErrInvalidParticipants)
	}

	ids := dedupe(in.ParticipantIDs)
	if err := checkCardinality(in.Type, len(ids)); err != nil {
		return models.ConversationSummary{}, err
	}
	if !contains(ids, in.CreatorID) {
		return models.ConversationSummary{}, fmt.Errorf("%w: creator must be a participant", ErrInvalidParticipants)
	}
	if err := m.checkFamily(ctx, in.FamilyID, ids); err != nil {
		return models.ConversationSummary{}, err
	}

	conv, err := m.conversations.CreateConversation(ctx, models.Conversation{
		ID:              uuid.NewString(),
		FamilyID:        in.FamilyID,
		Type:            in.Type,
		CreatedByUserID: in.CreatorID,
	}, ids)
	if err != nil {
		return models.ConversationSummary{}, err
	}

	participants, err := m.conversations.ListParticipants(ctx, conv.ID)
	if err != nil {
		return models.ConversationSummary{}, err
	}
	log.Printf("conversation created id=%s family_id=%s type=%s participants=%d", conv.ID, conv.FamilyID, conv.Type, len(participants))
	return models.ConversationSummary{Conversation: conv, ParticipantIDs: participants}, nil
}

// ListConversations returns the user's conversations, most recently active first.
func (m *Messenger) ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	return m.conversations.ListConversationsForUser(ctx, userID)
}

// GetConversation returns a conversation the user participates in.
func (m *Messenger) GetConversation(ctx context.Context, conversationID, userID string) (models.ConversationSummary, error) {
	conv, err := m.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return models.ConversationSummary{}, err
	}
	participants, err := m.conversations.ListParticipants(ctx, conversationID)
	if err != nil {
		return models.ConversationSummary{}, err
	}
	if !contains(participants, userID) {
		return models.ConversationSummary{}, repositories.ErrNotParticipant
	}
	return models.ConversationSummary{Conversation: conv, ParticipantIDs: participants}, nil
}

// AddParticipants adds family members to a GROUP conversation. It returns the
// full participant list afterwards.
func (m *Messenger) AddParticipants(ctx context.Context, conversationID, actorID string, userIDs []string) ([]string, error) {
	conv, err := m.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := m.requireParticipant(ctx, conversationID, actorID); err != nil {
		return nil, err
	}

	switch conv.Type {
	case models.ConversationConfidential:
		return nil, repositories.ErrParticipantsImmutable
	case models.ConversationDirect:
		return nil, fmt.Errorf("%w: direct conversations have exactly 2 participants", ErrInvalidCardinality)
	}

	ids := dedupe(userIDs)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no user ids given", ErrInvalidParticipants)
	}
	if err := m.checkFamily(ctx, conv.FamilyID, ids); err != nil {
		return nil, err
	}
	if _, err := m.conversations.AddParticipants(ctx, conversationID, ids); err != nil {
		return nil, err
	}
	return m.conversations.ListParticipants(ctx, conversationID)
}

// SendInput is one message send. ClientMessageID is optional.
type SendInput struct {
	ConversationID  string
	SenderID        string
	ContentType     models.ContentType
	Content         string
	ClientMessageID string
}

// Send persists a message and then publishes it to the conversation channel.
// The returned bool reports a de-duplicated retry, which is not published
// again. Publishing never fails a send.
func (m *Messenger) Send(ctx context.Context, in SendInput) (models.Message, bool, error) {
	if in.ContentType == "" {
		in.ContentType = models.ContentText
	}
	if !in.ContentType.Valid() {
		return models.Message{}, false, ErrInvalidContentType
	}
	if strings.TrimSpace(in.Content) == "" {
		return models.Message{}, false, ErrEmptyContent
	}

	msg, duplicate, err := m.messages.Append(ctx, models.NewMessage{
		ConversationID:  in.ConversationID,
		SenderID:        in.SenderID,
		ContentType:     in.ContentType,
		Content:         in.Content,
		ClientMessageID: in.ClientMessageID,
	})
	if err != nil {
		return models.Message{}, false, err
	}
	if duplicate {
		return msg, true, nil
	}

	observability.IncMessagePersisted(string(msg.ContentType))
	m.publish(msg.ConversationID, models.ChatEvent{
		Event:          models.EventReceiveMessage,
		ConversationID: msg.ConversationID,
		Message:        &msg,
	})
	return msg, false, nil
}

// History returns up to limit messages with seq greater than after, oldest
// first. NextCursor is set when more messages may follow.
func (m *Messenger) History(ctx context.Context, conversationID, userID string, after int64, limit int) (models.MessagePage, error) {
	if after < 0 {
		return models.MessagePage{}, ErrInvalidCursor
	}
	if _, err := m.conversations.GetConversation(ctx, conversationID); err != nil {
		return models.MessagePage{}, err
	}
	if err := m.requireParticipant(ctx, conversationID, userID); err != nil {
		return models.MessagePage{}, err
	}

	limit = m.clampLimit(limit)
	msgs, err := m.messages.ListMessages(ctx, conversationID, after, limit)
	if err != nil {
		return models.MessagePage{}, err
	}

	page := models.MessagePage{Messages: msgs}
	if len(msgs) == limit {
		next := msgs[len(msgs)-1].Seq
		page.NextCursor = &next
	}
	return page, nil
}

// MarkRead records that userID has read the message. Repeating it is a no-op
// and publishes nothing.
func (m *Messenger) MarkRead(ctx context.Context, messageID, userID string) (models.ReadReceipt, error) {
	msg, err := m.messages.GetMessage(ctx, messageID)
	if err != nil {
		return models.ReadReceipt{}, err
	}
	if err := m.requireParticipant(ctx, msg.ConversationID, userID); err != nil {
		return models.ReadReceipt{}, err
	}

	receipt, created, err := m.receipts.MarkRead(ctx, messageID, userID)
	if err != nil {
		return models.ReadReceipt{}, err
	}
	if created {
		m.publish(msg.ConversationID, models.ChatEvent{
			Event:          models.EventMessageRead,
			ConversationID: msg.ConversationID,
			Receipt:        &receipt,
		})
	}
	return receipt, nil
}

// Receipts lists who has read a message.
func (m *Messenger) Receipts(ctx context.Context, messageID, userID string) ([]models.ReadReceipt, error) {
	msg, err := m.messages.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := m.requireParticipant(ctx, msg.ConversationID, userID); err != nil {
		return nil, err
	}
	return m.receipts.ListReceipts(ctx, messageID)
}

func (m *Messenger) publish(conversationID string, event models.ChatEvent) {
	if m.broadcaster == nil {
		return
	}
	m.broadcaster.Publish(conversationID, event)
}

func (m *Messenger) requireParticipant(ctx context.Context, conversationID, userID string) error {
	ok, err := m.conversations.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return repositories.ErrNotParticipant
	}
	return nil
}

func (m *Messenger) checkFamily(ctx context.Context, familyID string, userIDs []string) error {
	for _, id := range userIDs {
		ok, err := m.members.IsFamilyMember(ctx, familyID, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s is not a member of family %s", ErrInvalidParticipants, id, familyID)
		}
	}
	return nil
}

func (m *Messenger) clampLimit(limit int) int {
	if limit <= 0 {
		return m.defaultLimit
	}
	if limit > m.maxLimit {
		return m.maxLimit
	}
	return limit
}

func checkCardinality(t models.ConversationType, n int) error {
	if t == models.ConversationDirect {
		if n != 2 {
			return fmt.Errorf("%w: direct conversations need exactly 2 participants, got %d", ErrInvalidCardinality, n)
		}
		return nil
	}
	if n < 2 {
		return fmt.Errorf("%w: %s needs at least 2 participants, got %d", ErrInvalidCardinality, t, n)
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
