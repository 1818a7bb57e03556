// Package memory holds an in-memory implementation of the chat repositories.
// It backs the memory storage driver and tests that need real concurrency.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"family-chat-service/internal/models"
	"family-chat-service/internal/repositories"
)

type conversationState struct {
	mu           sync.Mutex
	conv         models.Conversation
	participants map[string]time.Time
	messages     []models.Message
	clientIDs    map[string]string // sender + client id -> message id
}

// Store implements the conversation, message, receipt and membership
// repositories. The conversation table is guarded by one lock; each
// conversation log has its own.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*conversationState
	messages      map[string]models.Message
	receipts      map[string]map[string]models.ReadReceipt // message id -> user id -> receipt
	families      map[string]map[string]struct{}

	now func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		conversations: make(map[string]*conversationState),
		messages:      make(map[string]models.Message),
		receipts:      make(map[string]map[string]models.ReadReceipt),
		families:      make(map[string]map[string]struct{}),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

var (
	_ repositories.ConversationRepository = (*Store)(nil)
	_ repositories.MessageRepository      = (*Store)(nil)
	_ repositories.ReceiptRepository      = (*Store)(nil)
	_ repositories.MembershipRepository   = (*Store)(nil)
)

// AddFamilyMember records an approved family membership.
func (s *Store) AddFamilyMember(familyID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.families[familyID]
	if !ok {
		members = make(map[string]struct{})
		s.families[familyID] = members
	}
	members[userID] = struct{}{}
}

// IsFamilyMember implements repositories.MembershipRepository.
func (s *Store) IsFamilyMember(ctx context.Context, familyID string, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.families[familyID][userID]
	return ok, nil
}

// CreateConversation implements repositories.ConversationRepository.
func (s *Store) CreateConversation(ctx context.Context, conv models.Conversation, participantIDs []string) (models.Conversation, error) {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	conv.CreatedAt = s.now()
	conv.LastSeq = 0
	conv.LastMessageAt = nil

	state := &conversationState{
		conv:         conv,
		participants: make(map[string]time.Time, len(participantIDs)),
		clientIDs:    make(map[string]string),
	}
	for _, id := range participantIDs {
		state.participants[id] = conv.CreatedAt
	}

	s.mu.Lock()
	s.conversations[conv.ID] = state
	s.mu.Unlock()
	return conv, nil
}

func (s *Store) state(conversationID string) (*conversationState, error) {
	s.mu.RLock()
	state, ok := s.conversations[conversationID]
	s.mu.RUnlock()
	if !ok {
		return nil, repositories.ErrConversationNotFound
	}
	return state, nil
}

// GetConversation implements repositories.ConversationRepository.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	state, err := s.state(conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.snapshot(), nil
}

// IsParticipant implements repositories.ConversationRepository.
func (s *Store) IsParticipant(ctx context.Context, conversationID string, userID string) (bool, error) {
	state, err := s.state(conversationID)
	if err != nil {
		return false, nil
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	_, ok := state.participants[userID]
	return ok, nil
}

// ListParticipants implements repositories.ConversationRepository.
func (s *Store) ListParticipants(ctx context.Context, conversationID string) ([]string, error) {
	state, err := s.state(conversationID)
	if err != nil {
		return []string{}, nil
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.participantIDs(), nil
}

// ListConversationsForUser implements repositories.ConversationRepository.
func (s *Store) ListConversationsForUser(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	s.mu.RLock()
	states := make([]*conversationState, 0, len(s.conversations))
	for _, state := range s.conversations {
		states = append(states, state)
	}
	s.mu.RUnlock()

	result := []models.ConversationSummary{}
	for _, state := range states {
		state.mu.Lock()
		if _, ok := state.participants[userID]; ok {
			result = append(result, models.ConversationSummary{Conversation: state.snapshot(), ParticipantIDs: state.participantIDs()})
		}
		state.mu.Unlock()
	}

	sort.Slice(result, func(i, j int) bool {
		ai, aj := result[i].ActivityAt(), result[j].ActivityAt()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// AddParticipants implements repositories.ConversationRepository.
func (s *Store) AddParticipants(ctx context.Context, conversationID string, userIDs []string) ([]string, error) {
	state, err := s.state(conversationID)
	if err != nil {
		return nil, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.conv.Type != models.ConversationGroup {
		return nil, repositories.ErrParticipantsImmutable
	}

	added := []string{}
	now := s.now()
	for _, id := range userIDs {
		if _, ok := state.participants[id]; ok {
			continue
		}
		state.participants[id] = now
		added = append(added, id)
	}
	sort.Strings(added)
	return added, nil
}

// Append implements repositories.MessageRepository. The per-conversation lock
// is held from the participation check to the index update.
func (s *Store) Append(ctx context.Context, in models.NewMessage) (models.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, false, err
	}
	state, err := s.state(in.ConversationID)
	if err != nil {
		return models.Message{}, false, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if _, ok := state.participants[in.SenderID]; !ok {
		return models.Message{}, false, repositories.ErrNotParticipant
	}

	dedupeKey := in.SenderID + "\x00" + in.ClientMessageID
	if in.ClientMessageID != "" {
		if id, ok := state.clientIDs[dedupeKey]; ok {
			s.mu.RLock()
			existing := s.messages[id]
			s.mu.RUnlock()
			return existing, true, nil
		}
	}

	stamp := s.now()
	if state.conv.LastMessageAt != nil && stamp.Before(*state.conv.LastMessageAt) {
		stamp = *state.conv.LastMessageAt
	}
	state.conv.LastSeq++
	state.conv.LastMessageAt = &stamp

	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: in.ConversationID,
		Seq:            state.conv.LastSeq,
		SenderID:       in.SenderID,
		ContentType:    in.ContentType,
		Content:        in.Content,
		CreatedAt:      stamp,
	}
	if in.ClientMessageID != "" {
		clientID := in.ClientMessageID
		msg.ClientMessageID = &clientID
		state.clientIDs[dedupeKey] = msg.ID
	}
	state.messages = append(state.messages, msg)

	s.mu.Lock()
	s.messages[msg.ID] = msg
	s.mu.Unlock()
	return msg, false, nil
}

// ListMessages implements repositories.MessageRepository.
func (s *Store) ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]models.Message, error) {
	state, err := s.state(conversationID)
	if err != nil {
		return []models.Message{}, nil
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	// messages are stored in seq order starting at 1
	start := int(afterSeq)
	if start < 0 {
		start = 0
	}
	if start >= len(state.messages) {
		return []models.Message{}, nil
	}
	end := len(state.messages)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]models.Message, end-start)
	copy(out, state.messages[start:end])
	return out, nil
}

// GetMessage implements repositories.MessageRepository.
func (s *Store) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	return msg, nil
}

// MarkRead implements repositories.ReceiptRepository.
func (s *Store) MarkRead(ctx context.Context, messageID string, userID string) (models.ReadReceipt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[messageID]; !ok {
		return models.ReadReceipt{}, false, repositories.ErrMessageNotFound
	}
	byUser, ok := s.receipts[messageID]
	if !ok {
		byUser = make(map[string]models.ReadReceipt)
		s.receipts[messageID] = byUser
	}
	if existing, ok := byUser[userID]; ok {
		return existing, false, nil
	}
	receipt := models.ReadReceipt{MessageID: messageID, UserID: userID, ReadAt: s.now()}
	byUser[userID] = receipt
	return receipt, true, nil
}

// ListReceipts implements repositories.ReceiptRepository.
func (s *Store) ListReceipts(ctx context.Context, messageID string) ([]models.ReadReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ReadReceipt, 0, len(s.receipts[messageID]))
	for _, receipt := range s.receipts[messageID] {
		out = append(out, receipt)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReadAt.Equal(out[j].ReadAt) {
			return out[i].ReadAt.Before(out[j].ReadAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (st *conversationState) snapshot() models.Conversation {
	conv := st.conv
	if conv.LastMessageAt != nil {
		at := *conv.LastMessageAt
		conv.LastMessageAt = &at
	}
	return conv
}

func (st *conversationState) participantIDs() []string {
	ids := make([]string, 0, len(st.participants))
	for id := range st.participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
