package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"family-chat-service/internal/mocks"
	"family-chat-service/internal/models"
	"family-chat-service/internal/repositories"
	"family-chat-service/internal/repositories/memory"
	"family-chat-service/internal/service"
)

// recordingBroadcaster captures published events and, for each message event,
// whether the message was already readable from history.
type recordingBroadcaster struct {
	mu        sync.Mutex
	store     *memory.Store
	events    []models.ChatEvent
	persisted []bool
}

func (b *recordingBroadcaster) Publish(conversationID string, event models.ChatEvent) {
	visible := true
	if event.Message != nil {
		_, err := b.store.GetMessage(context.Background(), event.Message.ID)
		visible = err == nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	b.persisted = append(b.persisted, visible)
}

func (b *recordingBroadcaster) snapshot() []models.ChatEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.ChatEvent(nil), b.events...)
}

func setup(t *testing.T) (*service.Messenger, *memory.Store, *recordingBroadcaster) {
	t.Helper()
	store := memory.NewStore()
	for _, user := range []string{"alice", "bob", "carol", "dave"} {
		store.AddFamilyMember("fam-1", user)
	}
	store.AddFamilyMember("fam-2", "eve")
	b := &recordingBroadcaster{store: store}
	return service.NewMessenger(store, store, store, store, b), store, b
}

func startGroup(t *testing.T, m *service.Messenger, creator string, ids ...string) models.ConversationSummary {
	t.Helper()
	conv, err := m.StartConversation(context.Background(), service.StartConversationInput{
		FamilyID:       "fam-1",
		Type:           models.ConversationGroup,
		CreatorID:      creator,
		ParticipantIDs: ids,
	})
	require.NoError(t, err)
	return conv
}

func TestStartConversationMalformedFamilyIDWithSQLMembership(t *testing.T) {
	store := memory.NewStore()
	// No database behind the repository; malformed ids are rejected before querying.
	m := service.NewMessenger(store, store, store, repositories.NewMembershipRepo(nil), &recordingBroadcaster{store: store})

	_, err := m.StartConversation(context.Background(), service.StartConversationInput{
		FamilyID:       "fam-1",
		Type:           models.ConversationGroup,
		CreatorID:      "alice",
		ParticipantIDs: []string{"alice", "bob"},
	})
	assert.ErrorIs(t, err, service.ErrInvalidParticipants)
}

func TestStartConversationValidation(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   service.StartConversationInput
		err  error
	}{
		{"unknown type", service.StartConversationInput{FamilyID: "fam-1", Type: "CHANNEL", CreatorID: "alice", ParticipantIDs: []string{"alice", "bob"}}, service.ErrInvalidType},
		{"direct with one", service.StartConversationInput{FamilyID: "fam-1", Type: models.ConversationDirect, CreatorID: "alice", ParticipantIDs: []string{"alice"}}, service.ErrInvalidCardinality},
		{"direct with three", service.StartConversationInput{FamilyID: "fam-1", Type: models.ConversationDirect, CreatorID: "alice", ParticipantIDs: []string{"alice", "bob", "carol"}}, service.ErrInvalidCardinality},
		{"direct duplicates collapse", service.StartConversationInput{FamilyID: "fam-1", Type: models.ConversationDirect, CreatorID: "alice", ParticipantIDs: []string{"alice", "alice"}}, service.ErrInvalidCardinality},
		{"group with one", service.StartConversationInput{FamilyID: "fam-1", Type: models.ConversationGroup, CreatorID: "alice", ParticipantIDs: []string{"alice"}}, service.ErrInvalidCardinality},
		{"creator missing", service.StartConversationInput{FamilyID: "fam-1", Type: models.ConversationGroup, CreatorID: "alice", ParticipantIDs: []string{"bob", "carol"}}, service.ErrInvalidParticipants},
		{"outsider", service.StartConversationInput{FamilyID: "fam-1", Type: models.ConversationGroup, CreatorID: "alice", ParticipantIDs: []string{"alice", "eve"}}, service.ErrInvalidParticipants},
		{"no family", service.StartConversationInput{Type: models.ConversationGroup, CreatorID: "alice", ParticipantIDs: []string{"alice", "bob"}}, service.ErrInvalidParticipants},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.StartConversation(ctx, tc.in)
			assert.ErrorIs(t, err, tc.err)
		})
	}

	list, err := m.ListConversations(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, list, "rejected requests must not write anything")
}

func TestStartDirectConversation(t *testing.T) {
	m, _, _ := setup(t)
	conv, err := m.StartConversation(context.Background(), service.StartConversationInput{
		FamilyID:       "fam-1",
		Type:           models.ConversationDirect,
		CreatorID:      "alice",
		ParticipantIDs: []string{"bob", "alice", "bob"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, conv.ID)
	assert.Equal(t, "alice", conv.CreatedByUserID)
	assert.ElementsMatch(t, []string{"alice", "bob"}, conv.ParticipantIDs)
}

func TestSendPersistsThenPublishes(t *testing.T) {
	m, _, b := setup(t)
	ctx := context.Background()
	conv := startGroup(t, m, "alice", "alice", "bob")

	msg, dup, err := m.Send(ctx, service.SendInput{ConversationID: conv.ID, SenderID: "alice", Content: "hello"})
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, int64(1), msg.Seq)
	assert.Equal(t, models.ContentText, msg.ContentType)

	events := b.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventReceiveMessage, events[0].Event)
	assert.Equal(t, msg, *events[0].Message)
	assert.True(t, b.persisted[0], "message must be in history before it is published")

	page, err := m.History(ctx, conv.ID, "bob", 0, 0)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, msg, page.Messages[0])
	assert.Nil(t, page.NextCursor)
}

func TestSendRejections(t *testing.T) {
	m, _, b := setup(t)
	ctx := context.Background()
	conv := startGroup(t, m, "alice", "alice", "bob")

	_, _, err := m.Send(ctx, service.SendInput{ConversationID: conv.ID, SenderID: "carol", Content: "hi"})
	assert.ErrorIs(t, err, repositories.ErrNotParticipant)

	_, _, err = m.Send(ctx, service.SendInput{ConversationID: "missing", SenderID: "alice", Content: "hi"})
	assert.ErrorIs(t, err, repositories.ErrConversationNotFound)

	_, _, err = m.Send(ctx, service.SendInput{ConversationID: conv.ID, SenderID: "alice", Content: "  "})
	assert.ErrorIs(t, err, service.ErrEmptyContent)

	_, _, err = m.Send(ctx, service.SendInput{ConversationID: conv.ID, SenderID: "alice", ContentType: "VIDEO", Content: "x"})
	assert.ErrorIs(t, err, service.ErrInvalidContentType)

	assert.Empty(t, b.snapshot())
}

func TestSendDuplicateIsNotRepublished(t *testing.T) {
	m, _, b := setup(t)
	ctx := context.Background()
	conv := startGroup(t, m, "alice", "alice", "bob")

	in := service.SendInput{ConversationID: conv.ID, SenderID: "alice", Content: "once", ClientMessageID: "c-1"}
	first, dup, err := m.Send(ctx, in)
	require.NoError(t, err)
	assert.False(t, dup)

	second, dup, err := m.Send(ctx, in)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, b.snapshot(), 1)
}

func TestSendPersistenceFailureDoesNotPublish(t *testing.T) {
	msgs := &mocks.MessageRepositoryMock{}
	msgs.On("Append", mock.Anything, mock.AnythingOfType("models.NewMessage")).Return(nil, false, errors.New("disk full"))
	b := &recordingBroadcaster{store: memory.NewStore()}
	m := service.NewMessenger(&mocks.ConversationRepositoryMock{}, msgs, &mocks.ReceiptRepositoryMock{}, &mocks.MembershipRepositoryMock{}, b)

	_, _, err := m.Send(context.Background(), service.SendInput{ConversationID: "c", SenderID: "u", Content: "x"})
	assert.EqualError(t, err, "disk full")
	assert.Empty(t, b.snapshot())
	msgs.AssertExpectations(t)
}

func TestConcurrentSendsAreTotallyOrdered(t *testing.T) {
	m, _, b := setup(t)
	ctx := context.Background()
	conv := startGroup(t, m, "alice", "alice", "bob", "carol")

	const perSender = 25
	var wg sync.WaitGroup
	for _, sender := range []string{"alice", "bob", "carol"} {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				_, _, err := m.Send(ctx, service.SendInput{ConversationID: conv.ID, SenderID: sender, Content: fmt.Sprintf("%s-%d", sender, i)})
				assert.NoError(t, err)
			}
		}(sender)
	}
	wg.Wait()

	page, err := m.History(ctx, conv.ID, "alice", 0, service.MaxHistoryLimit)
	require.NoError(t, err)
	require.Len(t, page.Messages, 3*perSender)
	for i, msg := range page.Messages {
		assert.Equal(t, int64(i+1), msg.Seq)
	}
	assert.Len(t, b.snapshot(), 3*perSender)
}

func TestHistoryPagination(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()
	conv := startGroup(t, m, "alice", "alice", "bob")
	for i := 0; i < 5; i++ {
		_, _, err := m.Send(ctx, service.SendInput{ConversationID: conv.ID, SenderID: "alice", Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	page, err := m.History(ctx, conv.ID, "bob", 0, 2)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	require.NotNil(t, page.NextCursor)
	assert.Equal(t, int64(2), *page.NextCursor)

	page, err = m.History(ctx, conv.ID, "bob", *page.NextCursor, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4}, seqs(page.Messages))

	page, err = m.History(ctx, conv.ID, "bob", 4, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, seqs(page.Messages))
	assert.Nil(t, page.NextCursor)

	_, err = m.History(ctx, conv.ID, "carol", 0, 2)
	assert.ErrorIs(t, err, repositories.ErrNotParticipant)

	_, err = m.History(ctx, conv.ID, "bob", -1, 2)
	assert.ErrorIs(t, err, service.ErrInvalidCursor)
}

func TestHistoryLimitIsClamped(t *testing.T) {
	_, store, _ := setup(t)
	m := service.NewMessenger(store, store, store, store, nil, service.WithHistoryLimits(2, 3))
	ctx := context.Background()
	conv := startGroup(t, m, "alice", "alice", "bob")
	for i := 0; i < 5; i++ {
		_, _, err := m.Send(ctx, service.SendInput{ConversationID: conv.ID, SenderID: "alice", Content: "x"})
		require.NoError(t, err)
	}

	page, err := m.History(ctx, conv.ID, "alice", 0, 0)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 2)

	page, err = m.History(ctx, conv.ID, "alice", 0, 100)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 3)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	m, _, b := setup(t)
	ctx := context.Background()
	conv := startGroup(t, m, "alice", "alice", "bob")
	msg, _, err := m.Send(ctx, service.SendInput{ConversationID: conv.ID, SenderID: "alice", Content: "read me"})
	require.NoError(t, err)

	first, err := m.MarkRead(ctx, msg.ID, "bob")
	require.NoError(t, err)
	second, err := m.MarkRead(ctx, msg.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	receipts, err := m.Receipts(ctx, msg.ID, "alice")
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, "bob", receipts[0].UserID)

	var readEvents int
	for _, ev := range b.snapshot() {
		if ev.Event == models.EventMessageRead {
			readEvents++
		}
	}
	assert.Equal(t, 1, readEvents)

	_, err = m.MarkRead(ctx, msg.ID, "carol")
	assert.ErrorIs(t, err, repositories.ErrNotParticipant)
	_, err = m.MarkRead(ctx, "missing", "bob")
	assert.ErrorIs(t, err, repositories.ErrMessageNotFound)
	_, err = m.Receipts(ctx, msg.ID, "carol")
	assert.ErrorIs(t, err, repositories.ErrNotParticipant)
}

func TestAddParticipants(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()
	group := startGroup(t, m, "alice", "alice", "bob")

	ids, err := m.AddParticipants(ctx, group.ID, "alice", []string{"carol", "bob"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, ids)

	_, err = m.AddParticipants(ctx, group.ID, "dave", []string{"dave"})
	assert.ErrorIs(t, err, repositories.ErrNotParticipant)

	_, err = m.AddParticipants(ctx, group.ID, "alice", []string{"eve"})
	assert.ErrorIs(t, err, service.ErrInvalidParticipants)

	confidential, err := m.StartConversation(ctx, service.StartConversationInput{
		FamilyID: "fam-1", Type: models.ConversationConfidential, CreatorID: "alice", ParticipantIDs: []string{"alice", "bob"},
	})
	require.NoError(t, err)
	_, err = m.AddParticipants(ctx, confidential.ID, "alice", []string{"carol"})
	assert.ErrorIs(t, err, repositories.ErrParticipantsImmutable)

	direct, err := m.StartConversation(ctx, service.StartConversationInput{
		FamilyID: "fam-1", Type: models.ConversationDirect, CreatorID: "alice", ParticipantIDs: []string{"alice", "bob"},
	})
	require.NoError(t, err)
	_, err = m.AddParticipants(ctx, direct.ID, "alice", []string{"carol"})
	assert.ErrorIs(t, err, service.ErrInvalidCardinality)
}

func TestGetConversation(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()
	conv := startGroup(t, m, "alice", "alice", "bob")

	got, err := m.GetConversation(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)

	_, err = m.GetConversation(ctx, conv.ID, "carol")
	assert.ErrorIs(t, err, repositories.ErrNotParticipant)

	_, err = m.GetConversation(ctx, "missing", "bob")
	assert.ErrorIs(t, err, repositories.ErrConversationNotFound)
}

func seqs(msgs []models.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, msg := range msgs {
		out[i] = msg.Seq
	}
	return out
}
