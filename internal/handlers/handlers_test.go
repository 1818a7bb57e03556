package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"family-chat-service/internal/mocks"
	"family-chat-service/internal/models"
	"family-chat-service/internal/repositories"
	"family-chat-service/internal/service"
	"family-chat-service/internal/telemetry"
)

func setupRouter(messenger Messenger, audit *telemetry.AuditEmitter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("userID", "alice")
		c.Next()
	})
	conversations := NewConversationHandler(messenger, audit)
	messages := NewMessageHandler(messenger, audit)
	r.GET("/conversations", conversations.ListConversations)
	r.POST("/conversations", conversations.StartConversation)
	r.GET("/conversations/:conversation_id", conversations.GetConversation)
	r.POST("/conversations/:conversation_id/participants", conversations.AddParticipants)
	r.GET("/conversations/:conversation_id/messages", messages.ListMessages)
	r.POST("/conversations/:conversation_id/messages", messages.PostMessage)
	r.POST("/messages/:message_id/read", messages.MarkRead)
	r.GET("/messages/:message_id/receipts", messages.ListReceipts)
	return r
}

func do(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestListConversations(t *testing.T) {
	messenger := new(mocks.MessengerMock)
	router := setupRouter(messenger, nil)

	messenger.On("ListConversations", mock.Anything, "alice").Return([]models.ConversationSummary{
		{Conversation: models.Conversation{ID: "c1", Type: models.ConversationGroup}, ParticipantIDs: []string{"alice", "bob"}},
	}, nil).Once()

	rec := do(router, http.MethodGet, "/conversations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Conversations []models.ConversationSummary `json:"conversations"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Conversations, 1)
	assert.Equal(t, []string{"alice", "bob"}, resp.Conversations[0].ParticipantIDs)
	messenger.AssertExpectations(t)
}

func TestListConversationsEmptyIsArray(t *testing.T) {
	messenger := new(mocks.MessengerMock)
	router := setupRouter(messenger, nil)
	messenger.On("ListConversations", mock.Anything, "alice").Return(nil, nil).Once()

	rec := do(router, http.MethodGet, "/conversations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"conversations":[]}`, rec.Body.String())
}

func TestListConversationsError(t *testing.T) {
	messenger := new(mocks.MessengerMock)
	router := setupRouter(messenger, nil)
	messenger.On("ListConversations", mock.Anything, "alice").Return(nil, assert.AnError).Once()

	rec := do(router, http.MethodGet, "/conversations", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"failed to load conversations"}`, rec.Body.String())
}

func TestStartConversation(t *testing.T) {
	messenger := new(mocks.MessengerMock)
	publisher := new(mocks.PublisherMock)
	audit := telemetry.NewAuditEmitter(publisher, "audit.chat", "family-chat-service", "test")
	router := setupRouter(messenger, audit)

	in := service.StartConversationInput{
		FamilyID:       "fam-1",
		Type:           models.ConversationDirect,
		CreatorID:      "alice",
		ParticipantIDs: []string{"alice", "bob"},
	}
	messenger.On("StartConversation", mock.Anything, in).Return(models.ConversationSummary{
		Conversation:   models.Conversation{ID: "c1", FamilyID: "fam-1", Type: models.ConversationDirect, CreatedByUserID: "alice"},
		ParticipantIDs: []string{"alice", "bob"},
	}, nil).Once()
	publisher.On("Publish", mock.Anything, "audit.chat", mock.AnythingOfType("telemetry.AuditEnvelope"), mock.Anything).Return(nil).Once()

	rec := do(router, http.MethodPost, "/conversations", `{"family_id":"fam-1","type":"DIRECT","participant_ids":["alice","bob"]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var conv models.ConversationSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&conv))
	assert.Equal(t, "c1", conv.ID)
	messenger.AssertExpectations(t)
	publisher.AssertExpectations(t)
}

func TestStartConversationErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: 3 ids", service.ErrInvalidCardinality), http.StatusBadRequest},
		{service.ErrInvalidParticipants, http.StatusBadRequest},
		{service.ErrInvalidType, http.StatusBadRequest},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			messenger := new(mocks.MessengerMock)
			router := setupRouter(messenger, nil)
			messenger.On("StartConversation", mock.Anything, mock.Anything).Return(nil, tc.err).Once()

			rec := do(router, http.MethodPost, "/conversations", `{"family_id":"fam-1","type":"DIRECT","participant_ids":["alice","bob","carol"]}`)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestStartConversationBadBody(t *testing.T) {
	messenger := new(mocks.MessengerMock)
	router := setupRouter(messenger, nil)

	rec := do(router, http.MethodPost, "/conversations", `{"type":"GROUP"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	messenger.AssertNotCalled(t, "StartConversation", mock.Anything, mock.Anything)
}

func TestGetConversation(t *testing.T) {
	messenger := new(mocks.MessengerMock)
	router := setupRouter(messenger, nil)
	id := uuid.NewString()

	messenger.On("GetConversation", mock.Anything, id, "alice").Return(nil, repositories.ErrNotParticipant).Once()
	rec := do(router, http.MethodGet, "/conversations/"+id, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	missing := uuid.NewString()
	messenger.On("GetConversation", mock.Anything, missing, "alice").Return(nil, repositories.ErrConversationNotFound).Once()
	rec = do(router, http.MethodGet, "/conversations/"+missing, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(router, http.MethodGet, "/conversations/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	messenger.AssertExpectations(t)
}

func TestAddParticipantsImmutable(t *testing.T) {
	messenger := new(mocks.MessengerMock)
	publisher := new(mocks.PublisherMock)
	router := setupRouter(messenger, telemetry.NewAuditEmitter(publisher, "audit.chat", "svc", "test"))
	id := uuid.NewString()

	messenger.On("AddParticipants", mock.Anything, id, "alice", []string{"carol"}).Return(nil, repositories.ErrParticipantsImmutable).Once()
	publisher.On("Publish", mock.Anything, "audit.chat", mock.Anything, mock.Anything).Return(nil).Once()

	rec := do(router, http.MethodPost, "/conversations/"+id+"/participants", `{"user_ids":["carol"]}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	messenger.AssertExpectations(t)
	publisher.AssertExpectations(t)
}

func TestAddParticipants(t *testing.T) {
	messenger := new(mocks.MessengerMock)
	router := setupRouter(messenger, nil)
	id := uuid.NewString()

	messenger.On("AddParticipants", mock.Anything, id, "alice", []string{"carol"}).Return([]string{"alice", "bob", "carol"}, nil).Once()

	rec := do(router, http.MethodPost, "/conversations/"+id+"/participants", `{"user_ids":["carol"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"participant_ids":["alice","bob","carol"]}`, rec.Body.String())
}

func TestListMessages(t *testing.T) {
	messenger := new(mocks.MessengerMock)
	router := setupRouter(messenger, nil)
	id := uuid.NewString()
	next := int64(12)

	messenger.On("History", mock.Anything, id, "alice", int64(10), 2).Return(models.MessagePage{
		Messages:   []models.Message{{ID: "m11", Seq: 11}, {ID: "m12", Seq: 12}},
		NextCursor: &next,
	}, nil).Once()

	rec := do(router, http.MethodGet, "/conversations/"+id+"/messages?after=10&limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page models.MessagePage
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&page))
	require.Len(t, page.Messages, 2)
	require.NotNil(t, page.NextCursor)
	assert.Equal(t, int64(12), *page.NextCursor)
	messenger.AssertExpectations(t)
}

func TestListMessagesBadQuery(t *testing.T) {
	messenger := new(mocks.MessengerMock)
	router := setupRouter(messenger, nil)
	id := uuid.NewString()

	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodGet, "/conversations/"+id+"/messages?after=abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodGet, "/conversations/"+id+"/messages?after=-1", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodGet, "/conversations/"+id+"/messages?limit=x", "").Code)
	messenger.AssertNotCalled(t, "History", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPostMessage(t *testing.T) {
	messenger := new(mocks.MessengerMock)
	router := setupRouter(messenger, nil)
	id := uuid.NewString()

	in := service.SendInput{ConversationID: id, SenderID: "alice", ContentType: models.ContentText, Content: "hello", ClientMessageID: "k1"}
	stored := models.Message{ID: "m1", ConversationID: id, Seq: 1, SenderID: "alice", ContentType: models.ContentText, Content: "hello", CreatedAt: time.Now().UTC()}
	messenger.On("Send", mock.Anything, in).Return(stored, false, nil).Once()
	messenger.On("Send", mock.Anything, in).Return(stored, true, nil).Once()

	body := `{"content_type":"TEXT","content":"hello","client_message_id":"k1"}`
	rec := do(router, http.MethodPost, "/conversations/"+id+"/messages", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(router, http.MethodPost, "/conversations/"+id+"/messages", body)
	require.Equal(t, http.StatusOK, rec.Code)
	var msg models.Message
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&msg))
	assert.Equal(t, "m1", msg.ID)
	messenger.AssertExpectations(t)
}

func TestPostMessageErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"not participant", repositories.ErrNotParticipant, http.StatusForbidden},
		{"missing conversation", repositories.ErrConversationNotFound, http.StatusNotFound},
		{"bad content type", service.ErrInvalidContentType, http.StatusBadRequest},
		{"store failure", assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			messenger := new(mocks.MessengerMock)
			router := setupRouter(messenger, nil)
			messenger.On("Send", mock.Anything, mock.Anything).Return(nil, false, tc.err).Once()

			rec := do(router, http.MethodPost, "/conversations/"+uuid.NewString()+"/messages", `{"content":"x"}`)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestMarkReadAndReceipts(t *testing.T) {
	messenger := new(mocks.MessengerMock)
	router := setupRouter(messenger, nil)
	id := uuid.NewString()

	messenger.On("MarkRead", mock.Anything, id, "alice").Return(models.ReadReceipt{MessageID: id, UserID: "alice"}, nil).Once()
	rec := do(router, http.MethodPost, "/messages/"+id+"/read", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	messenger.On("Receipts", mock.Anything, id, "alice").Return([]models.ReadReceipt{{MessageID: id, UserID: "alice"}}, nil).Once()
	rec = do(router, http.MethodGet, "/messages/"+id+"/receipts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Receipts []models.ReadReceipt `json:"receipts"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Receipts, 1)

	other := uuid.NewString()
	messenger.On("MarkRead", mock.Anything, other, "alice").Return(nil, repositories.ErrMessageNotFound).Once()
	rec = do(router, http.MethodPost, "/messages/"+other+"/read", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	messenger.AssertExpectations(t)
}

type fixedCounter int

func (f fixedCounter) Subscribers(conversationID string) int { return int(f) }

func TestDebugRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterDebugRoutes(router, nil, fixedCounter(3), true)

	rec := do(router, http.MethodGet, "/debug/audit-test", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(router, http.MethodGet, "/debug/conversations/c1/subscribers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"conversation_id":"c1","subscribers":3}`, rec.Body.String())

	disabled := gin.New()
	RegisterDebugRoutes(disabled, nil, fixedCounter(3), false)
	assert.Equal(t, http.StatusNotFound, do(disabled, http.MethodGet, "/debug/audit-test", "").Code)
}
