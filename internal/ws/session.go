package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"family-chat-service/internal/identity"
	"family-chat-service/internal/models"
	"family-chat-service/internal/observability"
	"family-chat-service/internal/repositories"
	"family-chat-service/internal/service"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	commandTimeout = 10 * time.Second
)

// Messenger is the part of the messaging service a session drives.
type Messenger interface {
	Send(ctx context.Context, in service.SendInput) (models.Message, bool, error)
	MarkRead(ctx context.Context, messageID, userID string) (models.ReadReceipt, error)
}

// SessionHandler serves GET /ws. One socket carries any number of
// conversation subscriptions.
type SessionHandler struct {
	hub        *Hub
	messenger  Messenger
	resolver   identity.Resolver
	sendBuffer int
	maxDrops   int
}

// NewSessionHandler constructs a SessionHandler.
func NewSessionHandler(hub *Hub, messenger Messenger, resolver identity.Resolver, sendBuffer, maxDrops int) *SessionHandler {
	return &SessionHandler{
		hub:        hub,
		messenger:  messenger,
		resolver:   resolver,
		sendBuffer: sendBuffer,
		maxDrops:   maxDrops,
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle authenticates the request, upgrades it and runs the session until
// the socket closes.
func (h *SessionHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("family-chat-service/ws").Start(c.Request.Context(), "ws.handshake", trace.WithSpanKind(trace.SpanKindServer))

	token, err := identity.ParseBearer(c.GetHeader("Authorization"))
	if err != nil {
		token = c.Query("token")
	}
	if token == "" {
		span.End()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	userID, err := h.resolver.Resolve(ctx, token)
	if err != nil {
		span.End()
		if errors.Is(err, identity.ErrUnavailable) {
			c.JSON(http.StatusBadGateway, gin.H{"error": "identity service unavailable"})
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.End()
		return
	}
	traceID := span.SpanContext().TraceID().String()
	span.End()

	info := ConnInfo{
		ConnID:      uuid.NewString(),
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	}
	conn := NewConnection(info, h.sendBuffer, h.maxDrops)
	h.hub.Register(conn)

	observability.IncWSActive()
	publishLifecycle(ctx, info, "ws_connect", "")
	log.Printf("ws connected conn_id=%s user_id=%s", info.ConnID, info.UserID)

	conn.Enqueue(Frame{Payload: encodeFrame(outboundFrame{
		Event:        EventConnected,
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
	})})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(ctx, ws, conn)
	}()

	reason := h.readPump(ctx, ws, conn)
	conn.Close(reason)
	h.hub.Disconnect(conn)
	<-writerDone
	ws.Close()

	observability.DecWSActive()
	publishLifecycle(ctx, info, "ws_disconnect", conn.CloseReason())
	log.Printf("ws disconnected conn_id=%s user_id=%s reason=%q", info.ConnID, info.UserID, conn.CloseReason())
}

func (h *SessionHandler) readPump(ctx context.Context, ws *websocket.Conn, conn *Connection) string {
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-conn.Done():
				default:
					publishLifecycle(ctx, conn.Info, "ws_error", err.Error())
				}
			}
			return err.Error()
		}

		var in inboundFrame
		if err := json.Unmarshal(data, &in); err != nil {
			h.reply(conn, errorFrame(in, CodeBadRequest, "invalid frame"))
			continue
		}
		h.dispatch(ctx, conn, in)
	}
}

func (h *SessionHandler) writePump(ctx context.Context, ws *websocket.Conn, conn *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-conn.Done():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, conn.CloseReason()))
			// unblock the reader when the close was initiated on this side
			_ = ws.SetReadDeadline(time.Now())
			return
		case frame := <-conn.Frames():
			if stale := conn.TakeResync(); len(stale) > 0 {
				if err := write(ws, encodeFrame(outboundFrame{Event: EventResyncRequired, ConversationIDs: stale})); err != nil {
					h.writeFailed(ctx, ws, conn, err)
					return
				}
			}
			if err := write(ws, frame.Payload); err != nil {
				h.writeFailed(ctx, ws, conn, err)
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.writeFailed(ctx, ws, conn, err)
				return
			}
		}
	}
}

func (h *SessionHandler) writeFailed(ctx context.Context, ws *websocket.Conn, conn *Connection, err error) {
	log.Printf("websocket write error conn_id=%s: %v", conn.ID, err)
	publishLifecycle(ctx, conn.Info, "ws_error", err.Error())
	conn.Close(err.Error())
	_ = ws.SetReadDeadline(time.Now())
}

func write(ws *websocket.Conn, payload []byte) error {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, payload)
}

func (h *SessionHandler) dispatch(ctx context.Context, conn *Connection, in inboundFrame) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	observability.IncWSEvent(in.Event)

	switch in.Event {
	case EventJoinConversation:
		if in.ConversationID == "" {
			h.reply(conn, errorFrame(in, CodeBadRequest, "conversation_id is required"))
			return
		}
		if err := h.hub.Join(ctx, conn, in.ConversationID); err != nil {
			h.replyError(conn, in, err)
			return
		}
		h.reply(conn, outboundFrame{Event: EventJoined, ConversationID: in.ConversationID, RequestID: in.RequestID})

	case EventLeaveConversation:
		if in.ConversationID == "" {
			h.reply(conn, errorFrame(in, CodeBadRequest, "conversation_id is required"))
			return
		}
		h.hub.Leave(conn, in.ConversationID)
		h.reply(conn, outboundFrame{Event: EventLeft, ConversationID: in.ConversationID, RequestID: in.RequestID})

	case EventSendMessage:
		if in.ConversationID == "" {
			h.reply(conn, errorFrame(in, CodeBadRequest, "conversation_id is required"))
			return
		}
		msg, duplicate, err := h.messenger.Send(ctx, service.SendInput{
			ConversationID:  in.ConversationID,
			SenderID:        conn.UserID,
			ContentType:     in.ContentType,
			Content:         in.Content,
			ClientMessageID: in.ClientMessageID,
		})
		if err != nil {
			h.replyError(conn, in, err)
			return
		}
		h.reply(conn, outboundFrame{
			Event:          EventMessageSent,
			ConversationID: msg.ConversationID,
			Message:        &msg,
			Duplicate:      duplicate,
			RequestID:      in.RequestID,
		})

	case EventMarkRead:
		if in.MessageID == "" {
			h.reply(conn, errorFrame(in, CodeBadRequest, "message_id is required"))
			return
		}
		if _, err := h.messenger.MarkRead(ctx, in.MessageID, conn.UserID); err != nil {
			h.replyError(conn, in, err)
		}

	case EventPing:
		h.reply(conn, outboundFrame{Event: EventPong, RequestID: in.RequestID})

	default:
		h.reply(conn, errorFrame(in, CodeUnsupportedEvent, "unsupported event"))
	}
}

func (h *SessionHandler) reply(conn *Connection, frame outboundFrame) {
	conn.Enqueue(Frame{Payload: encodeFrame(frame)})
}

func (h *SessionHandler) replyError(conn *Connection, in inboundFrame, err error) {
	code := errorCode(err)
	text := err.Error()
	if code == CodeInternal {
		log.Printf("ws command failed conn_id=%s event=%s: %v", conn.ID, in.Event, err)
		text = "internal error"
	}
	h.reply(conn, errorFrame(in, code, text))
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrForbidden), errors.Is(err, repositories.ErrNotParticipant):
		return CodeForbidden
	case errors.Is(err, repositories.ErrConversationNotFound), errors.Is(err, repositories.ErrMessageNotFound):
		return CodeNotFound
	case errors.Is(err, service.ErrEmptyContent),
		errors.Is(err, service.ErrInvalidContentType),
		errors.Is(err, service.ErrInvalidParticipants),
		errors.Is(err, service.ErrInvalidCardinality),
		errors.Is(err, service.ErrInvalidType):
		return CodeBadRequest
	default:
		return CodeInternal
	}
}
