package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"family-chat-service/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository is the append-only per-conversation message log.
type MessageRepository interface {
	// Append persists a message and assigns its sequence. The bool result is
	// true when the client message id matched an already stored message.
	Append(ctx context.Context, in models.NewMessage) (models.Message, bool, error)
	ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]models.Message, error)
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, conversation_id, seq, sender_id, content_type, content, client_message_id, created_at`

// Append locks the conversation row for the whole transaction, so appends to
// one conversation are serialized while other conversations proceed.
func (r *MessageRepo) Append(ctx context.Context, in models.NewMessage) (models.Message, bool, error) {
	if !validIDs(in.ConversationID) {
		return models.Message{}, false, ErrConversationNotFound
	}
	if !validIDs(in.SenderID) {
		return models.Message{}, false, ErrNotParticipant
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, false, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var lastSeq int64
	if err = tx.GetContext(ctx, &lastSeq, `SELECT last_seq FROM conversations WHERE id=$1 FOR UPDATE`, in.ConversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrConversationNotFound
		}
		return models.Message{}, false, err
	}

	var member bool
	if err = tx.GetContext(ctx, &member, `SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id=$1 AND user_id=$2)`, in.ConversationID, in.SenderID); err != nil {
		return models.Message{}, false, err
	}
	if !member {
		err = ErrNotParticipant
		return models.Message{}, false, err
	}

	if in.ClientMessageID != "" {
		var existing models.Message
		lookupErr := tx.GetContext(ctx, &existing, `SELECT `+messageColumns+` FROM messages
            WHERE conversation_id=$1 AND sender_id=$2 AND client_message_id=$3`, in.ConversationID, in.SenderID, in.ClientMessageID)
		if lookupErr == nil {
			if err = tx.Commit(); err != nil {
				return models.Message{}, false, err
			}
			return existing, true, nil
		}
		if !errors.Is(lookupErr, sql.ErrNoRows) {
			err = lookupErr
			return models.Message{}, false, err
		}
	}

	var seq int64
	var stamp time.Time
	if err = tx.QueryRowxContext(ctx, `UPDATE conversations SET last_seq = last_seq + 1, last_message_at = clock_timestamp()
        WHERE id=$1 RETURNING last_seq, last_message_at`, in.ConversationID).Scan(&seq, &stamp); err != nil {
		return models.Message{}, false, err
	}

	var clientID *string
	if in.ClientMessageID != "" {
		clientID = &in.ClientMessageID
	}
	var msg models.Message
	if err = tx.GetContext(ctx, &msg, `INSERT INTO messages (id, conversation_id, seq, sender_id, content_type, content, client_message_id, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING `+messageColumns,
		uuid.NewString(), in.ConversationID, seq, in.SenderID, in.ContentType, in.Content, clientID, stamp); err != nil {
		return models.Message{}, false, err
	}

	if err = tx.Commit(); err != nil {
		return models.Message{}, false, err
	}
	return msg, false, nil
}

// ListMessages returns up to limit messages with seq greater than afterSeq, oldest first.
func (r *MessageRepo) ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]models.Message, error) {
	msgs := []models.Message{}
	if !validIDs(conversationID) {
		return msgs, nil
	}
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
        WHERE conversation_id=$1 AND seq > $2 ORDER BY seq ASC LIMIT $3`, conversationID, afterSeq, limit)
	return msgs, err
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	if !validIDs(messageID) {
		return models.Message{}, ErrMessageNotFound
	}
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}
