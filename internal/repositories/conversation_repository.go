package repositories

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"family-chat-service/internal/models"
)

var (
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrNotParticipant        = errors.New("user is not a participant of the conversation")
	ErrParticipantsImmutable = errors.New("conversation participants cannot change")
)

// ConversationRepository abstracts conversation and participant persistence.
type ConversationRepository interface {
	CreateConversation(ctx context.Context, conv models.Conversation, participantIDs []string) (models.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (models.Conversation, error)
	IsParticipant(ctx context.Context, conversationID string, userID string) (bool, error)
	ListParticipants(ctx context.Context, conversationID string) ([]string, error)
	ListConversationsForUser(ctx context.Context, userID string) ([]models.ConversationSummary, error)
	AddParticipants(ctx context.Context, conversationID string, userIDs []string) ([]string, error)
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

const conversationColumns = `id, family_id, type, created_by_user_id, last_seq, last_message_at, created_at`

// CreateConversation stores a conversation and its participants atomically.
func (r *ConversationRepo) CreateConversation(ctx context.Context, conv models.Conversation, participantIDs []string) (models.Conversation, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Conversation{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var created models.Conversation
	if err = tx.GetContext(ctx, &created, `INSERT INTO conversations (id, family_id, type, created_by_user_id)
        VALUES ($1, $2, $3, $4) RETURNING `+conversationColumns,
		conv.ID, conv.FamilyID, conv.Type, conv.CreatedByUserID); err != nil {
		return models.Conversation{}, err
	}

	ids := uniqueSorted(participantIDs)
	for _, id := range ids {
		if _, err = tx.ExecContext(ctx, `INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1, $2)`, created.ID, id); err != nil {
			return models.Conversation{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return models.Conversation{}, err
	}
	return created, nil
}

// GetConversation fetches a conversation by id.
func (r *ConversationRepo) GetConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	if !validIDs(conversationID) {
		return models.Conversation{}, ErrConversationNotFound
	}
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// IsParticipant checks whether a user belongs to the conversation.
func (r *ConversationRepo) IsParticipant(ctx context.Context, conversationID string, userID string) (bool, error) {
	if !validIDs(conversationID, userID) {
		return false, nil
	}
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id=$1 AND user_id=$2)`, conversationID, userID)
	return exists, err
}

// ListParticipants returns the participant ids of a conversation.
func (r *ConversationRepo) ListParticipants(ctx context.Context, conversationID string) ([]string, error) {
	ids := []string{}
	if !validIDs(conversationID) {
		return ids, nil
	}
	err := r.db.SelectContext(ctx, &ids, `SELECT user_id::text FROM conversation_participants WHERE conversation_id=$1 ORDER BY user_id`, conversationID)
	return ids, err
}

type conversationSummaryRow struct {
	models.Conversation
	ParticipantIDs pq.StringArray `db:"participant_ids"`
}

// ListConversationsForUser returns the user's conversations, freshest activity first.
func (r *ConversationRepo) ListConversationsForUser(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	if !validIDs(userID) {
		return []models.ConversationSummary{}, nil
	}
	query := `SELECT c.id, c.family_id, c.type, c.created_by_user_id, c.last_seq, c.last_message_at, c.created_at,
            ARRAY(SELECT cp.user_id::text FROM conversation_participants cp WHERE cp.conversation_id = c.id ORDER BY cp.user_id) AS participant_ids
        FROM conversations c
        INNER JOIN conversation_participants p ON p.conversation_id = c.id
        WHERE p.user_id=$1
        ORDER BY COALESCE(c.last_message_at, c.created_at) DESC, c.id`
	rows, err := r.db.QueryxContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []models.ConversationSummary{}
	for rows.Next() {
		var row conversationSummaryRow
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		result = append(result, models.ConversationSummary{Conversation: row.Conversation, ParticipantIDs: []string(row.ParticipantIDs)})
	}
	return result, rows.Err()
}

// AddParticipants adds users to a GROUP conversation and returns the ids that
// were not already participants.
func (r *ConversationRepo) AddParticipants(ctx context.Context, conversationID string, userIDs []string) ([]string, error) {
	if !validIDs(conversationID) {
		return nil, ErrConversationNotFound
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var convType models.ConversationType
	if err = tx.GetContext(ctx, &convType, `SELECT type FROM conversations WHERE id=$1 FOR UPDATE`, conversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrConversationNotFound
		}
		return nil, err
	}
	if convType != models.ConversationGroup {
		err = ErrParticipantsImmutable
		return nil, err
	}

	added := []string{}
	for _, id := range uniqueSorted(userIDs) {
		var res sql.Result
		res, err = tx.ExecContext(ctx, `INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1, $2)
            ON CONFLICT (conversation_id, user_id) DO NOTHING`, conversationID, id)
		if err != nil {
			return nil, err
		}
		var count int64
		if count, err = res.RowsAffected(); err != nil {
			return nil, err
		}
		if count > 0 {
			added = append(added, id)
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return added, nil
}

func uniqueSorted(ids []string) []string {
	set := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := set[id]; ok {
			continue
		}
		set[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
