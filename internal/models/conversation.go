package models

import "time"

// ConversationType controls participant cardinality and mutability.
type ConversationType string

const (
	ConversationGroup        ConversationType = "GROUP"
	ConversationDirect       ConversationType = "DIRECT"
	ConversationConfidential ConversationType = "CONFIDENTIAL_THREAD"
)

// Valid reports whether t is a known conversation type.
func (t ConversationType) Valid() bool {
	switch t {
	case ConversationGroup, ConversationDirect, ConversationConfidential:
		return true
	}
	return false
}

// Conversation is a family-scoped message log.
type Conversation struct {
	ID              string           `db:"id" json:"id"`
	FamilyID        string           `db:"family_id" json:"family_id"`
	Type            ConversationType `db:"type" json:"type"`
	CreatedByUserID string           `db:"created_by_user_id" json:"created_by_user_id"`
	LastSeq         int64            `db:"last_seq" json:"last_seq"`
	LastMessageAt   *time.Time       `db:"last_message_at" json:"last_message_at,omitempty"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
}

// ActivityAt is the ordering key for conversation lists.
func (c Conversation) ActivityAt() time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

// Participant is a membership edge between a conversation and a user.
type Participant struct {
	ConversationID string    `db:"conversation_id" json:"conversation_id"`
	UserID         string    `db:"user_id" json:"user_id"`
	JoinedAt       time.Time `db:"joined_at" json:"joined_at"`
}

// ConversationSummary is a conversation together with its participant ids.
type ConversationSummary struct {
	Conversation
	ParticipantIDs []string `json:"participant_ids"`
}
