package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"

	"family-chat-service/internal/models"
)

// ReceiptRepository tracks which users have read which messages.
type ReceiptRepository interface {
	// MarkRead records a receipt and reports whether it was new.
	MarkRead(ctx context.Context, messageID string, userID string) (models.ReadReceipt, bool, error)
	ListReceipts(ctx context.Context, messageID string) ([]models.ReadReceipt, error)
}

// ReceiptRepo is a sqlx implementation of ReceiptRepository.
type ReceiptRepo struct {
	db *sqlx.DB
}

// NewReceiptRepo constructs a ReceiptRepo.
func NewReceiptRepo(db *sqlx.DB) *ReceiptRepo {
	return &ReceiptRepo{db: db}
}

// MarkRead inserts the receipt unless one already exists for (message, user).
func (r *ReceiptRepo) MarkRead(ctx context.Context, messageID string, userID string) (models.ReadReceipt, bool, error) {
	if !validIDs(messageID, userID) {
		return models.ReadReceipt{}, false, ErrMessageNotFound
	}
	res, err := r.db.ExecContext(ctx, `INSERT INTO message_read_receipts (message_id, user_id) VALUES ($1, $2)
        ON CONFLICT (message_id, user_id) DO NOTHING`, messageID, userID)
	if err != nil {
		return models.ReadReceipt{}, false, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return models.ReadReceipt{}, false, err
	}

	var receipt models.ReadReceipt
	if err := r.db.GetContext(ctx, &receipt, `SELECT message_id, user_id, read_at FROM message_read_receipts WHERE message_id=$1 AND user_id=$2`, messageID, userID); err != nil {
		return models.ReadReceipt{}, false, err
	}
	return receipt, count > 0, nil
}

// ListReceipts returns the receipts of a message ordered by read time.
func (r *ReceiptRepo) ListReceipts(ctx context.Context, messageID string) ([]models.ReadReceipt, error) {
	receipts := []models.ReadReceipt{}
	if !validIDs(messageID) {
		return receipts, nil
	}
	err := r.db.SelectContext(ctx, &receipts, `SELECT message_id, user_id, read_at FROM message_read_receipts WHERE message_id=$1 ORDER BY read_at ASC, user_id`, messageID)
	return receipts, err
}
