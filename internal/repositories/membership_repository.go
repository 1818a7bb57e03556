package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// MembershipRepository answers family membership questions. The underlying
// table is owned by the family service.
type MembershipRepository interface {
	IsFamilyMember(ctx context.Context, familyID string, userID string) (bool, error)
}

// MembershipRepo reads approved rows of family_members.
type MembershipRepo struct {
	db *sqlx.DB
}

// NewMembershipRepo constructs a MembershipRepo.
func NewMembershipRepo(db *sqlx.DB) *MembershipRepo {
	return &MembershipRepo{db: db}
}

// IsFamilyMember reports whether the user is an approved member of the family.
func (r *MembershipRepo) IsFamilyMember(ctx context.Context, familyID string, userID string) (bool, error) {
	if !validIDs(familyID, userID) {
		return false, nil
	}
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM family_members WHERE family_id=$1 AND user_id=$2 AND status='APPROVED')`, familyID, userID)
	return exists, err
}
