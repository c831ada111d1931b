package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-sourcing-bot/internal/domain"
)

// ClaimUpdate records that a transport update is being handled. A second
// claim for the same update id returns ErrDuplicate, so redelivered updates
// can be dropped by the caller.
func ClaimUpdate(ctx context.Context, db *gorm.DB, updateID, userID int64, kind string, ttl time.Duration) error {
	now := time.Now().UTC()
	rec := &domain.ProcessedUpdate{
		ID:        uuid.NewString(),
		UpdateID:  updateID,
		UserID:    userID,
		Kind:      kind,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// PurgeExpiredUpdates deletes claims that expired at or before now and
// returns how many rows were removed.
func PurgeExpiredUpdates(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&domain.ProcessedUpdate{})
	return res.RowsAffected, res.Error
}
