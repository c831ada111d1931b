package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-sourcing-bot/internal/domain"
)

// GetUser loads a user by platform id.
func GetUser(ctx context.Context, db *gorm.DB, id int64) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// UpsertUser creates the user on first contact or refreshes the display
// metadata on later contacts. PublicID, IsAdmin and FirstSeen are untouched
// on conflict.
func UpsertUser(ctx context.Context, db *gorm.DB, id int64, username, fullName string) (*domain.User, error) {
	u := &domain.User{
		ID:        id,
		Username:  username,
		FullName:  fullName,
		FirstSeen: time.Now().UTC(),
	}
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "full_name"}),
	}).Create(u).Error
	if err != nil {
		return nil, err
	}
	return GetUser(ctx, db, id)
}

// SetUserPublicID assigns a public id only while it is still NULL.
// It returns ErrDuplicate when another user already owns the value and
// (false, nil) when the user already had an id.
func SetUserPublicID(ctx context.Context, db *gorm.DB, id int64, publicID string) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id = ? AND public_id IS NULL", id).
		Update("public_id", publicID)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return false, ErrDuplicate
		}
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListAdmins returns admin users ordered by id.
func ListAdmins(ctx context.Context, db *gorm.DB) ([]domain.User, error) {
	var out []domain.User
	err := db.WithContext(ctx).
		Where("is_admin = ?", true).
		Order("id asc").
		Find(&out).Error
	return out, err
}

// SetAdmin flips the admin flag, creating a bare user row when the id has
// never contacted the bot.
func SetAdmin(ctx context.Context, db *gorm.DB, id int64, admin bool) error {
	u := &domain.User{ID: id, IsAdmin: admin, FirstSeen: time.Now().UTC()}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_admin"}),
	}).Create(u).Error
}
