package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-sourcing-bot/internal/domain"
)

// ListMacros returns every question template ordered by id.
func ListMacros(ctx context.Context, db *gorm.DB) ([]domain.MacroTemplate, error) {
	var out []domain.MacroTemplate
	err := db.WithContext(ctx).Order("id asc").Find(&out).Error
	return out, err
}

// GetMacro loads a template by id.
func GetMacro(ctx context.Context, db *gorm.DB, id uint) (*domain.MacroTemplate, error) {
	var m domain.MacroTemplate
	if err := db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateMacro inserts a template authored by adminID.
func CreateMacro(ctx context.Context, db *gorm.DB, title, body string, adminID int64) (*domain.MacroTemplate, error) {
	now := time.Now().UTC()
	m := &domain.MacroTemplate{
		Title:     title,
		Body:      body,
		CreatedBy: adminID,
		UpdatedBy: adminID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, err
	}
	return m, nil
}

// SaveMacro rewrites title and body of an existing template.
func SaveMacro(ctx context.Context, db *gorm.DB, id uint, title, body string, adminID int64) error {
	res := db.WithContext(ctx).
		Model(&domain.MacroTemplate{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"title":      title,
			"body":       body,
			"updated_by": adminID,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMacro removes a template.
func DeleteMacro(ctx context.Context, db *gorm.DB, id uint) error {
	res := db.WithContext(ctx).Delete(&domain.MacroTemplate{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountMacros returns the number of templates.
func CountMacros(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.MacroTemplate{}).Count(&n).Error
	return n, err
}

// CreateAdminAction appends one audit record.
func CreateAdminAction(ctx context.Context, db *gorm.DB, adminID int64, actionType, details string) error {
	return db.WithContext(ctx).Create(&domain.AdminAction{
		AdminID:    adminID,
		ActionType: actionType,
		Details:    details,
		TS:         time.Now().UTC(),
	}).Error
}

// ListAdminActions returns the newest audit records first.
func ListAdminActions(ctx context.Context, db *gorm.DB, limit int) ([]domain.AdminAction, error) {
	var out []domain.AdminAction
	err := db.WithContext(ctx).Order("ts desc").Order("id desc").Limit(limit).Find(&out).Error
	return out, err
}
