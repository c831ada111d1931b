package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-sourcing-bot/internal/domain"
)

// ListKeywords returns the kind taxonomy ordered by kind, then keyword.
func ListKeywords(ctx context.Context, db *gorm.DB) ([]domain.KindKeyword, error) {
	var out []domain.KindKeyword
	err := db.WithContext(ctx).Order("kind asc").Order("keyword asc").Find(&out).Error
	return out, err
}

// AddKeyword maps keyword to kind. A keyword already mapped yields ErrDuplicate.
func AddKeyword(ctx context.Context, db *gorm.DB, kind, keyword string) error {
	err := db.WithContext(ctx).Create(&domain.KindKeyword{Kind: kind, Keyword: keyword}).Error
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// RemoveKeyword deletes a keyword mapping.
func RemoveKeyword(ctx context.Context, db *gorm.DB, keyword string) error {
	res := db.WithContext(ctx).Where("keyword = ?", keyword).Delete(&domain.KindKeyword{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountKeywords returns the number of keyword mappings.
func CountKeywords(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.KindKeyword{}).Count(&n).Error
	return n, err
}
