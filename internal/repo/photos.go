package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-sourcing-bot/internal/domain"
)

// ListOrderPhotos returns the durable attachments of an order in insertion order.
func ListOrderPhotos(ctx context.Context, db *gorm.DB, orderID uint) ([]domain.OrderPhoto, error) {
	var out []domain.OrderPhoto
	err := db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("id asc").
		Find(&out).Error
	return out, err
}

// CreateOrderPhoto stores one attachment row.
func CreateOrderPhoto(ctx context.Context, db *gorm.DB, p *domain.OrderPhoto) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(p).Error
}

// DeleteOrderPhoto removes one attachment row by id.
func DeleteOrderPhoto(ctx context.Context, db *gorm.DB, id uint) error {
	return db.WithContext(ctx).Delete(&domain.OrderPhoto{}, id).Error
}
