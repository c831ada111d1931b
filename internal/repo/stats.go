// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the aggregate queries behind the
// analytics snapshot. Each function is context-aware and safe to call from
// the background refresher while the bot writes orders.
package repo

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-sourcing-bot/internal/domain"
)

// CountOrders returns the total number of orders.
func CountOrders(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.Order{}).Count(&n).Error
	return n, err
}

// CountOrdersSince returns the number of orders created at or after since.
func CountOrdersSince(ctx context.Context, db *gorm.DB, since time.Time) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Order{}).
		Where("created_at >= ?", since.UTC()).
		Count(&n).Error
	return n, err
}

// CountDistinctOrderUsers returns how many users have at least one order.
func CountDistinctOrderUsers(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Order{}).
		Distinct("user_id").
		Count(&n).Error
	return n, err
}

// CountOrdersByStatus groups orders by status. Statuses with no orders are
// absent from the map.
func CountOrdersByStatus(ctx context.Context, db *gorm.DB) (map[domain.Status]int64, error) {
	var rows []struct {
		Status domain.Status
		N      int64
	}
	err := db.WithContext(ctx).
		Model(&domain.Order{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[domain.Status]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// TopBrands returns the most frequent non-empty brands, highest count first,
// ties broken alphabetically. The "-" placeholder ("no preference") is not
// a brand and is skipped.
//
// Return values:
//   - brands: at most limit rows
//   - err:    database error, if any
func TopBrands(ctx context.Context, db *gorm.DB, limit int) ([]domain.BrandCount, error) {
	var rows []domain.BrandCount
	err := db.WithContext(ctx).
		Model(&domain.Order{}).
		Select("brand, COUNT(*) AS count").
		Where("brand <> '' AND brand <> '-'").
		Group("brand").
		Order("count desc").
		Order("brand asc").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].Brand = strings.TrimSpace(rows[i].Brand)
	}
	return rows, nil
}
