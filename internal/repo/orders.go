package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-sourcing-bot/internal/domain"
)

// CreateOrder inserts o, filling timestamps when unset.
func CreateOrder(ctx context.Context, db *gorm.DB, o *domain.Order) error {
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.Before(o.CreatedAt) {
		o.UpdatedAt = o.CreatedAt
	}
	if o.Status == "" {
		o.Status = domain.StatusNew
	}
	return db.WithContext(ctx).Create(o).Error
}

// GetOrder loads an order by global id.
func GetOrder(ctx context.Context, db *gorm.DB, id uint) (*domain.Order, error) {
	var o domain.Order
	if err := db.WithContext(ctx).First(&o, id).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOrderForUpdate loads an order inside a transaction, taking a row lock
// where the dialect supports it. SQLite serializes writers on its own.
func GetOrderForUpdate(ctx context.Context, tx *gorm.DB, id uint) (*domain.Order, error) {
	q := tx.WithContext(ctx)
	if isPostgres(tx) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var o domain.Order
	if err := q.First(&o, id).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

// SaveOrder writes every column of o and bumps UpdatedAt.
func SaveOrder(ctx context.Context, db *gorm.DB, o *domain.Order) error {
	now := time.Now().UTC()
	if now.Before(o.CreatedAt) {
		now = o.CreatedAt
	}
	o.UpdatedAt = now
	return db.WithContext(ctx).Save(o).Error
}

// ListOrdersByUser returns a user's orders, newest first.
func ListOrdersByUser(ctx context.Context, db *gorm.DB, userID int64) ([]domain.Order, error) {
	var out []domain.Order
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Order("id desc").
		Find(&out).Error
	return out, err
}

// ListOrders returns all orders, oldest first. When exclude is non-empty,
// orders in those statuses are left out.
func ListOrders(ctx context.Context, db *gorm.DB, exclude ...domain.Status) ([]domain.Order, error) {
	q := db.WithContext(ctx).Order("created_at asc").Order("id asc")
	if len(exclude) > 0 {
		q = q.Where("status NOT IN ?", exclude)
	}
	var out []domain.Order
	err := q.Find(&out).Error
	return out, err
}

// ListOrderIDs returns every order id in ascending order.
func ListOrderIDs(ctx context.Context, db *gorm.DB) ([]uint, error) {
	var ids []uint
	err := db.WithContext(ctx).
		Model(&domain.Order{}).
		Order("id asc").
		Pluck("id", &ids).Error
	return ids, err
}

// OrdersByIDs loads the orders among ids that exist, keyed by id.
func OrdersByIDs(ctx context.Context, db *gorm.DB, ids []uint) (map[uint]domain.Order, error) {
	out := make(map[uint]domain.Order, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var found []domain.Order
	if err := db.WithContext(ctx).Where("id IN ?", ids).Find(&found).Error; err != nil {
		return nil, err
	}
	for _, o := range found {
		out[o.ID] = o
	}
	return out, nil
}

// MaxUserOrderNumber returns the highest display number assigned to the
// user's orders, or 0 when none has one.
func MaxUserOrderNumber(ctx context.Context, db *gorm.DB, userID int64) (int, error) {
	var row struct{ Max *int }
	err := db.WithContext(ctx).
		Model(&domain.Order{}).
		Select("MAX(user_order_number) AS max").
		Where("user_id = ?", userID).
		Scan(&row).Error
	if err != nil || row.Max == nil {
		return 0, err
	}
	return *row.Max, nil
}

// ListOrdersMissingNumber returns the user's unnumbered orders in creation order.
func ListOrdersMissingNumber(ctx context.Context, db *gorm.DB, userID int64) ([]domain.Order, error) {
	var out []domain.Order
	err := db.WithContext(ctx).
		Where("user_id = ? AND user_order_number IS NULL", userID).
		Order("created_at asc").
		Order("id asc").
		Find(&out).Error
	return out, err
}

// SetUserOrderNumber assigns a display number only while it is still NULL.
func SetUserOrderNumber(ctx context.Context, db *gorm.DB, orderID uint, n int) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Order{}).
		Where("id = ? AND user_order_number IS NULL", orderID).
		UpdateColumn("user_order_number", n)
	return res.RowsAffected == 1, res.Error
}

// FirstOrderWithStatus returns the user's oldest order in the given status.
func FirstOrderWithStatus(ctx context.Context, db *gorm.DB, userID int64, status domain.Status) (*domain.Order, error) {
	var o domain.Order
	err := db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, status).
		Order("created_at asc").
		Order("id asc").
		First(&o).Error
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// AppendStatusLog writes one immutable history entry.
func AppendStatusLog(ctx context.Context, db *gorm.DB, orderID uint, status domain.Status, ts time.Time) error {
	return db.WithContext(ctx).Create(&domain.StatusLog{
		OrderID: orderID,
		Status:  status,
		TS:      ts.UTC(),
	}).Error
}

// ListStatusLogs returns an order's history in chronological order.
func ListStatusLogs(ctx context.Context, db *gorm.DB, orderID uint) ([]domain.StatusLog, error) {
	var out []domain.StatusLog
	err := db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("ts asc").
		Order("id asc").
		Find(&out).Error
	return out, err
}
