// Package domain defines the persistence models for users, sourcing orders,
// their status history, durable attachments, and the admin-side reference
// data (question macros, audit actions, product-kind keywords). These types
// are mapped with GORM and shared across the repository and service layers.
package domain

import (
	"time"
)

// User is a chat participant identified by the platform-assigned numeric id.
//
// Fields:
//   - ID: platform user id (not auto-incremented).
//   - PublicID: short stable identifier shown to humans; assigned once on
//     first contact and never changed afterwards.
//   - Username / FullName: display metadata refreshed on every contact.
//   - IsAdmin: mutated only by admin actions.
type User struct {
	ID        int64     `json:"id"         gorm:"primaryKey;autoIncrement:false"`
	PublicID  *string   `json:"public_id"  gorm:"type:varchar(32);uniqueIndex"`
	Username  string    `json:"username"   gorm:"type:varchar(255)"`
	FullName  string    `json:"full_name"  gorm:"type:varchar(255)"`
	IsAdmin   bool      `json:"is_admin"   gorm:"not null;default:false;index"`
	FirstSeen time.Time `json:"first_seen"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// DisplayName returns the best human label for the user.
func (u User) DisplayName() string {
	switch {
	case u.FullName != "":
		return u.FullName
	case u.Username != "":
		return u.Username
	default:
		return "Без имени"
	}
}

// Order is a single "please source this product" request.
//
// Fields:
//   - UserOrderNumber: per-user sequence, assigned lazily for legacy rows and
//     stable once set.
//   - Photos: ordered attachment references in the "local|public;..." format
//     (see ParsePhotoEntries).
//   - ProductLink: set only together with the Added status.
//   - Communication / InternalComments: append-only trails, one line per event.
type Order struct {
	ID               uint      `json:"id"                 gorm:"primaryKey"`
	UserID           int64     `json:"user_id"            gorm:"not null;index:idx_orders_user,priority:1"`
	UserOrderNumber  *int      `json:"user_order_number"  gorm:"index:idx_orders_user,priority:2"`
	Status           Status    `json:"status"             gorm:"type:varchar(32);not null;default:'New';index"`
	Product          string    `json:"product"            gorm:"type:text"`
	Brand            string    `json:"brand"              gorm:"type:varchar(255)"`
	Size             string    `json:"size"               gorm:"type:varchar(64)"`
	DesiredPrice     string    `json:"desired_price"      gorm:"type:varchar(64)"`
	Comment          string    `json:"comment"            gorm:"type:text"`
	UserComments     string    `json:"user_comments"      gorm:"type:text"`
	Photos           string    `json:"photos"             gorm:"type:text"`
	ProductLink      string    `json:"product_link"       gorm:"type:text"`
	Communication    string    `json:"communication"      gorm:"type:text"`
	InternalComments string    `json:"internal_comments"  gorm:"type:text"`
	CreatedAt        time.Time `json:"created_at"         gorm:"index"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TableName returns the database table name for Order.
func (Order) TableName() string { return "orders" }

// StatusLog is an immutable record of one status assignment, including the
// initial New status written at creation.
type StatusLog struct {
	ID      uint      `json:"id"       gorm:"primaryKey"`
	OrderID uint      `json:"order_id" gorm:"not null;index"`
	Status  Status    `json:"status"   gorm:"type:varchar(32);not null"`
	TS      time.Time `json:"ts"       gorm:"not null"`
}

// TableName returns the database table name for StatusLog.
func (StatusLog) TableName() string { return "order_status_logs" }

// OrderPhoto is the durable copy of one attachment. SourcePath is the local
// cache path the bytes were read from and will be restored to. Data is empty
// when the payload lives in object storage under ObjectKey.
type OrderPhoto struct {
	ID         uint      `json:"id"          gorm:"primaryKey"`
	OrderID    uint      `json:"order_id"    gorm:"not null;index"`
	SourcePath string    `json:"source_path" gorm:"type:text;not null"`
	FileName   string    `json:"file_name"   gorm:"type:varchar(255);not null"`
	MimeType   string    `json:"mime_type"   gorm:"type:varchar(128)"`
	ObjectKey  string    `json:"object_key"  gorm:"type:text"`
	Data       []byte    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName returns the database table name for OrderPhoto.
func (OrderPhoto) TableName() string { return "order_photos" }

// MacroTemplate is a canned admin question.
type MacroTemplate struct {
	ID        uint      `json:"id"         gorm:"primaryKey"`
	Title     string    `json:"title"      gorm:"type:varchar(255);not null"`
	Body      string    `json:"body"       gorm:"type:text;not null"`
	CreatedBy int64     `json:"created_by"`
	UpdatedBy int64     `json:"updated_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for MacroTemplate.
func (MacroTemplate) TableName() string { return "macro_templates" }

// AdminAction is the audit trail of admin-side mutations.
type AdminAction struct {
	ID         uint      `json:"id"          gorm:"primaryKey"`
	AdminID    int64     `json:"admin_id"    gorm:"not null;index"`
	ActionType string    `json:"action_type" gorm:"type:varchar(64);not null"`
	Details    string    `json:"details"     gorm:"type:text"`
	TS         time.Time `json:"ts"`
}

// TableName returns the database table name for AdminAction.
func (AdminAction) TableName() string { return "admin_actions" }

// KindKeyword maps a product-name fragment to a product kind used by the
// export "Вид" column.
type KindKeyword struct {
	ID      uint   `json:"id"      gorm:"primaryKey"`
	Kind    string `json:"kind"    gorm:"type:varchar(64);not null;index"`
	Keyword string `json:"keyword" gorm:"type:varchar(128);not null;uniqueIndex"`
}

// TableName returns the database table name for KindKeyword.
func (KindKeyword) TableName() string { return "kind_keywords" }

// BrandCount is one row of the popular-brands aggregate.
type BrandCount struct {
	Brand string `json:"brand"`
	Count int64  `json:"count"`
}

// AnalyticsSnapshot is a precomputed aggregate over all orders. It is held in
// memory and never persisted.
type AnalyticsSnapshot struct {
	Total       int64            `json:"total"`
	LastWeek    int64            `json:"last_week"`
	UniqueUsers int64            `json:"unique_users"`
	ByStatus    map[Status]int64 `json:"by_status"`
	TopBrands   []BrandCount     `json:"top_brands"`
	ComputedAt  time.Time        `json:"computed_at"`
}
