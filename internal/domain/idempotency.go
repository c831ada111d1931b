package domain

import "time"

// ProcessedUpdate records an inbound transport update that was already
// dispatched, keyed by the platform update id. The transport redelivers
// unacknowledged updates after a restart; a claimed row makes the replay a
// no-op instead of double-advancing a conversation.
type ProcessedUpdate struct {
	ID        string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	UpdateID  int64     `gorm:"not null;uniqueIndex:ux_processed_update"`
	UserID    int64     `gorm:"not null;index"`
	Kind      string    `gorm:"type:varchar(32);not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (ProcessedUpdate) TableName() string { return "processed_updates" }
