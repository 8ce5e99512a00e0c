package models

import (
	"time"

	"gorm.io/datatypes"
)

// RecoverySnapshot persists the partial registration record of one enrollment
// flow so an interrupted wizard can resume. Every save supersedes the previous
// snapshot for the same flow; snapshots older than the recovery window are
// evicted on load and purged by the maintenance cleaner.
type RecoverySnapshot struct {
	FlowID    string         `gorm:"primaryKey;size:64"`
	Data      datatypes.JSON `gorm:"type:json"`
	SavedAt   time.Time      `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
