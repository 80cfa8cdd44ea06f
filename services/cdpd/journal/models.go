package journal

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EventRecord is one engine event as persisted in the journal.
type EventRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Type       string    `gorm:"size:64;index"`
	Account    string    `gorm:"size:96;index"`
	Asset      string    `gorm:"size:96"`
	Amount     string    `gorm:"size:80"`
	Attributes string    `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"index"`
}

// RoundRecord is one oracle round published to a feed.
type RoundRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Symbol     string    `gorm:"size:16;index"`
	RoundID    uint64    `gorm:"index"`
	Answer     string    `gorm:"size:80"`
	Decimals   int       `gorm:"not null"`
	Median     string    `gorm:"size:80"`
	Feeders    string    `gorm:"type:text"`
	ProofID    string    `gorm:"size:64;uniqueIndex"`
	ObservedAt time.Time `gorm:"index"`
	CreatedAt  time.Time
}

// AutoMigrate creates or updates the journal tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&EventRecord{}, &RoundRecord{})
}
