package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RuleRecord is the persisted form of one ratelimit.Rule. The service does
// not read these records at runtime: the Rule Selector's RuleSet is built
// from the rules in the configuration file at startup.
type RuleRecord struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	ExternalID        string    `gorm:"uniqueIndex"` // the Rule.ID string used in responses/logs
	Name              string
	PathPattern       string
	Method            string
	WindowMs          int64
	MaxRequests       int
	Algorithm         string
	BurstCapacity     int
	TokensPerInterval float64
	Enabled           bool
	Priority          int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// BeforeCreate assegna un UUID se non già impostato.
func (r *RuleRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// TableName fissa il nome tabella esplicitamente.
func (RuleRecord) TableName() string {
	return "rate_limit_rules"
}
