package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// APIKey è la rappresentazione persistita di una chiave API: metadati,
// quota mensile e lo hash SHA-256 usato per la ricerca rapida
// (apikey:hash:<sha256> nello keyspace Redis), accanto all'hash bcrypt
// canonico usato per la validazione.
type APIKey struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID            uuid.UUID `gorm:"type:uuid;index"`
	Name              string
	KeyHash           string `gorm:"index"` // bcrypt, canonical validation
	LookupHash        string `gorm:"uniqueIndex"` // sha256, fast lookup
	KeyPreview        string
	Permissions       StringSlice `gorm:"type:text"`
	Tier              string      `gorm:"index"`
	PolicyName        string
	MonthlyQuota      int64
	CurrentMonthUsage int64
	QuotaPeriodStart  time.Time
	Active            bool `gorm:"index"`
	ExpiresAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// BeforeCreate assegna un UUID se non già impostato, seguendo l'idioma GORM
// usato altrove nel progetto per le chiavi primarie.
func (k *APIKey) BeforeCreate(tx *gorm.DB) error {
	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	if k.QuotaPeriodStart.IsZero() {
		k.QuotaPeriodStart = time.Now().UTC()
	}
	return nil
}

// TableName fissa il nome tabella esplicitamente.
func (APIKey) TableName() string {
	return "api_keys"
}
