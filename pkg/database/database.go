package database

import (
	"fmt"
	"sync"
	"time"

	"github.com/biodoia/ratelimiter/pkg/models"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config contiene la configurazione del database
type Config struct {
	Type       string `yaml:"type"`       // "postgres" or "sqlite"
	Connection string `yaml:"connection"` // Connection string
	MaxConns   int    `yaml:"max_conns" mapstructure:"max_conns"`
	LogLevel   string `yaml:"log_level" mapstructure:"log_level"`
}

// quotaRolloverStripes is the number of mutex stripes guarding the
// read-check-write rollover in IncrementAPIKeyUsage, the same
// striped-mutex idiom internal/ratelimit.LocalLimiter uses for its
// per-key state.
const quotaRolloverStripes = 64

// DB wrappa la connessione GORM
type DB struct {
	*gorm.DB

	quotaLocks [quotaRolloverStripes]sync.Mutex
}

// New crea una nuova connessione al database
func New(cfg *Config) (*DB, error) {
	var dialector gorm.Dialector

	switch cfg.Type {
	case "postgres":
		dialector = postgres.Open(cfg.Connection)
	case "sqlite":
		dialector = sqlite.Open(cfg.Connection)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	logLevel := logger.Silent
	switch cfg.LogLevel {
	case "info":
		logLevel = logger.Info
	case "warn":
		logLevel = logger.Warn
	case "error":
		logLevel = logger.Error
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	if cfg.MaxConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxConns)
		sqlDB.SetMaxIdleConns(cfg.MaxConns / 2)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &DB{DB: db}, nil
}

// AutoMigrate esegue le migrazioni per i modelli del rate limiter: chiavi
// API e regole persistite.
func (db *DB) AutoMigrate() error {
	return db.DB.AutoMigrate(
		&models.APIKey{},
		&models.RuleRecord{},
	)
}

// Close chiude la connessione al database
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetAPIKeyByLookupHash risolve una chiave API dal suo hash SHA-256, il
// percorso usato dal Risolutore di Identità per ogni richiesta autenticata
// via chiave API.
func (db *DB) GetAPIKeyByLookupHash(lookupHash string) (*models.APIKey, error) {
	var key models.APIKey
	err := db.Where("lookup_hash = ?", lookupHash).First(&key).Error
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// quotaLockFor returns the stripe mutex guarding keyID's rollover
// read-check-write, hashed the same way LocalLimiter stripes its map.
func (db *DB) quotaLockFor(keyID string) *sync.Mutex {
	return &db.quotaLocks[fnv32(keyID)%quotaRolloverStripes]
}

func fnv32(s string) uint32 {
	const prime = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

// quotaRolledOver reports whether now falls in a different wall-clock month
// than periodStart, the stored month marker for a key's current quota window.
func quotaRolledOver(periodStart, now time.Time) bool {
	py, pm, _ := periodStart.Date()
	ny, nm, _ := now.Date()
	return ny != py || nm != pm
}

// IncrementAPIKeyUsage incrementa atomicamente il contatore di utilizzo
// mensile di una chiave API, azzerandolo e avanzando QuotaPeriodStart se il
// mese corrente è diverso da quello registrato. Chiamato in modo asincrono
// dopo una decisione riuscita: un fallimento qui non deve mai bloccare la
// richiesta. La lettura-verifica-scrittura del rollover è serializzata per
// chiave tramite quotaLockFor, altrimenti due richieste concorrenti a
// cavallo del cambio di mese potrebbero incrementare entrambe contro il
// contatore del mese vecchio.
func (db *DB) IncrementAPIKeyUsage(keyID string) error {
	lock := db.quotaLockFor(keyID)
	lock.Lock()
	defer lock.Unlock()

	var key models.APIKey
	if err := db.Where("id = ?", keyID).First(&key).Error; err != nil {
		return err
	}

	now := time.Now().UTC()
	if quotaRolledOver(key.QuotaPeriodStart, now) {
		return db.Model(&models.APIKey{}).
			Where("id = ?", keyID).
			Updates(map[string]interface{}{
				"current_month_usage": 1,
				"quota_period_start":  now,
			}).Error
	}

	return db.Model(&models.APIKey{}).
		Where("id = ?", keyID).
		UpdateColumn("current_month_usage", gorm.Expr("current_month_usage + ?", 1)).
		Error
}

// CreateAPIKey salva una nuova chiave API.
func (db *DB) CreateAPIKey(key *models.APIKey) error {
	return db.Create(key).Error
}

// RevokeAPIKey marca una chiave API come inattiva.
func (db *DB) RevokeAPIKey(keyID string) error {
	return db.Model(&models.APIKey{}).
		Where("id = ?", keyID).
		Update("active", false).Error
}

// ListEnabledRules restituisce tutte le regole abilitate, in ordine di
// priorità decrescente. Il RuleSet attivo non viene costruito da qui ma
// dalle regole del file di configurazione.
func (db *DB) ListEnabledRules() ([]models.RuleRecord, error) {
	var rules []models.RuleRecord
	err := db.Where("enabled = ?", true).Order("priority DESC").Find(&rules).Error
	return rules, err
}

// UpsertRule crea o aggiorna una regola persistita per external ID.
func (db *DB) UpsertRule(rule *models.RuleRecord) error {
	var existing models.RuleRecord
	err := db.Where("external_id = ?", rule.ExternalID).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		return db.Create(rule).Error
	}
	if err != nil {
		return err
	}
	rule.ID = existing.ID
	return db.Save(rule).Error
}
