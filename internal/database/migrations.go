package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/registry"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationPurgeExpiredConnections = "2026-08-12_purge_expired_connection_records"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationPurgeExpiredConnections, apply: purgeExpiredConnections},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Connection rows from crashed processes linger until their TTL; the sqlite
// store has no native expiry, so sweep them once at startup.
func purgeExpiredConnections(db *gorm.DB) error {
	return db.Where("expires_at_s <= ?", time.Now().UTC().Unix()).
		Delete(&registry.ConnectionRecord{}).Error
}
