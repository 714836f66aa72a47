package registry

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("registry: database handle is required")

// SQLiteStoreConfig configures the gorm-backed registry store.
type SQLiteStoreConfig struct {
	Database *gorm.DB
}

// SQLiteStore persists connection records in the relational schema.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore constructs a SQLiteStore over an open gorm handle.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	return &SQLiteStore{db: cfg.Database}, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, record Record) error {
	row := ConnectionRecord{
		ConnectionID: record.ConnectionID,
		UserID:       record.UserID,
		SessionID:    record.SessionID,
		ConnectedAt:  record.ConnectedAt.UTC().Format(time.RFC3339),
		ExpiresAtS:   record.ExpiresAtSeconds,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (s *SQLiteStore) Delete(ctx context.Context, connectionID string) error {
	// Zero rows affected is fine: disconnect must be idempotent.
	return s.db.WithContext(ctx).
		Where("connection_id = ?", connectionID).
		Delete(&ConnectionRecord{}).Error
}

func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	var rows []ConnectionRecord
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		connectedAt, err := time.Parse(time.RFC3339, row.ConnectedAt)
		if err != nil {
			connectedAt = time.Time{}
		}
		records = append(records, Record{
			ConnectionID:     row.ConnectionID,
			UserID:           row.UserID,
			SessionID:        row.SessionID,
			ConnectedAt:      connectedAt,
			ExpiresAtSeconds: row.ExpiresAtS,
		})
	}
	return records, nil
}

func (s *SQLiteStore) Close() error {
	return nil
}
