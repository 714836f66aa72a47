package document

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("document: database handle is required")

// SnapshotStore persists serialized document snapshots by document key.
type SnapshotStore interface {
	// Load returns the stored content and whether a snapshot exists.
	Load(ctx context.Context, documentKey string) (string, bool, error)
	Save(ctx context.Context, documentKey string, serializedContent string) error
}

// SQLiteSnapshotStoreConfig configures the gorm-backed snapshot store.
type SQLiteSnapshotStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// SQLiteSnapshotStore keeps one snapshot row per document key.
type SQLiteSnapshotStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewSQLiteSnapshotStore constructs a SQLiteSnapshotStore.
func NewSQLiteSnapshotStore(cfg SQLiteSnapshotStoreConfig) (*SQLiteSnapshotStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SQLiteSnapshotStore{db: cfg.Database, clock: clock}, nil
}

func (s *SQLiteSnapshotStore) Load(ctx context.Context, documentKey string) (string, bool, error) {
	var record SnapshotRecord
	err := s.db.WithContext(ctx).
		Where("document_key = ?", documentKey).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return record.SerializedContent, true, nil
}

func (s *SQLiteSnapshotStore) Save(ctx context.Context, documentKey string, serializedContent string) error {
	record := SnapshotRecord{
		DocumentKey:       documentKey,
		SerializedContent: serializedContent,
		UpdatedAt:         s.clock().UTC().Format(time.RFC3339),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error
}
