package document

// SnapshotRecord stores the durable serialized copy of a document.
type SnapshotRecord struct {
	DocumentKey       string `gorm:"column:document_key;primaryKey;size:190;not null"`
	SerializedContent string `gorm:"column:serialized_content;type:text;not null"`
	UpdatedAt         string `gorm:"column:updated_at;size:64;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SnapshotRecord) TableName() string {
	return "document_snapshots"
}
