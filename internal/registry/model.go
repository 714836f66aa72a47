package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidConnectionID indicates that a connection identifier is empty or exceeds storage bounds.
	ErrInvalidConnectionID = errors.New("registry: invalid connection id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("registry: invalid user id")
)

// ConnectionID represents a validated connection identifier.
type ConnectionID string

// NewConnectionID validates raw input and returns a ConnectionID.
func NewConnectionID(rawInput string) (ConnectionID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidConnectionID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidConnectionID, maxIdentifierLength)
	}
	return ConnectionID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ConnectionID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Record captures one live connection owned by a user.
type Record struct {
	ConnectionID     string
	UserID           string
	SessionID        string
	ConnectedAt      time.Time
	ExpiresAtSeconds int64
}

// Expired reports whether the record's TTL has elapsed at the given instant.
func (r Record) Expired(now time.Time) bool {
	return r.ExpiresAtSeconds <= now.UTC().Unix()
}

// ConnectionRecord models the persisted connection registry row.
type ConnectionRecord struct {
	ConnectionID string `gorm:"column:connection_id;primaryKey;size:190;not null"`
	UserID       string `gorm:"column:user_id;size:190;not null"`
	SessionID    string `gorm:"column:session_id;size:190;not null;default:''"`
	ConnectedAt  string `gorm:"column:connected_at;size:64;not null"`
	ExpiresAtS   int64  `gorm:"column:expires_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ConnectionRecord) TableName() string {
	return "connection_registry"
}
