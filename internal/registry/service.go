package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

const (
	opConnect     = "registry.connect"
	opDisconnect  = "registry.disconnect"
	opFindByUser  = "registry.find_by_user"
	opOnlineUsers = "registry.online_users"

	defaultConnectionTTLSeconds = 86400
)

var (
	// ErrUnauthorized indicates a connect attempt without an authenticated user.
	ErrUnauthorized = errors.New("registry: unauthorized")

	errMissingStore = errors.New("registry: store is required")
	noOpLogger      = zap.NewNop()
)

// ServiceError carries an operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig describes the dependencies of the connection registry.
type ServiceConfig struct {
	Store                Store
	ConnectionTTLSeconds int64
	Clock                func() time.Time
	Logger               *zap.Logger
}

// Service enforces the single-active-session policy over a durable Store.
type Service struct {
	store      Store
	ttlSeconds int64
	clock      func() time.Time
	logger     *zap.Logger
}

// NewService constructs the registry service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	ttl := cfg.ConnectionTTLSeconds
	if ttl <= 0 {
		ttl = defaultConnectionTTLSeconds
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{store: cfg.Store, ttlSeconds: ttl, clock: clock, logger: logger}, nil
}

// Connect evicts every prior record for the user and inserts the new one.
//
// Evict-then-insert is deliberately not atomic across processes: a connect
// racing another connect for the same user can leave two valid records for a
// moment. The duplicate is evicted by whichever connect lands next, so the
// registry self-heals without a coordinator.
func (s *Service) Connect(ctx context.Context, connectionID ConnectionID, userID string, sessionID string) (Record, error) {
	if userID == "" {
		s.logError(opConnect, "missing_user", ErrUnauthorized,
			zap.String("connection_id", connectionID.String()))
		return Record{}, ErrUnauthorized
	}

	existing, err := s.store.List(ctx)
	if err != nil {
		s.logError(opConnect, "list_failed", err, zap.String("user_id", userID))
		return Record{}, newServiceError(opConnect, "list_failed", err)
	}

	// Zero prior records is the normal first-login case, not an error.
	for _, record := range existing {
		if record.UserID != userID {
			continue
		}
		if err := s.store.Delete(ctx, record.ConnectionID); err != nil {
			s.logError(opConnect, "evict_failed", err,
				zap.String("user_id", userID),
				zap.String("connection_id", record.ConnectionID))
			return Record{}, newServiceError(opConnect, "evict_failed", err)
		}
	}

	now := s.clock().UTC()
	record := Record{
		ConnectionID:     connectionID.String(),
		UserID:           userID,
		SessionID:        sessionID,
		ConnectedAt:      now,
		ExpiresAtSeconds: now.Unix() + s.ttlSeconds,
	}
	if err := s.store.Insert(ctx, record); err != nil {
		s.logError(opConnect, "insert_failed", err,
			zap.String("user_id", userID),
			zap.String("connection_id", connectionID.String()))
		return Record{}, newServiceError(opConnect, "insert_failed", err)
	}

	s.logger.Info("connection registered",
		zap.String("user_id", userID),
		zap.String("connection_id", connectionID.String()),
		zap.String("session_id", sessionID))
	return record, nil
}

// Disconnect removes the record for the connection. A missing record is
// treated as success.
func (s *Service) Disconnect(ctx context.Context, connectionID ConnectionID) error {
	if err := s.store.Delete(ctx, connectionID.String()); err != nil {
		s.logError(opDisconnect, "delete_failed", err,
			zap.String("connection_id", connectionID.String()))
		return newServiceError(opDisconnect, "delete_failed", err)
	}
	return nil
}

// FindByUser returns the connection identifiers currently registered to a
// user. Implemented as a full scan with in-memory filtering; acceptable at
// expected connection counts, a secondary index would be the upgrade path.
func (s *Service) FindByUser(ctx context.Context, userID string) ([]string, error) {
	records, err := s.store.List(ctx)
	if err != nil {
		s.logError(opFindByUser, "list_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opFindByUser, "list_failed", err)
	}
	now := s.clock()
	var connectionIDs []string
	for _, record := range records {
		if record.UserID != userID || record.Expired(now) {
			continue
		}
		connectionIDs = append(connectionIDs, record.ConnectionID)
	}
	return connectionIDs, nil
}

// OnlineUsers returns the sorted set of users with at least one live record.
func (s *Service) OnlineUsers(ctx context.Context) ([]string, error) {
	records, err := s.store.List(ctx)
	if err != nil {
		s.logError(opOnlineUsers, "list_failed", err)
		return nil, newServiceError(opOnlineUsers, "list_failed", err)
	}
	now := s.clock()
	seen := make(map[string]struct{}, len(records))
	var users []string
	for _, record := range records {
		if record.Expired(now) {
			continue
		}
		if _, ok := seen[record.UserID]; ok {
			continue
		}
		seen[record.UserID] = struct{}{}
		users = append(users, record.UserID)
	}
	sort.Strings(users)
	return users, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("registry service error", attrs...)
}
