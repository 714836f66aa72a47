package document

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	opBindState  = "document.bind_state"
	opWriteState = "document.write_state"
	opIdleFlush  = "document.idle_flush"

	defaultIdleFlushWindow = 3 * time.Second
)

var (
	errMissingSnapshotStore = errors.New("document: snapshot store is required")
	errMissingReplica       = errors.New("document: replica is required")
	errMissingDocumentKey   = errors.New("document: document key is required")
	noOpLogger              = zap.NewNop()
)

// PersistenceAdapterConfig describes the dependencies of the adapter.
type PersistenceAdapterConfig struct {
	Snapshots       SnapshotStore
	IdleFlushWindow time.Duration
	Logger          *zap.Logger
}

// PersistenceAdapter bridges in-memory replicas with the durable snapshot
// store. Each document key is bound at most once per process; after binding,
// every mutation re-arms a per-key idle timer and the snapshot is written
// once per quiet period.
type PersistenceAdapter struct {
	snapshots       SnapshotStore
	idleFlushWindow time.Duration
	logger          *zap.Logger
	scheduler       *IdleScheduler

	mu    sync.Mutex
	bound map[string]struct{}
}

// NewPersistenceAdapter constructs a PersistenceAdapter.
func NewPersistenceAdapter(cfg PersistenceAdapterConfig) (*PersistenceAdapter, error) {
	if cfg.Snapshots == nil {
		return nil, errMissingSnapshotStore
	}
	window := cfg.IdleFlushWindow
	if window <= 0 {
		window = defaultIdleFlushWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &PersistenceAdapter{
		snapshots:       cfg.Snapshots,
		idleFlushWindow: window,
		logger:          logger,
		scheduler:       NewIdleScheduler(),
		bound:           make(map[string]struct{}),
	}, nil
}

// BindState seeds the replica from the durable snapshot when the replica is
// empty, registers the idle-flush update hook, and returns a cleanup handle
// that removes the hook. Binding is one-way and at most once per key: a
// second call for an already-bound key is a no-op.
//
// A replica that already has content is never overwritten by the snapshot,
// regardless of what the snapshot holds; live edits from replicas that
// attached earlier must survive.
func (a *PersistenceAdapter) BindState(ctx context.Context, documentKey string, replica Replica) (func(), error) {
	if documentKey == "" {
		return nil, errMissingDocumentKey
	}
	if replica == nil {
		return nil, errMissingReplica
	}

	a.mu.Lock()
	if _, alreadyBound := a.bound[documentKey]; alreadyBound {
		a.mu.Unlock()
		return func() {}, nil
	}
	a.bound[documentKey] = struct{}{}
	a.mu.Unlock()

	serialized, exists, err := a.snapshots.Load(ctx, documentKey)
	if err != nil {
		a.unbind(documentKey)
		a.logError(opBindState, "snapshot_read_failed", err, documentKey)
		return nil, fmt.Errorf("%s.snapshot_read_failed: %w", opBindState, err)
	}
	if exists && serialized != "" && replica.IsEmpty() {
		if err := replica.LoadSnapshot(serialized); err != nil {
			a.unbind(documentKey)
			a.logError(opBindState, "seed_failed", err, documentKey)
			return nil, fmt.Errorf("%s.seed_failed: %w", opBindState, err)
		}
		a.logger.Info("document seeded from snapshot", zap.String("document_key", documentKey))
	}

	removeHook := replica.OnUpdate(func() {
		a.scheduler.Schedule(documentKey, a.idleFlushWindow, func() {
			a.flush(documentKey, replica)
		})
	})

	cleanup := func() {
		removeHook()
		a.scheduler.Cancel(documentKey)
	}
	return cleanup, nil
}

// WriteState flushes the replica's current content immediately, bypassing
// the idle timer. Used for explicit and shutdown-triggered saves.
func (a *PersistenceAdapter) WriteState(ctx context.Context, documentKey string, replica Replica) error {
	if documentKey == "" {
		return errMissingDocumentKey
	}
	if replica == nil {
		return errMissingReplica
	}
	a.scheduler.Cancel(documentKey)
	if err := a.snapshots.Save(ctx, documentKey, replica.Snapshot()); err != nil {
		a.logError(opWriteState, "snapshot_write_failed", err, documentKey)
		return fmt.Errorf("%s.snapshot_write_failed: %w", opWriteState, err)
	}
	return nil
}

// Close cancels every pending idle flush.
func (a *PersistenceAdapter) Close() {
	a.scheduler.Stop()
}

func (a *PersistenceAdapter) unbind(documentKey string) {
	a.mu.Lock()
	delete(a.bound, documentKey)
	a.mu.Unlock()
}

// flush is timer-driven: failures are logged and the write waits for the
// next natural idle trigger, there is no retry loop.
func (a *PersistenceAdapter) flush(documentKey string, replica Replica) {
	if err := a.snapshots.Save(context.Background(), documentKey, replica.Snapshot()); err != nil {
		a.logError(opIdleFlush, "snapshot_write_failed", err, documentKey)
		return
	}
	a.logger.Debug("document snapshot flushed", zap.String("document_key", documentKey))
}

func (a *PersistenceAdapter) logError(operation, reason string, err error, documentKey string) {
	a.logger.Error("document persistence error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("document_key", documentKey),
		zap.Error(err))
}
