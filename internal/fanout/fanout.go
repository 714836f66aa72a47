package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const opSend = "fanout.send"

var (
	errMissingLookup = errors.New("fanout: connection lookup is required")
	errMissingSink   = errors.New("fanout: delivery sink is required")
	noOpLogger       = zap.NewNop()
)

// ConnectionLookup resolves the live connection identifiers of a user.
type ConnectionLookup interface {
	FindByUser(ctx context.Context, userID string) ([]string, error)
}

// Sink delivers a payload to one connection.
type Sink interface {
	Deliver(connectionID string, payload []byte) error
}

// BroadcasterConfig describes the dependencies of the broadcast fan-out.
type BroadcasterConfig struct {
	Lookup ConnectionLookup
	Sink   Sink
	Logger *zap.Logger
}

// Broadcaster pushes a payload to every registered connection of a user.
// Deliveries are independent and best-effort: one stale connection never
// blocks or fails the others.
type Broadcaster struct {
	lookup ConnectionLookup
	sink   Sink
	logger *zap.Logger
}

// NewBroadcaster constructs a Broadcaster.
func NewBroadcaster(cfg BroadcasterConfig) (*Broadcaster, error) {
	if cfg.Lookup == nil {
		return nil, errMissingLookup
	}
	if cfg.Sink == nil {
		return nil, errMissingSink
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Broadcaster{lookup: cfg.Lookup, sink: cfg.Sink, logger: logger}, nil
}

// Send attempts delivery to all currently-known connections of the user.
// Per-connection failures are logged and swallowed; the returned error only
// reflects a failed registry lookup.
func (b *Broadcaster) Send(ctx context.Context, userID string, payload []byte) error {
	connectionIDs, err := b.lookup.FindByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("%s: %w", opSend, err)
	}
	if len(connectionIDs) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, connectionID := range connectionIDs {
		wg.Add(1)
		go func(connectionID string) {
			defer wg.Done()
			b.deliver(connectionID, userID, payload)
		}(connectionID)
	}
	wg.Wait()
	return nil
}

func (b *Broadcaster) deliver(connectionID, userID string, payload []byte) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logger.Error("delivery panicked",
				zap.String("operation", opSend),
				zap.String("user_id", userID),
				zap.String("connection_id", connectionID),
				zap.Any("panic", recovered))
		}
	}()
	if err := b.sink.Deliver(connectionID, payload); err != nil {
		b.logger.Warn("delivery failed",
			zap.String("operation", opSend),
			zap.String("user_id", userID),
			zap.String("connection_id", connectionID),
			zap.Error(err))
	}
}
