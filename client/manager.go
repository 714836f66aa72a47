package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultKeepaliveInterval = 30 * time.Second
	defaultReconnectInterval = 5 * time.Second

	managerWriteTimeout = 10 * time.Second
	managerReadLimit    = 1 << 20
)

var (
	errMissingEndpoint    = errors.New("client: endpoint is required")
	errMissingCredentials = errors.New("client: credential source is required")
	errMissingSessions    = errors.New("client: session store is required")
	errMissingRouter      = errors.New("client: message router is required")
	errManagerClosed      = errors.New("client: manager closed")
	errNotConnected       = errors.New("client: not connected")
)

// CredentialSource fetches a fresh realtime credential before each dial.
type CredentialSource interface {
	FetchCredential(ctx context.Context) (string, error)
}

// ConnectionManagerConfig configures the transport connection manager.
type ConnectionManagerConfig struct {
	Endpoint          string
	Credentials       CredentialSource
	Sessions          SessionStore
	Router            *MessageRouter
	KeepaliveInterval time.Duration
	ReconnectInterval time.Duration
	Logger            *zap.Logger
}

// ConnectionManager owns at most one live transport connection, advertising
// the credential and session identifier as ordered subprotocols, with
// automatic keepalive and fixed-interval reconnection. Connection failures
// never surface to callers; they all funnel into the reconnection loop.
type ConnectionManager struct {
	endpoint          string
	credentials       CredentialSource
	sessions          SessionStore
	router            *MessageRouter
	keepaliveInterval time.Duration
	reconnectInterval time.Duration
	logger            *zap.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	generation   int
	reconnecting bool
	closed       bool
	done         chan struct{}

	writeMu sync.Mutex
}

// NewConnectionManager constructs a ConnectionManager.
func NewConnectionManager(cfg ConnectionManagerConfig) (*ConnectionManager, error) {
	if cfg.Endpoint == "" {
		return nil, errMissingEndpoint
	}
	if cfg.Credentials == nil {
		return nil, errMissingCredentials
	}
	if cfg.Sessions == nil {
		return nil, errMissingSessions
	}
	if cfg.Router == nil {
		return nil, errMissingRouter
	}
	keepalive := cfg.KeepaliveInterval
	if keepalive <= 0 {
		keepalive = defaultKeepaliveInterval
	}
	reconnect := cfg.ReconnectInterval
	if reconnect <= 0 {
		reconnect = defaultReconnectInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionManager{
		endpoint:          cfg.Endpoint,
		credentials:       cfg.Credentials,
		sessions:          cfg.Sessions,
		router:            cfg.Router,
		keepaliveInterval: keepalive,
		reconnectInterval: reconnect,
		logger:            logger,
		done:              make(chan struct{}),
	}, nil
}

// Connect establishes the transport connection. Idempotent: a second call
// while a connection is live is a no-op. Failures are logged and handed to
// the reconnection loop rather than returned.
func (m *ConnectionManager) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.closed || m.conn != nil {
		m.mu.Unlock()
		return
	}
	generation := m.generation
	m.mu.Unlock()

	credential, err := m.credentials.FetchCredential(ctx)
	if err != nil {
		m.logger.Warn("credential fetch failed", zap.Error(err))
		m.startReconnectLoop()
		return
	}
	sessionID, err := m.sessions.SessionID()
	if err != nil {
		m.logger.Warn("session identifier unavailable", zap.Error(err))
		m.startReconnectLoop()
		return
	}

	dialer := websocket.Dialer{
		Subprotocols:     []string{credential, sessionID},
		HandshakeTimeout: managerWriteTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, m.endpoint, nil)
	if err != nil {
		m.logger.Warn("transport dial failed", zap.Error(err))
		m.startReconnectLoop()
		return
	}

	m.mu.Lock()
	// The manager may have been closed, torn down, or reconnected by
	// another path while the dial was in flight.
	if m.closed || m.generation != generation || m.conn != nil {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.reconnecting = false
	m.mu.Unlock()

	m.logger.Info("transport connected", zap.String("session_id", sessionID))
	go m.keepaliveLoop(conn)
	go m.readLoop(conn)
}

// Connected reports whether a transport connection is currently live.
func (m *ConnectionManager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Send writes a payload on the live connection.
func (m *ConnectionManager) Send(payload []byte) error {
	m.mu.Lock()
	conn := m.conn
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return errManagerClosed
	}
	if conn == nil {
		return errNotConnected
	}
	return m.write(conn, payload)
}

// Close tears the manager down: stops the reconnection loop, the keepalive
// schedule, and the transport. Safe to call even if never connected.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.generation++
	conn := m.conn
	m.conn = nil
	close(m.done)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(managerWriteTimeout))
		return conn.Close()
	}
	return nil
}

// keepaliveLoop sends the initial presence ping and keeps the connection
// warm on a fixed interval until the connection goes away.
func (m *ConnectionManager) keepaliveLoop(conn *websocket.Conn) {
	ping, _ := json.Marshal(map[string]string{"action": "presencePing"})
	if err := m.write(conn, ping); err != nil {
		return
	}

	ticker := time.NewTicker(m.keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if !m.owns(conn) {
				return
			}
			if err := m.write(conn, ping); err != nil {
				return
			}
		}
	}
}

// readLoop routes inbound frames until the transport fails, then hands
// control to the reconnection loop.
func (m *ConnectionManager) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(managerReadLimit)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(conn, err)
			return
		}
		m.router.OnFrame(raw)
	}
}

func (m *ConnectionManager) handleDisconnect(conn *websocket.Conn, cause error) {
	m.mu.Lock()
	owned := m.conn == conn
	if owned {
		m.conn = nil
		m.generation++
	}
	closed := m.closed
	m.mu.Unlock()

	_ = conn.Close()
	if !owned || closed {
		return
	}
	m.logger.Warn("transport connection lost", zap.Error(cause))
	m.startReconnectLoop()
}

// startReconnectLoop arms the fixed-interval retry loop. At most one loop
// runs at a time; it exits once a connection exists or the manager closes.
func (m *ConnectionManager) startReconnectLoop() {
	m.mu.Lock()
	if m.closed || m.reconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.reconnectInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				m.mu.Lock()
				if m.closed {
					m.mu.Unlock()
					return
				}
				if m.conn != nil {
					m.reconnecting = false
					m.mu.Unlock()
					return
				}
				m.mu.Unlock()
				m.Connect(context.Background())

				m.mu.Lock()
				settled := m.conn != nil || m.closed
				if settled {
					m.reconnecting = false
				}
				m.mu.Unlock()
				if settled {
					return
				}
			}
		}
	}()
}

func (m *ConnectionManager) owns(conn *websocket.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn == conn
}

func (m *ConnectionManager) write(conn *websocket.Conn, payload []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(managerWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}
