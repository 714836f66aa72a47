package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/fanout"
	"github.com/MarcoPoloResearchLab/tether/internal/registry"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	socketReadLimit    = 1 << 20
	socketReadTimeout  = 90 * time.Second
	socketWriteTimeout = 10 * time.Second
	socketPingInterval = 30 * time.Second
)

// CredentialValidator checks the handshake credential and returns the
// authenticated user id.
type CredentialValidator interface {
	ValidateCredential(credential string) (string, error)
}

type realtimeSocket struct {
	validator   CredentialValidator
	registry    *registry.Service
	hub         *Hub
	broadcaster *fanout.Broadcaster
	logger      *zap.Logger
	upgrader    websocket.Upgrader
}

func newRealtimeSocket(validator CredentialValidator, reg *registry.Service, hub *Hub, broadcaster *fanout.Broadcaster, logger *zap.Logger) *realtimeSocket {
	return &realtimeSocket{
		validator:   validator,
		registry:    reg,
		hub:         hub,
		broadcaster: broadcaster,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients present no usable Origin guarantees here;
			// the credential subprotocol is the gate.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// handle negotiates the [credential, sessionId] subprotocol pair, selects
// the credential on success, and runs the connection until the peer leaves.
// Auth failures reject with 401 before the upgrade; failures after the
// upgrade close with policy-violation (1008).
func (s *realtimeSocket) handle(c *gin.Context) {
	tokens := websocket.Subprotocols(c.Request)
	if len(tokens) == 0 {
		s.logger.Warn("realtime handshake without credential subprotocol")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	credential := tokens[0]
	sessionID := ""
	if len(tokens) > 1 {
		sessionID = tokens[1]
	}

	userID, err := s.validator.ValidateCredential(credential)
	if err != nil {
		s.logger.Warn("realtime credential rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	responseHeader := http.Header{}
	responseHeader.Set("Sec-WebSocket-Protocol", credential)
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, responseHeader)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.logger.Warn("realtime upgrade failed", zap.Error(err))
		return
	}

	connectionID, err := registry.NewConnectionID(uuid.NewString())
	if err != nil {
		s.closeWithPolicyViolation(conn, "connection id generation failed")
		return
	}

	if _, err := s.registry.Connect(c.Request.Context(), connectionID, userID, sessionID); err != nil {
		if errors.Is(err, registry.ErrUnauthorized) {
			s.closeWithPolicyViolation(conn, "unauthorized")
			return
		}
		s.logger.Error("registry connect failed", zap.Error(err),
			zap.String("user_id", userID))
		s.closeWithInternalError(conn)
		return
	}

	connection := s.hub.Register(connectionID.String(), userID)
	s.logger.Info("realtime connection established",
		zap.String("user_id", userID),
		zap.String("connection_id", connectionID.String()),
		zap.String("session_id", sessionID))

	go s.writeLoop(conn, connection)
	s.broadcastPresence(c.Request.Context())

	s.readLoop(conn, connection)

	s.hub.Unregister(connectionID.String())
	if err := s.registry.Disconnect(context.Background(), connectionID); err != nil {
		s.logger.Error("registry disconnect failed", zap.Error(err),
			zap.String("connection_id", connectionID.String()))
	}
	s.broadcastPresence(context.Background())
}

func (s *realtimeSocket) readLoop(conn *websocket.Conn, connection *HubConnection) {
	conn.SetReadLimit(socketReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(socketReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(socketReadTimeout))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("realtime read failed", zap.Error(err),
					zap.String("connection_id", connection.ConnectionID()))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(socketReadTimeout))

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.logger.Warn("realtime frame not parseable",
				zap.String("connection_id", connection.ConnectionID()))
			continue
		}

		switch frame.Action {
		case actionPresencePing:
			s.broadcastPresence(context.Background())
		case actionSetActiveConversation:
			connection.SetActiveConversation(frame.ConversationID)
		default:
			s.logger.Debug("realtime frame with unknown action",
				zap.String("action", frame.Action),
				zap.String("connection_id", connection.ConnectionID()))
		}
	}
}

func (s *realtimeSocket) writeLoop(conn *websocket.Conn, connection *HubConnection) {
	pinger := time.NewTicker(socketPingInterval)
	defer pinger.Stop()
	defer conn.Close()

	for {
		select {
		case payload, open := <-connection.Outbound():
			if !open {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(socketWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Warn("realtime write failed", zap.Error(err),
					zap.String("connection_id", connection.ConnectionID()))
				return
			}
		case <-pinger.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(socketWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *realtimeSocket) broadcastPresence(ctx context.Context) {
	users, err := s.registry.OnlineUsers(ctx)
	if err != nil {
		s.logger.Error("presence lookup failed", zap.Error(err))
		return
	}
	if users == nil {
		users = []string{}
	}
	payload, err := json.Marshal(onlineUsersFrame{Type: typeOnlineUsers, Users: users})
	if err != nil {
		s.logger.Error("presence payload marshal failed", zap.Error(err))
		return
	}
	for _, userID := range users {
		if err := s.broadcaster.Send(ctx, userID, payload); err != nil {
			s.logger.Warn("presence push failed", zap.Error(err), zap.String("user_id", userID))
		}
	}
}

func (s *realtimeSocket) closeWithPolicyViolation(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(socketWriteTimeout))
	_ = conn.Close()
}

func (s *realtimeSocket) closeWithInternalError(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "registry unavailable"),
		time.Now().Add(socketWriteTimeout))
	_ = conn.Close()
}
