package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/auth"
	"github.com/MarcoPoloResearchLab/tether/internal/fanout"
	"github.com/MarcoPoloResearchLab/tether/internal/registry"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

type staticVerifier map[string]string

func (v staticVerifier) Verify(_ context.Context, assertion string) (string, error) {
	userID, ok := v[assertion]
	if !ok {
		return "", errors.New("unknown assertion")
	}
	return userID, nil
}

type testEnvironment struct {
	server   *httptest.Server
	registry *registry.Service
	issuer   *auth.CredentialIssuer
}

func newTestEnvironment(testContext *testing.T, verifier IdentityVerifier) *testEnvironment {
	testContext.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&registry.ConnectionRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	store, err := registry.NewSQLiteStore(registry.SQLiteStoreConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	service, err := registry.NewService(registry.ServiceConfig{Store: store})
	if err != nil {
		testContext.Fatalf("failed to build registry service: %v", err)
	}

	issuer := auth.NewCredentialIssuer(auth.CredentialIssuerConfig{
		SigningSecret: []byte("integration-secret"),
	})
	hub := NewHub()
	broadcaster, err := fanout.NewBroadcaster(fanout.BroadcasterConfig{Lookup: service, Sink: hub})
	if err != nil {
		testContext.Fatalf("failed to build broadcaster: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Verifier:    verifier,
		Credentials: issuer,
		Registry:    service,
		Hub:         hub,
		Broadcaster: broadcaster,
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	server := httptest.NewServer(handler)
	testContext.Cleanup(server.Close)
	return &testEnvironment{server: server, registry: service, issuer: issuer}
}

func (e *testEnvironment) websocketURL() string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + "/realtime"
}

func (e *testEnvironment) exchangeToken(testContext *testing.T, assertion string) tokenResponsePayload {
	testContext.Helper()
	body, _ := json.Marshal(tokenRequestPayload{IdentityAssertion: assertion})
	response, err := http.Post(e.server.URL+"/auth/realtime-token", "application/json", bytes.NewReader(body))
	if err != nil {
		testContext.Fatalf("token exchange failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected token exchange status %d", response.StatusCode)
	}
	var payload tokenResponsePayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		testContext.Fatalf("failed to decode token response: %v", err)
	}
	return payload
}

func mustReadPresenceFrame(testContext *testing.T, conn *websocket.Conn) onlineUsersFrame {
	testContext.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			testContext.Fatalf("failed to read frame: %v", err)
		}
		var frame onlineUsersFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		if frame.Type == typeOnlineUsers {
			return frame
		}
	}
	testContext.Fatal("no presence frame received")
	return onlineUsersFrame{}
}

func TestRealtimeTokenExchange(testContext *testing.T) {
	environment := newTestEnvironment(testContext, staticVerifier{"assertion-alpha": "user-alpha"})

	payload := environment.exchangeToken(testContext, "assertion-alpha")
	if payload.UserID != "user-alpha" {
		testContext.Fatalf("unexpected user id %q", payload.UserID)
	}
	if payload.ExpiresIn <= 0 {
		testContext.Fatalf("unexpected expiry %d", payload.ExpiresIn)
	}
	subject, err := environment.issuer.ValidateCredential(payload.Credential)
	if err != nil {
		testContext.Fatalf("issued credential failed validation: %v", err)
	}
	if subject != "user-alpha" {
		testContext.Fatalf("unexpected credential subject %q", subject)
	}
}

func TestRealtimeTokenExchangeRejectsUnknownAssertion(testContext *testing.T) {
	environment := newTestEnvironment(testContext, staticVerifier{})

	body, _ := json.Marshal(tokenRequestPayload{IdentityAssertion: "who-is-this"})
	response, err := http.Post(environment.server.URL+"/auth/realtime-token", "application/json", bytes.NewReader(body))
	if err != nil {
		testContext.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		testContext.Fatalf("expected 401, got %d", response.StatusCode)
	}
}

func TestRealtimeTokenExchangeRejectsEmptyPayload(testContext *testing.T) {
	environment := newTestEnvironment(testContext, staticVerifier{})

	response, err := http.Post(environment.server.URL+"/auth/realtime-token", "application/json", strings.NewReader("{}"))
	if err != nil {
		testContext.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusBadRequest {
		testContext.Fatalf("expected 400, got %d", response.StatusCode)
	}
}

func TestRealtimeHandshakeRejectsMissingCredential(testContext *testing.T) {
	environment := newTestEnvironment(testContext, staticVerifier{})

	_, response, err := websocket.DefaultDialer.Dial(environment.websocketURL(), nil)
	if err == nil {
		testContext.Fatal("expected handshake rejection")
	}
	if response == nil || response.StatusCode != http.StatusUnauthorized {
		testContext.Fatalf("expected 401 response, got %+v", response)
	}
}

func TestRealtimeHandshakeRejectsInvalidCredential(testContext *testing.T) {
	environment := newTestEnvironment(testContext, staticVerifier{})

	dialer := websocket.Dialer{Subprotocols: []string{"not-a-credential", "session-1"}}
	_, response, err := dialer.Dial(environment.websocketURL(), nil)
	if err == nil {
		testContext.Fatal("expected handshake rejection")
	}
	if response == nil || response.StatusCode != http.StatusUnauthorized {
		testContext.Fatalf("expected 401 response, got %+v", response)
	}
}

func TestRealtimeHandshakeSelectsCredentialSubprotocol(testContext *testing.T) {
	environment := newTestEnvironment(testContext, staticVerifier{"assertion-alpha": "user-alpha"})
	payload := environment.exchangeToken(testContext, "assertion-alpha")

	dialer := websocket.Dialer{Subprotocols: []string{payload.Credential, "session-1"}}
	conn, _, err := dialer.Dial(environment.websocketURL(), nil)
	if err != nil {
		testContext.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if conn.Subprotocol() != payload.Credential {
		testContext.Fatalf("expected credential as negotiated subprotocol, got %q", conn.Subprotocol())
	}

	frame := mustReadPresenceFrame(testContext, conn)
	if len(frame.Users) != 1 || frame.Users[0] != "user-alpha" {
		testContext.Fatalf("unexpected presence users %v", frame.Users)
	}
}

func TestRealtimeConnectEvictsPriorSession(testContext *testing.T) {
	environment := newTestEnvironment(testContext, staticVerifier{"assertion-alpha": "user-alpha"})
	payload := environment.exchangeToken(testContext, "assertion-alpha")

	first, _, err := (&websocket.Dialer{Subprotocols: []string{payload.Credential, "session-old"}}).Dial(environment.websocketURL(), nil)
	if err != nil {
		testContext.Fatalf("first dial failed: %v", err)
	}
	defer first.Close()
	mustReadPresenceFrame(testContext, first)

	second, _, err := (&websocket.Dialer{Subprotocols: []string{payload.Credential, "session-new"}}).Dial(environment.websocketURL(), nil)
	if err != nil {
		testContext.Fatalf("second dial failed: %v", err)
	}
	defer second.Close()
	mustReadPresenceFrame(testContext, second)

	connectionIDs, err := environment.registry.FindByUser(context.Background(), "user-alpha")
	if err != nil {
		testContext.Fatalf("find by user failed: %v", err)
	}
	if len(connectionIDs) != 1 {
		testContext.Fatalf("expected a single registered connection after reconnect, got %d", len(connectionIDs))
	}
}

func TestRealtimePresencePingPushesRoster(testContext *testing.T) {
	environment := newTestEnvironment(testContext, staticVerifier{"assertion-alpha": "user-alpha"})
	payload := environment.exchangeToken(testContext, "assertion-alpha")

	conn, _, err := (&websocket.Dialer{Subprotocols: []string{payload.Credential, "session-1"}}).Dial(environment.websocketURL(), nil)
	if err != nil {
		testContext.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	mustReadPresenceFrame(testContext, conn)

	ping, _ := json.Marshal(inboundFrame{Action: actionPresencePing})
	if err := conn.WriteMessage(websocket.TextMessage, ping); err != nil {
		testContext.Fatalf("ping write failed: %v", err)
	}

	frame := mustReadPresenceFrame(testContext, conn)
	if len(frame.Users) != 1 || frame.Users[0] != "user-alpha" {
		testContext.Fatalf("unexpected presence users %v", frame.Users)
	}
}

func TestNewHTTPHandlerValidatesDependencies(testContext *testing.T) {
	_, err := NewHTTPHandler(Dependencies{})
	if !errors.Is(err, errMissingVerifier) {
		testContext.Fatalf("expected missing verifier error, got %v", err)
	}
}
