package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/fanout"
	"github.com/MarcoPoloResearchLab/tether/internal/registry"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errMissingVerifier    = errors.New("identity verifier dependency required")
	errMissingCredentials = errors.New("credential manager dependency required")
	errMissingRegistry    = errors.New("registry dependency required")
	errMissingHub         = errors.New("hub dependency required")
	errMissingBroadcaster = errors.New("broadcaster dependency required")
)

// IdentityVerifier validates an upstream identity assertion and returns the
// canonical user id. The actual credential provider lives outside this
// service.
type IdentityVerifier interface {
	Verify(ctx context.Context, assertion string) (string, error)
}

// CredentialManager issues and validates realtime credentials.
type CredentialManager interface {
	IssueCredential(userID string) (string, int64, error)
	ValidateCredential(credential string) (string, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Verifier    IdentityVerifier
	Credentials CredentialManager
	Registry    *registry.Service
	Hub         *Hub
	Broadcaster *fanout.Broadcaster
	Logger      *zap.Logger
}

// NewHTTPHandler builds the gin router exposing the token exchange and the
// realtime websocket endpoint.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.Credentials == nil {
		return nil, errMissingCredentials
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.Broadcaster == nil {
		return nil, errMissingBroadcaster
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:    deps.Verifier,
		credentials: deps.Credentials,
		logger:      logger,
	}
	socket := newRealtimeSocket(deps.Credentials, deps.Registry, deps.Hub, deps.Broadcaster, logger)

	router.POST("/auth/realtime-token", handler.handleRealtimeToken)
	router.GET("/realtime", socket.handle)

	return router, nil
}

type httpHandler struct {
	verifier    IdentityVerifier
	credentials CredentialManager
	logger      *zap.Logger
}

type tokenRequestPayload struct {
	IdentityAssertion string `json:"identity_assertion"`
}

type tokenResponsePayload struct {
	Credential string `json:"credential"`
	ExpiresIn  int64  `json:"expires_in"`
	UserID     string `json:"user_id"`
}

func (h *httpHandler) handleRealtimeToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IdentityAssertion) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	userID, err := h.verifier.Verify(c.Request.Context(), request.IdentityAssertion)
	if err != nil {
		h.logger.Warn("identity assertion rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	credential, expiresIn, err := h.credentials.IssueCredential(userID)
	if err != nil {
		h.logger.Error("failed to issue realtime credential", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "credential_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		Credential: credential,
		ExpiresIn:  expiresIn,
		UserID:     userID,
	})
}
