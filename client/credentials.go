package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	errMissingTokenEndpoint = errors.New("client: token endpoint is required")
	errMissingAssertion     = errors.New("client: identity assertion is required")
	errEmptyCredential      = errors.New("client: token endpoint returned an empty credential")
)

// HTTPCredentialSourceConfig configures the HTTP-backed credential source.
type HTTPCredentialSourceConfig struct {
	TokenEndpoint     string
	IdentityAssertion string
	HTTPClient        *http.Client
}

// HTTPCredentialSource exchanges an upstream identity assertion for a fresh
// realtime credential before each dial.
type HTTPCredentialSource struct {
	tokenEndpoint     string
	identityAssertion string
	httpClient        *http.Client
}

// NewHTTPCredentialSource constructs an HTTPCredentialSource.
func NewHTTPCredentialSource(cfg HTTPCredentialSourceConfig) (*HTTPCredentialSource, error) {
	if cfg.TokenEndpoint == "" {
		return nil, errMissingTokenEndpoint
	}
	if cfg.IdentityAssertion == "" {
		return nil, errMissingAssertion
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPCredentialSource{
		tokenEndpoint:     cfg.TokenEndpoint,
		identityAssertion: cfg.IdentityAssertion,
		httpClient:        httpClient,
	}, nil
}

// FetchCredential performs the token exchange.
func (s *HTTPCredentialSource) FetchCredential(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{"identity_assertion": s.identityAssertion})
	if err != nil {
		return "", err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := s.httpClient.Do(request)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token exchange failed with status %d", response.StatusCode)
	}

	var payload struct {
		Credential string `json:"credential"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return "", err
	}
	if payload.Credential == "" {
		return "", errEmptyCredential
	}
	return payload.Credential, nil
}
