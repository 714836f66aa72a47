package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultCredentialTTL = 30 * time.Minute

	credentialIssuer   = "tether-auth"
	credentialAudience = "tether-realtime"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
)

// CredentialIssuerConfig configures the realtime credential issuer.
type CredentialIssuerConfig struct {
	SigningSecret []byte
	CredentialTTL time.Duration
	Clock         func() time.Time
}

// CredentialIssuer issues short-lived realtime credentials for the websocket
// handshake. Verification of the caller's upstream identity is delegated to
// the HTTP layer; the issuer only signs an already-authenticated subject.
type CredentialIssuer struct {
	config CredentialIssuerConfig
	clock  func() time.Time
}

// NewCredentialIssuer constructs a CredentialIssuer with sane defaults.
func NewCredentialIssuer(cfg CredentialIssuerConfig) *CredentialIssuer {
	ttl := cfg.CredentialTTL
	if ttl <= 0 {
		ttl = defaultCredentialTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &CredentialIssuer{
		config: CredentialIssuerConfig{
			SigningSecret: cfg.SigningSecret,
			CredentialTTL: ttl,
			Clock:         clock,
		},
		clock: clock,
	}
}

// IssueCredential produces a signed credential and its expiry (seconds) for the subject.
func (i *CredentialIssuer) IssueCredential(userID string) (string, int64, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if userID == "" {
		return "", 0, errMissingSubjectClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.CredentialTTL).UTC()

	registered := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    credentialIssuer,
		Audience:  []string{credentialAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateCredential ensures the credential is well formed and returns the subject.
func (i *CredentialIssuer) ValidateCredential(credential string) (string, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", errMissingSigningSecret
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		credential,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(credentialAudience),
		jwt.WithIssuer(credentialIssuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errMissingSubjectClaim
	}
	return claims.Subject, nil
}
