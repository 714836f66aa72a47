package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const assertionAudience = "tether-auth"

var errEmptyAssertion = errors.New("identity assertion must be provided")

// AssertionVerifierConfig configures verification of upstream identity
// assertions.
type AssertionVerifierConfig struct {
	SigningSecret []byte
	Clock         func() time.Time
}

// AssertionVerifier checks HS256 identity assertions minted by the upstream
// identity provider and extracts the subject. It stands in front of the
// credential issuer so the realtime service never sees raw user passwords
// or provider tokens.
type AssertionVerifier struct {
	signingSecret []byte
	clock         func() time.Time
}

// NewAssertionVerifier constructs an AssertionVerifier.
func NewAssertionVerifier(cfg AssertionVerifierConfig) *AssertionVerifier {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &AssertionVerifier{signingSecret: cfg.SigningSecret, clock: clock}
}

// Verify validates the assertion and returns the asserted user id.
func (v *AssertionVerifier) Verify(_ context.Context, assertion string) (string, error) {
	if len(v.signingSecret) == 0 {
		return "", errMissingSigningSecret
	}
	if assertion == "" {
		return "", errEmptyAssertion
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		assertion,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithAudience(assertionAudience),
		jwt.WithTimeFunc(v.clock),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errMissingSubjectClaim
	}
	return claims.Subject, nil
}
