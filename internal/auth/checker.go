// Package auth gates the register frame (§4.4.1) behind a pluggable
// CredentialChecker: a shared-secret bearer token or an external OIDC
// identity provider, both binding the checked identity to the agentId the
// register frame claims. The HMAC checker also binds the instanceId when the
// token carries one; the OIDC checker does not check the instanceId.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// CredentialChecker gates a register frame before the registry is touched
// (§4.4.1). A nil checker accepts every registration.
type CredentialChecker interface {
	Check(ctx context.Context, agentID, instanceID, credential string) error
}

var (
	// ErrMissingCredential is returned when a checker requires a credential
	// and none was supplied on the register frame.
	ErrMissingCredential = errors.New("register frame missing credential")
	// ErrInvalidToken indicates the token failed signature or claim checks.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
)

// hmacClaims is the compact JWT-style payload an HMACChecker expects. iid
// is optional: a token minted for a specific instance binds registration to
// that instance as well as its agent; a token minted agent-wide (iid
// omitted) lets the holder register any instanceId under that agent.
type hmacClaims struct {
	AgentID    string `json:"sub"`
	InstanceID string `json:"iid,omitempty"`
	ExpiresAt  int64  `json:"exp"`
	IssuedAt   int64  `json:"iat"`
}

// HMACChecker gates registration on a bearer token signed with a shared
// secret: a compact, three-segment HS256 token whose subject must match the
// registering agentId and whose optional instance claim, if present, must
// match the registering instanceId.
type HMACChecker struct {
	secret []byte
	leeway time.Duration
	now    func() time.Time
}

// NewHMACChecker builds a HMAC-backed credential checker for the given
// shared secret and clock-skew allowance.
func NewHMACChecker(secret string, leeway time.Duration) (*HMACChecker, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("hmac secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &HMACChecker{secret: []byte(secret), leeway: leeway, now: time.Now}, nil
}

// WithClock overrides the checker's clock, enabling deterministic tests.
func (c *HMACChecker) WithClock(clock func() time.Time) {
	if clock != nil {
		c.now = clock
	}
}

// Check verifies the bearer token's signature and expiry, then requires its
// agent claim to match agentID and, when present, its instance claim to
// match instanceID.
func (c *HMACChecker) Check(_ context.Context, agentID, instanceID, credential string) error {
	credential = strings.TrimPrefix(strings.TrimSpace(credential), "Bearer ")
	if credential == "" {
		return ErrMissingCredential
	}

	claims, err := c.verify(credential)
	if err != nil {
		return err
	}
	if claims.AgentID != agentID {
		return fmt.Errorf("%w: token agentId %q does not match register agentId %q", ErrInvalidToken, claims.AgentID, agentID)
	}
	if claims.InstanceID != "" && claims.InstanceID != instanceID {
		return fmt.Errorf("%w: token instanceId %q does not match register instanceId %q", ErrInvalidToken, claims.InstanceID, instanceID)
	}
	return nil
}

func (c *HMACChecker) verify(token string) (*hmacClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}
	signingInput := parts[0] + "." + parts[1]

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var header struct {
		Algorithm string `json:"alg"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, ErrInvalidToken
	}
	if header.Algorithm != "HS256" {
		return nil, fmt.Errorf("%w: unexpected algorithm %q", ErrInvalidToken, header.Algorithm)
	}

	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidToken
	}
	mac := hmac.New(sha256.New, c.secret)
	if _, err := mac.Write([]byte(signingInput)); err != nil {
		return nil, err
	}
	if !hmac.Equal(signature, mac.Sum(nil)) {
		return nil, ErrInvalidToken
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var claims hmacClaims
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.AgentID) == "" || claims.ExpiresAt <= 0 {
		return nil, ErrInvalidToken
	}
	if time.Unix(claims.ExpiresAt, 0).Add(c.leeway).Before(c.now()) {
		return nil, ErrExpiredToken
	}
	return &claims, nil
}

// OIDCChecker gates registration on a credential issued by an external
// identity provider. The credential may be an ID token (verified locally
// against the provider's signing keys) or an opaque OAuth2 access token
// (resolved via the provider's userinfo endpoint) — agents behind
// different client libraries tend to hand over whichever one they have.
type OIDCChecker struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
}

// NewOIDCChecker discovers the issuer's configuration and builds a
// verifier scoped to the configured client ID as audience.
func NewOIDCChecker(ctx context.Context, issuer, clientID string) (*OIDCChecker, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover oidc provider: %w", err)
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: clientID})
	return &OIDCChecker{provider: provider, verifier: verifier}, nil
}

// Check verifies the credential and requires the resolved subject to match
// agentID. The provider has no notion of instanceId, so it is not checked.
func (c *OIDCChecker) Check(ctx context.Context, agentID, _ string, credential string) error {
	credential = strings.TrimPrefix(strings.TrimSpace(credential), "Bearer ")
	if credential == "" {
		return ErrMissingCredential
	}

	if idToken, err := c.verifier.Verify(ctx, credential); err == nil {
		var claims struct {
			Subject string `json:"sub"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		return matchSubject(claims.Subject, agentID)
	}

	// Not a verifiable ID token: treat it as an opaque access token and
	// resolve identity through the userinfo endpoint instead.
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: credential})
	info, err := c.provider.UserInfo(ctx, tokenSource)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return matchSubject(info.Subject, agentID)
}

func matchSubject(subject, agentID string) error {
	if subject != agentID {
		return fmt.Errorf("%w: token subject %q does not match agentId %q", ErrInvalidToken, subject, agentID)
	}
	return nil
}
