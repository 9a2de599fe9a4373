package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrNoSigningKey is returned when the private key set holds no usable key.
var ErrNoSigningKey = errors.New("no signing key for requested alg and kid")

// AssertionSigner builds client assertion JWTs for private_key_jwt
// authentication.
type AssertionSigner struct {
	clientID string
	audience string
	method   jwt.SigningMethod
	kid      string
	jku      string
	key      any
	lifetime time.Duration
	now      func() time.Time
}

// SignerOption customizes an AssertionSigner.
type SignerOption func(*AssertionSigner)

// WithJKU advertises a key set URL in the assertion header.
func WithJKU(jku string) SignerOption {
	return func(s *AssertionSigner) { s.jku = jku }
}

// WithLifetime sets how long assertions stay valid.
func WithLifetime(d time.Duration) SignerOption {
	return func(s *AssertionSigner) { s.lifetime = d }
}

// NewAssertionSigner picks the private key matching alg (and kid, when set)
// out of a private JWKS document.
func NewAssertionSigner(clientID, tokenURL string, privateJWKS []byte, alg, kid string, opts ...SignerOption) (*AssertionSigner, error) {
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(privateJWKS, &set); err != nil {
		return nil, fmt.Errorf("parse private jwks: %w", err)
	}
	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return nil, fmt.Errorf("unsupported alg %q", alg)
	}

	var chosen *jose.JSONWebKey
	for i := range set.Keys {
		k := set.Keys[i]
		if k.IsPublic() {
			continue
		}
		if kid != "" && k.KeyID != kid {
			continue
		}
		if k.Algorithm != "" && k.Algorithm != alg {
			continue
		}
		chosen = &k
		break
	}
	if chosen == nil {
		return nil, ErrNoSigningKey
	}

	s := &AssertionSigner{
		clientID: clientID,
		audience: tokenURL,
		method:   method,
		kid:      chosen.KeyID,
		key:      chosen.Key,
		lifetime: 5 * time.Minute,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sign returns a fresh assertion with a unique jti.
func (s *AssertionSigner) Sign() (string, error) {
	now := s.now()
	tok := jwt.NewWithClaims(s.method, jwt.MapClaims{
		"iss": s.clientID,
		"sub": s.clientID,
		"aud": s.audience,
		"exp": now.Add(s.lifetime).Unix(),
		"jti": uuid.NewString(),
	})
	if s.kid != "" {
		tok.Header["kid"] = s.kid
	}
	if s.jku != "" {
		tok.Header["jku"] = s.jku
	}
	return tok.SignedString(s.key)
}
