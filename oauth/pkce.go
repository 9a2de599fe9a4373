package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
)

// PKCE challenge methods.
const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

var (
	ErrVerifierMissing   = errors.New("code_verifier required")
	ErrChallengeMismatch = errors.New("code_verifier does not match code_challenge")
)

// S256Challenge computes base64url(sha256(verifier)) without padding.
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyPKCE checks verifier against the registered challenge. An empty
// method means plain, as RFC 7636 section 4.3 prescribes.
func VerifyPKCE(challenge, verifier, method string) error {
	if verifier == "" {
		return ErrVerifierMissing
	}

	var computed string
	switch method {
	case MethodS256:
		computed = S256Challenge(verifier)
	case MethodPlain, "":
		computed = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method %q", method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return ErrChallengeMismatch
	}
	return nil
}
