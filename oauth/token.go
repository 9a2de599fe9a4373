package oauth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// refreshSuffix links a refresh token back to the authorization code it was derived from.
const refreshSuffix = "_rt"

// ErrMalformedToken is returned when an opaque value cannot be decoded.
var ErrMalformedToken = errors.New("malformed token")

// Token is the decoded form of every opaque value this server hands out:
// authorization codes, access tokens and refresh tokens share the layout.
type Token struct {
	ClientID   string         `json:"client_id"`
	Expiration *int64         `json:"expiration,omitempty"`
	Nonce      string         `json:"nonce,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// Issue builds a token for clientID that expires ttl from now. A zero or
// negative ttl yields a token without an expiration.
func Issue(clientID string, ttl time.Duration, extra map[string]any) Token {
	tok := Token{
		ClientID: clientID,
		Nonce:    uuid.NewString(),
		Extra:    extra,
	}
	if ttl > 0 {
		exp := time.Now().Add(ttl).Unix()
		tok.Expiration = &exp
	}
	return tok
}

// Encode is shorthand for Issue followed by Token.Encode.
func Encode(clientID string, ttl time.Duration, extra map[string]any) (string, error) {
	return Issue(clientID, ttl, extra).Encode()
}

// Encode renders the token as standard base64 of its JSON form.
func (t Token) Encode() (string, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(payload), nil
}

// Decode parses an opaque value. Standard and URL-safe alphabets are both
// accepted, with or without padding, since clients are free to re-encode.
func Decode(raw string) (Token, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Token{}, ErrMalformedToken
	}

	var payload []byte
	var err error
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		payload, err = enc.DecodeString(raw)
		if err == nil {
			break
		}
	}
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	var tok Token
	if err := json.Unmarshal(payload, &tok); err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if tok.ClientID == "" {
		return Token{}, fmt.Errorf("%w: client_id missing", ErrMalformedToken)
	}
	return tok, nil
}

// IsExpired reports whether now is past the token's expiration. Tokens
// without an expiration never expire.
func IsExpired(tok Token, now time.Time) bool {
	if tok.Expiration == nil {
		return false
	}
	return now.Unix() > *tok.Expiration
}

// ExpiresAt returns the expiration instant, or the zero time when unset.
func (t Token) ExpiresAt() time.Time {
	if t.Expiration == nil {
		return time.Time{}
	}
	return time.Unix(*t.Expiration, 0)
}

// AuthorizationCodeToRefreshToken derives the refresh token issued alongside code.
func AuthorizationCodeToRefreshToken(code string) string {
	return code + refreshSuffix
}

// RefreshTokenToAuthorizationCode recovers the code a refresh token was derived from.
func RefreshTokenToAuthorizationCode(refreshToken string) string {
	return strings.TrimSuffix(refreshToken, refreshSuffix)
}

// IsRefreshToken reports whether raw carries the refresh token suffix.
func IsRefreshToken(raw string) bool {
	return len(raw) > len(refreshSuffix) && strings.HasSuffix(raw, refreshSuffix)
}
