package oauth

import (
	"fmt"
	"strings"
)

// ClientAssertionType is the only client_assertion_type accepted for JWT
// client authentication.
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// GrantType enumerates the grants the token endpoint understands.
type GrantType int

const (
	GrantUnknown GrantType = iota
	GrantAuthorizationCode
	GrantClientCredentials
	GrantRefreshToken
)

// ParseGrantType maps the grant_type form value onto a GrantType.
func ParseGrantType(value string) (GrantType, error) {
	switch value {
	case "authorization_code":
		return GrantAuthorizationCode, nil
	case "client_credentials":
		return GrantClientCredentials, nil
	case "refresh_token":
		return GrantRefreshToken, nil
	default:
		return GrantUnknown, fmt.Errorf("unsupported grant_type %q", value)
	}
}

func (g GrantType) String() string {
	switch g {
	case GrantAuthorizationCode:
		return "authorization_code"
	case GrantClientCredentials:
		return "client_credentials"
	case GrantRefreshToken:
		return "refresh_token"
	default:
		return "unknown"
	}
}

// HasScope reports whether the space-delimited scope string contains want.
func HasScope(scope, want string) bool {
	for _, s := range strings.Fields(scope) {
		if s == want {
			return true
		}
	}
	return false
}
