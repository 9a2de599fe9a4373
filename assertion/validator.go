package assertion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Algorithms a client may sign its assertion with.
var supportedAlgs = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512"}

// SupportedAlgorithms lists the signing algorithms accepted on client assertions.
func SupportedAlgorithms() []string {
	return slices.Clone(supportedAlgs)
}

// Expectations describes what a particular assertion must match.
type Expectations struct {
	// ClientID is the value iss and sub must carry.
	ClientID string
	// Audience is the token endpoint URL.
	Audience string
	// JWKS is the client's registered key set, inline JSON or a URL.
	JWKS string
	// ReplayNamespace scopes the jti ledger; empty means server-wide.
	ReplayNamespace string
	// KeySet, when set, stands in for JWKS so callers checking many
	// assertions resolve the registered keys once.
	KeySet *jose.JSONWebKeySet
}

// Validator checks client assertion JWTs and reports every defect it finds.
type Validator struct {
	resolver *JWKSResolver
	replay   ReplayCache
	logger   *slog.Logger
}

// NewValidator wires a validator. A nil replay cache disables jti tracking.
func NewValidator(resolver *JWKSResolver, replay ReplayCache, logger *slog.Logger) *Validator {
	if resolver == nil {
		resolver = NewJWKSResolver(nil, nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{resolver: resolver, replay: replay, logger: logger}
}

// WithReplayCache returns a copy of v that records jti values in cache.
func (v *Validator) WithReplayCache(cache ReplayCache) *Validator {
	cp := *v
	cp.replay = cache
	return &cp
}

// Validate inspects raw against exp. It never stops at the first problem.
func (v *Validator) Validate(ctx context.Context, raw string, exp Expectations) Result {
	var res Result

	claims := jwt.MapClaims{}
	// A missing or unknown alg surfaces as ErrTokenUnverifiable with the
	// header and claims already decoded; anything malformed stops here.
	tok, _, err := jwt.NewParser().ParseUnverified(raw, claims)
	if tok == nil || tok.Header == nil || errors.Is(err, jwt.ErrTokenMalformed) {
		res.add(KindMalformed, fmt.Sprintf("Client assertion is not a decodable JWT: %v", err))
		return res
	}
	res.Header = tok.Header
	res.Claims = claims
	res.ClientID, _ = claims["iss"].(string)

	alg, _ := tok.Header["alg"].(string)
	kid, _ := tok.Header["kid"].(string)
	jku, _ := tok.Header["jku"].(string)

	if typ, _ := tok.Header["typ"].(string); typ != "JWT" {
		res.add(KindHeaderMismatch, "Client assertion JWT has incorrect `typ` header")
	}
	if alg == "" {
		res.add(KindHeaderMissing, "Client assertion JWT is missing `alg` header")
	} else if !slices.Contains(supportedAlgs, alg) {
		res.add(KindHeaderMismatch, fmt.Sprintf("Client assertion JWT has unsupported `alg` header %q", alg))
	}

	v.checkClaims(&res, claims, exp)

	set, ok := v.resolveKeys(ctx, &res, jku, exp)
	if ok && kid == "" && len(set.Keys) > 1 {
		res.add(KindHeaderMissing, "Client assertion JWT is missing `kid` header")
	}

	verified := false
	switch {
	case !ok:
		res.add(KindSignatureInvalid, "Signature verification failed: no JWKS available")
	case alg == "" || !slices.Contains(supportedAlgs, alg):
		res.add(KindSignatureInvalid, "Signature verification failed: no usable `alg`")
	default:
		verified = v.verifySignature(&res, raw, set, kid, alg)
	}

	jti, _ := claims["jti"].(string)
	if verified && jti != "" && v.replay != nil {
		if err := v.replay.Redeem(exp.ReplayNamespace, jti); err != nil {
			if errors.Is(err, ErrReplayed) {
				res.add(KindReplayed, "Client assertion JWT has a `jti` claim that was previously used")
			} else {
				v.logger.Error("replay cache", "error", err)
			}
		}
	}

	if !res.Valid() {
		v.logger.Debug("client assertion defects", "client_id", res.ClientID, "defects", res.Messages())
	}
	return res
}

func (v *Validator) checkClaims(res *Result, claims jwt.MapClaims, exp Expectations) {
	iss, _ := claims["iss"].(string)
	sub, _ := claims["sub"].(string)

	switch {
	case iss == "":
		res.add(KindClaimMissing, "Client assertion JWT is missing the `iss` claim")
	case exp.ClientID != "" && iss != exp.ClientID:
		res.add(KindClaimMismatch, fmt.Sprintf("Client assertion JWT has incorrect `iss` claim: expected %q, got %q", exp.ClientID, iss))
	}
	switch {
	case sub == "":
		res.add(KindClaimMissing, "Client assertion JWT is missing the `sub` claim")
	case exp.ClientID != "" && sub != exp.ClientID:
		res.add(KindClaimMismatch, fmt.Sprintf("Client assertion JWT has incorrect `sub` claim: expected %q, got %q", exp.ClientID, sub))
	}

	aud := audiences(claims["aud"])
	switch {
	case len(aud) == 0:
		res.add(KindClaimMissing, "Client assertion JWT is missing the `aud` claim")
	case exp.Audience != "" && !slices.Contains(aud, exp.Audience):
		res.add(KindClaimMismatch, fmt.Sprintf("Client assertion JWT has incorrect `aud` claim: expected %q", exp.Audience))
	}

	if _, ok := claims["exp"]; !ok {
		res.add(KindClaimMissing, "Client assertion JWT is missing the `exp` claim")
	}
	if jti, _ := claims["jti"].(string); jti == "" {
		res.add(KindClaimMissing, "Client assertion JWT is missing the `jti` claim")
	}
}

// ResolveJWKS resolves inline JSON or a JWKS URL with the validator's resolver.
func (v *Validator) ResolveJWKS(ctx context.Context, source string) (jose.JSONWebKeySet, error) {
	return v.resolver.Resolve(ctx, source)
}

func (v *Validator) resolveKeys(ctx context.Context, res *Result, jku string, exp Expectations) (jose.JSONWebKeySet, bool) {
	source := exp.JWKS
	if jku != "" {
		if v.resolver.Trusted(jku) {
			source = jku
		} else {
			res.add(KindHeaderMismatch, fmt.Sprintf("Client assertion JWT has untrusted `jku` header %q", jku))
		}
	}
	if source == exp.JWKS && exp.KeySet != nil {
		if len(exp.KeySet.Keys) == 0 {
			res.add(KindKeyNotFound, "Could not resolve client JWKS: no keys")
			return jose.JSONWebKeySet{}, false
		}
		return *exp.KeySet, true
	}

	set, err := v.resolver.Resolve(ctx, source)
	if err != nil {
		res.add(KindKeyNotFound, fmt.Sprintf("Could not resolve client JWKS: %v", err))
		return jose.JSONWebKeySet{}, false
	}
	return set, true
}

func (v *Validator) verifySignature(res *Result, raw string, set jose.JSONWebKeySet, kid, alg string) bool {
	keys := candidateKeys(set, kid, alg)
	if len(keys) == 0 {
		if kid != "" {
			res.add(KindKeyNotFound, fmt.Sprintf("Signature verification failed: no key with `kid` %q for algorithm %s", kid, alg))
		} else {
			res.add(KindKeyNotFound, fmt.Sprintf("Signature verification failed: no key for algorithm %s", alg))
		}
		return false
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{alg}), jwt.WithoutClaimsValidation())
	var lastErr error
	for _, key := range keys {
		_, err := parser.Parse(raw, func(*jwt.Token) (any, error) {
			return key.Key, nil
		})
		if err == nil {
			return true
		}
		lastErr = err
	}
	res.add(KindSignatureInvalid, fmt.Sprintf("Signature verification failed: %v", lastErr))
	return false
}

func audiences(val any) []string {
	switch v := val.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
