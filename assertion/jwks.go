package assertion

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v3"
)

const maxJWKSBytes = 1 << 20

// ErrNoJWKS is returned when a client registered neither inline keys nor a URL.
var ErrNoJWKS = errors.New("no jwks registered")

// JWKSResolver turns a registered JWKS (inline JSON or a URL) into a key set.
// Nothing is cached between calls; callers resolve once per check.
type JWKSResolver struct {
	client      *http.Client
	trustedJKUs []string
}

// NewJWKSResolver builds a resolver. trustedHosts restricts which hosts a jku
// header may point at; an empty list trusts every http(s) URL.
func NewJWKSResolver(client *http.Client, trustedHosts []string) *JWKSResolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &JWKSResolver{client: client, trustedJKUs: trustedHosts}
}

// Resolve parses source as inline JWKS JSON or fetches it when it is a URL.
func (r *JWKSResolver) Resolve(ctx context.Context, source string) (jose.JSONWebKeySet, error) {
	source = strings.TrimSpace(source)
	switch {
	case source == "":
		return jose.JSONWebKeySet{}, ErrNoJWKS
	case strings.HasPrefix(source, "{"):
		return ParseJWKS([]byte(source))
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		return r.fetch(ctx, source)
	default:
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks is neither JSON nor an http(s) URL")
	}
}

// Trusted reports whether a jku header value may be dereferenced.
func (r *JWKSResolver) Trusted(jku string) bool {
	u, err := url.Parse(jku)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}
	if len(r.trustedJKUs) == 0 {
		return true
	}
	return slices.Contains(r.trustedJKUs, u.Hostname()) || slices.Contains(r.trustedJKUs, u.Host)
}

func (r *JWKSResolver) fetch(ctx context.Context, rawURL string) (jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("build jwks request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks fetch failed: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBytes))
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("read jwks: %w", err)
	}
	return ParseJWKS(body)
}

// ParseJWKS decodes a JWKS document.
func ParseJWKS(data []byte) (jose.JSONWebKeySet, error) {
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(data, &set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("parse jwks: %w", err)
	}
	if len(set.Keys) == 0 {
		return jose.JSONWebKeySet{}, errors.New("jwks contains no keys")
	}
	return set, nil
}

// candidateKeys returns the public keys that could have produced a signature
// with alg, narrowed by kid when one was supplied.
func candidateKeys(set jose.JSONWebKeySet, kid, alg string) []jose.JSONWebKey {
	var out []jose.JSONWebKey
	for _, k := range set.Keys {
		if kid != "" && k.KeyID != kid {
			continue
		}
		if k.Algorithm != "" && k.Algorithm != alg {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pub := k.Public()
		if pub.Key == nil || !keyMatchesAlg(pub, alg) {
			continue
		}
		out = append(out, pub)
	}
	return out
}

func keyMatchesAlg(k jose.JSONWebKey, alg string) bool {
	switch {
	case strings.HasPrefix(alg, "RS"), strings.HasPrefix(alg, "PS"):
		return keyType(k) == "RSA"
	case strings.HasPrefix(alg, "ES"):
		return keyType(k) == "EC"
	default:
		return false
	}
}

func keyType(k jose.JSONWebKey) string {
	switch k.Key.(type) {
	case *rsa.PublicKey, *rsa.PrivateKey:
		return "RSA"
	case *ecdsa.PublicKey, *ecdsa.PrivateKey:
		return "EC"
	default:
		return ""
	}
}
