// Package client drives a SMART on FHIR authorization server the way an app
// under test would: discovery, the authorization code and backend services
// grants, refresh, ID token verification and FHIR reads.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Config describes the client being driven.
type Config struct {
	FHIRBaseURL  string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	// Signer authenticates with private_key_jwt when set.
	Signer     *AssertionSigner
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// SMARTConfiguration is the subset of the well-known document the driver uses.
type SMARTConfiguration struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	JWKSURI               string   `json:"jwks_uri"`
	Capabilities          []string `json:"capabilities"`
}

// Driver talks to one authorization server on behalf of one client.
type Driver struct {
	cfg    Config
	smart  SMARTConfiguration
	oauth2 oauth2.Config
	http   *http.Client
	logger *slog.Logger
}

// Discover fetches {fhir}/.well-known/smart-configuration and returns a
// driver bound to the advertised endpoints.
func Discover(ctx context.Context, cfg Config) (*Driver, error) {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	wellKnown := strings.TrimSuffix(cfg.FHIRBaseURL, "/") + "/.well-known/smart-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch smart configuration: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch smart configuration: %s", resp.Status)
	}
	var smart SMARTConfiguration
	if err := json.NewDecoder(resp.Body).Decode(&smart); err != nil {
		return nil, fmt.Errorf("decode smart configuration: %w", err)
	}
	if smart.AuthorizationEndpoint == "" || smart.TokenEndpoint == "" {
		return nil, errors.New("smart configuration lacks endpoints")
	}

	style := oauth2.AuthStyleInParams
	if cfg.ClientSecret != "" {
		style = oauth2.AuthStyleInHeader
	}

	return &Driver{
		cfg:   cfg,
		smart: smart,
		oauth2: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   smart.AuthorizationEndpoint,
				TokenURL:  smart.TokenEndpoint,
				AuthStyle: style,
			},
		},
		http:   httpClient,
		logger: logger,
	}, nil
}

// Configuration returns the discovered SMART configuration.
func (d *Driver) Configuration() SMARTConfiguration {
	return d.smart
}

// AuthRequest holds what the app must remember between redirect and callback.
type AuthRequest struct {
	URL      string
	State    string
	Nonce    string
	Verifier string
}

// AuthCodeURL builds a PKCE protected authorization URL with aud set to the
// FHIR base URL.
func (d *Driver) AuthCodeURL(extra ...oauth2.AuthCodeOption) AuthRequest {
	req := AuthRequest{
		State:    oauth2.GenerateVerifier(),
		Nonce:    oauth2.GenerateVerifier(),
		Verifier: oauth2.GenerateVerifier(),
	}
	opts := append([]oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(req.Verifier),
		oauth2.SetAuthURLParam("aud", d.cfg.FHIRBaseURL),
		oidc.Nonce(req.Nonce),
	}, extra...)
	req.URL = d.oauth2.AuthCodeURL(req.State, opts...)
	return req
}

// Exchange redeems an authorization code.
func (d *Driver) Exchange(ctx context.Context, code string, req AuthRequest) (*Credentials, error) {
	opts := []oauth2.AuthCodeOption{oauth2.VerifierOption(req.Verifier)}
	assertionOpts, err := d.assertionOptions()
	if err != nil {
		return nil, err
	}
	opts = append(opts, assertionOpts...)

	tok, err := d.oauth2.Exchange(d.withClient(ctx), code, opts...)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	d.logger.Debug("code exchanged", "client_id", d.cfg.ClientID, "scope", tok.Extra("scope"))
	return newCredentials(tok), nil
}

// BackendToken runs the client_credentials grant.
func (d *Driver) BackendToken(ctx context.Context) (*Credentials, error) {
	cc := clientcredentials.Config{
		ClientID:       d.cfg.ClientID,
		ClientSecret:   d.cfg.ClientSecret,
		TokenURL:       d.smart.TokenEndpoint,
		Scopes:         d.cfg.Scopes,
		AuthStyle:      d.oauth2.Endpoint.AuthStyle,
		EndpointParams: map[string][]string{},
	}
	if d.cfg.Signer != nil {
		signed, err := d.cfg.Signer.Sign()
		if err != nil {
			return nil, fmt.Errorf("sign assertion: %w", err)
		}
		cc.EndpointParams.Set("client_assertion_type", clientAssertionType)
		cc.EndpointParams.Set("client_assertion", signed)
	}

	tok, err := cc.Token(d.withClient(ctx))
	if err != nil {
		return nil, fmt.Errorf("client credentials: %w", err)
	}
	return newCredentials(tok), nil
}

// Refresh trades creds' refresh token for new credentials. The original
// refresh token is kept when the response omits one.
func (d *Driver) Refresh(ctx context.Context, creds *Credentials) (*Credentials, error) {
	if creds == nil || creds.RefreshToken == "" {
		return nil, errors.New("no refresh token")
	}
	var (
		tok *oauth2.Token
		err error
	)
	if d.cfg.Signer != nil {
		tok, err = d.refreshWithAssertion(ctx, creds.RefreshToken)
	} else {
		tok, err = d.oauth2.TokenSource(d.withClient(ctx), &oauth2.Token{RefreshToken: creds.RefreshToken}).Token()
	}
	if err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}
	return creds.ApplyRefresh(newCredentials(tok)), nil
}

// refreshWithAssertion posts the refresh_token grant with a fresh client
// assertion. oauth2.TokenSource has no way to add endpoint parameters.
func (d *Driver) refreshWithAssertion(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	signed, err := d.cfg.Signer.Sign()
	if err != nil {
		return nil, fmt.Errorf("sign assertion: %w", err)
	}
	form := url.Values{
		"grant_type":            {"refresh_token"},
		"refresh_token":         {refreshToken},
		"client_id":             {d.cfg.ClientID},
		"client_assertion_type": {clientAssertionType},
		"client_assertion":      {signed},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.smart.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	tok := &oauth2.Token{}
	tok.AccessToken, _ = raw["access_token"].(string)
	tok.TokenType, _ = raw["token_type"].(string)
	tok.RefreshToken, _ = raw["refresh_token"].(string)
	if secs, ok := raw["expires_in"].(float64); ok && secs > 0 {
		tok.Expiry = time.Now().Add(time.Duration(secs) * time.Second)
	}
	if tok.AccessToken == "" {
		return nil, errors.New("token response lacks access_token")
	}
	return tok.WithExtra(raw), nil
}

// IDTokenClaims are the identity claims a SMART app reads.
type IDTokenClaims struct {
	Subject  string `json:"sub"`
	FHIRUser string `json:"fhirUser"`
	Nonce    string `json:"nonce"`
}

// VerifyIDToken checks the ID token signature against the issuer's JWKS and
// matches the nonce sent with the authorization request.
func (d *Driver) VerifyIDToken(ctx context.Context, raw, nonce string) (IDTokenClaims, error) {
	provider, err := oidc.NewProvider(d.withClient(ctx), d.smart.Issuer)
	if err != nil {
		return IDTokenClaims{}, fmt.Errorf("oidc discovery: %w", err)
	}
	idToken, err := provider.Verifier(&oidc.Config{ClientID: d.cfg.ClientID}).Verify(d.withClient(ctx), raw)
	if err != nil {
		return IDTokenClaims{}, fmt.Errorf("verify id_token: %w", err)
	}
	var claims IDTokenClaims
	if err := idToken.Claims(&claims); err != nil {
		return IDTokenClaims{}, err
	}
	if nonce != "" && claims.Nonce != nonce {
		return IDTokenClaims{}, errors.New("id_token nonce mismatch")
	}
	return claims, nil
}

// Read performs a FHIR read relative to the base URL.
func (d *Driver) Read(ctx context.Context, creds *Credentials, path string) (int, []byte, error) {
	target := strings.TrimSuffix(d.cfg.FHIRBaseURL, "/") + "/" + strings.TrimPrefix(path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/fhir+json")
	if creds != nil {
		req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	return resp.StatusCode, body, err
}

func (d *Driver) assertionOptions() ([]oauth2.AuthCodeOption, error) {
	if d.cfg.Signer == nil {
		return nil, nil
	}
	signed, err := d.cfg.Signer.Sign()
	if err != nil {
		return nil, fmt.Errorf("sign assertion: %w", err)
	}
	return []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("client_assertion_type", clientAssertionType),
		oauth2.SetAuthURLParam("client_assertion", signed),
	}, nil
}

func (d *Driver) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, d.http)
}
