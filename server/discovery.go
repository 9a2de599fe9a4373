package server

import (
	"encoding/json"
	"net/http"

	"smartmock/assertion"
	"smartmock/fhir"
)

// DiscoveryDocument is a simple alias for discovery metadata.
type DiscoveryDocument map[string]any

// BuildSMARTConfiguration constructs the SMART App Launch well-known document.
func BuildSMARTConfiguration(cfg Config) DiscoveryDocument {
	issuer := cfg.Issuer()
	return DiscoveryDocument{
		"issuer":                                issuer,
		"authorization_endpoint":                cfg.AuthorizeURL(),
		"token_endpoint":                        cfg.TokenURL(),
		"jwks_uri":                              issuer + "/.well-known/jwks.json",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "client_credentials", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"private_key_jwt", "client_secret_basic", "none"},
		"token_endpoint_auth_signing_alg_values_supported": assertion.SupportedAlgorithms(),
		"scopes_supported": []string{
			"openid", "fhirUser", "profile", "launch", "launch/patient",
			"offline_access", "online_access", "system/*.rs", "patient/*.rs", "user/*.rs",
		},
		"capabilities": []string{
			"launch-ehr", "launch-standalone", "client-public",
			"client-confidential-symmetric", "client-confidential-asymmetric",
			"context-ehr-patient", "context-standalone-patient",
			"sso-openid-connect", "permission-offline", "permission-patient",
			"permission-user", "permission-v2",
		},
	}
}

// BuildDiscoveryDocument constructs the OIDC discovery document.
func BuildDiscoveryDocument(cfg Config) DiscoveryDocument {
	issuer := cfg.Issuer()
	return DiscoveryDocument{
		"issuer":                                issuer,
		"authorization_endpoint":                cfg.AuthorizeURL(),
		"token_endpoint":                        cfg.TokenURL(),
		"jwks_uri":                              issuer + "/.well-known/jwks.json",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token", "client_credentials"},
		"code_challenge_methods_supported":      []string{"S256"},
		"scopes_supported":                      []string{"openid", "fhirUser", "profile", "offline_access"},
		"claims_supported":                      []string{"iss", "sub", "aud", "exp", "iat", "nonce", "fhirUser"},
		"token_endpoint_auth_methods_supported": []string{"private_key_jwt", "client_secret_basic", "none"},
	}
}

func (a *App) handleSMARTConfiguration(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, BuildSMARTConfiguration(a.Config))
}

func (a *App) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, BuildDiscoveryDocument(a.Config))
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, a.JWKS.PublicJWKS())
}

// handleCapabilityStatement advertises the OAuth endpoints through the
// SMART security extension. It needs no token.
func (a *App) handleCapabilityStatement(w http.ResponseWriter, r *http.Request) {
	statement := map[string]any{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"kind":         "instance",
		"fhirVersion":  "4.0.1",
		"format":       []string{"json"},
		"implementation": map[string]any{
			"description": "SMART mock FHIR server",
			"url":         a.Config.FHIRBaseURL(),
		},
		"rest": []any{map[string]any{
			"mode": "server",
			"security": map[string]any{
				"service": []any{map[string]any{
					"coding": []any{map[string]any{
						"system": "http://terminology.hl7.org/CodeSystem/restful-security-service",
						"code":   "SMART-on-FHIR",
					}},
				}},
				"extension": []any{map[string]any{
					"url": "http://fhir-registry.smarthealthit.org/StructureDefinition/oauth-uris",
					"extension": []any{
						map[string]any{"url": "authorize", "valueUri": a.Config.AuthorizeURL()},
						map[string]any{"url": "token", "valueUri": a.Config.TokenURL()},
					},
				}},
			},
		}},
	}
	w.Header().Set("Content-Type", fhir.ContentType)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(statement)
}
