package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"smartmock/session"
)

// Token lifetimes and limits used when the config leaves them unset.
const (
	DefaultCodeTTL        = 10 * time.Minute
	DefaultAccessTokenTTL = time.Hour
	DefaultIDTokenTTL     = time.Hour
)

// Replay ledger scopes.
const (
	ReplayScopeSession = "session"
	ReplayScopeServer  = "server"
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig           `yaml:"server"`
	SMART    SMARTConfig            `yaml:"smart"`
	Sessions []session.Registration `yaml:"sessions"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string          `yaml:"public_url"`
	DevListenAddr   string          `yaml:"dev_listen_addr"`
	HTTPListenAddr  string          `yaml:"http_listen_addr"`
	HTTPSListenAddr string          `yaml:"https_listen_addr"`
	DevMode         bool            `yaml:"dev_mode"`
	SecretsPath     string          `yaml:"secrets_path"`
	TLS             TLSConfig       `yaml:"tls"`
	CORS            CORSConfig      `yaml:"cors"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// CORSConfig lists the browser origins allowed to call the server.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// RateLimitConfig throttles the token endpoint per client IP. Zero disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// SMARTConfig controls the mock authorization server and FHIR endpoint.
type SMARTConfig struct {
	AuthorizePath          string        `yaml:"authorize_path"`
	TokenPath              string        `yaml:"token_path"`
	FHIRBasePath           string        `yaml:"fhir_base_path"`
	CodeTTL                time.Duration `yaml:"code_ttl"`
	AccessTokenTTL         time.Duration `yaml:"access_token_ttl"`
	IDTokenTTL             time.Duration `yaml:"id_token_ttl"`
	KeyRotation            time.Duration `yaml:"key_rotation"`
	ReplayScope            string        `yaml:"replay_scope"`
	ReplayEnforce          bool          `yaml:"replay_enforce"`
	TrustedJKUHosts        []string      `yaml:"trusted_jku_hosts"`
	MissingAssertionStatus int           `yaml:"missing_assertion_status"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
			CORS: CORSConfig{
				AllowedOrigins: []string{"*"},
				AllowedMethods: DefaultCORSAllowedMethods,
				AllowedHeaders: DefaultCORSAllowedHeaders,
			},
		},
		SMART: SMARTConfig{
			AuthorizePath:          "/auth/authorize",
			TokenPath:              "/auth/token",
			FHIRBasePath:           "/fhir",
			CodeTTL:                DefaultCodeTTL,
			AccessTokenTTL:         DefaultAccessTokenTTL,
			IDTokenTTL:             DefaultIDTokenTTL,
			ReplayScope:            ReplayScopeSession,
			ReplayEnforce:          true,
			MissingAssertionStatus: 500,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"SMARTMOCK_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"SMARTMOCK_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"SMARTMOCK_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"SMARTMOCK_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"SMARTMOCK_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"SMARTMOCK_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"SMARTMOCK_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"SMARTMOCK_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"SMARTMOCK_SERVER_CORS_ORIGINS":      func(v string) { cfg.Server.CORS.AllowedOrigins = splitAndTrim(v) },
		"SMARTMOCK_SMART_CODE_TTL":           func(v string) { cfg.SMART.CodeTTL = parseDuration(v, cfg.SMART.CodeTTL) },
		"SMARTMOCK_SMART_ACCESS_TOKEN_TTL":   func(v string) { cfg.SMART.AccessTokenTTL = parseDuration(v, cfg.SMART.AccessTokenTTL) },
		"SMARTMOCK_SMART_REPLAY_SCOPE":       func(v string) { cfg.SMART.ReplayScope = strings.ToLower(strings.TrimSpace(v)) },
		"SMARTMOCK_SMART_REPLAY_ENFORCE":     func(v string) { cfg.SMART.ReplayEnforce = parseBool(v, cfg.SMART.ReplayEnforce) },
		"SMARTMOCK_SMART_TRUSTED_JKU_HOSTS":  func(v string) { cfg.SMART.TrustedJKUHosts = splitAndTrim(v) },
		"SMARTMOCK_SMART_RATE_LIMIT_RPS": func(v string) {
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				cfg.Server.RateLimit.RequestsPerSecond = f
			}
		},
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs minimal sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}

	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if c.Server.RateLimit.RequestsPerSecond < 0 || c.Server.RateLimit.Burst < 0 {
		slog.Error("Invalid rate limit", "field", "server.rate_limit", "rps", c.Server.RateLimit.RequestsPerSecond, "burst", c.Server.RateLimit.Burst)
		return errors.New("server.rate_limit values must not be negative")
	}

	paths := map[string]string{
		"smart.authorize_path": c.SMART.AuthorizePath,
		"smart.token_path":     c.SMART.TokenPath,
		"smart.fhir_base_path": c.SMART.FHIRBasePath,
	}
	for field, p := range paths {
		if !strings.HasPrefix(p, "/") || p == "/" {
			slog.Error("Invalid endpoint path", "field", field, "value", p, "reason", "must start with / and not be the root")
			return fmt.Errorf("%s must be an absolute path below /, got: %q", field, p)
		}
	}

	ttls := map[string]time.Duration{
		"smart.code_ttl":         c.SMART.CodeTTL,
		"smart.access_token_ttl": c.SMART.AccessTokenTTL,
		"smart.id_token_ttl":     c.SMART.IDTokenTTL,
	}
	for field, ttl := range ttls {
		if ttl <= 0 {
			slog.Error("Invalid token lifetime", "field", field, "value", ttl)
			return fmt.Errorf("%s must be positive, got: %s", field, ttl)
		}
	}

	switch c.SMART.ReplayScope {
	case ReplayScopeSession, ReplayScopeServer:
	default:
		slog.Error("Invalid replay scope", "field", "smart.replay_scope", "value", c.SMART.ReplayScope, "valid_values", []string{ReplayScopeSession, ReplayScopeServer})
		return fmt.Errorf("smart.replay_scope must be %q or %q, got: %q", ReplayScopeSession, ReplayScopeServer, c.SMART.ReplayScope)
	}

	if s := c.SMART.MissingAssertionStatus; s != 0 && (s < 400 || s > 599) {
		slog.Error("Invalid status", "field", "smart.missing_assertion_status", "value", s)
		return fmt.Errorf("smart.missing_assertion_status must be a 4xx or 5xx status, got: %d", s)
	}

	registry := session.NewRegistry()
	seen := make(map[string]bool, len(c.Sessions))
	for i, reg := range c.Sessions {
		if err := registry.Validate(reg); err != nil {
			slog.Error("Invalid session", "index", i, "id", reg.ID, "error", err)
			return fmt.Errorf("sessions[%d]: %w", i, err)
		}
		clientID := reg.ClientID
		if clientID == "" {
			clientID = reg.ID
		}
		if clientID != "" && seen[clientID] {
			slog.Error("Duplicate session client_id", "index", i, "client_id", clientID)
			return fmt.Errorf("sessions[%d]: duplicate client_id %q", i, clientID)
		}
		seen[clientID] = true
	}

	return nil
}

// Issuer returns the public base URL without a trailing slash.
func (c Config) Issuer() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/")
}

// AuthorizeURL is the absolute authorization endpoint URL.
func (c Config) AuthorizeURL() string {
	return c.Issuer() + c.SMART.AuthorizePath
}

// TokenURL is the absolute token endpoint URL; client assertions must name it as aud.
func (c Config) TokenURL() string {
	return c.Issuer() + c.SMART.TokenPath
}

// FHIRBaseURL is the absolute base URL of the mock FHIR server.
func (c Config) FHIRBaseURL() string {
	return c.Issuer() + strings.TrimSuffix(c.SMART.FHIRBasePath, "/")
}
