package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for taskauth.
type Config struct {
	// Environment controls log format and redirect URI strictness.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8000"`

	// IssuerURL is the public base URL of this server. It is the "iss"
	// claim of every access token and the prefix of every endpoint in the
	// discovery document.
	IssuerURL     string `env:"ISSUER_URL"`
	TokenAudience string `env:"TOKEN_AUDIENCE" envDefault:"taskmate-api"`

	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	DatabaseURL    string `env:"DATABASE_URL" envDefault:"taskauth.db"`

	// RedisURL selects the shared pending-authorization cache. Empty
	// means an in-process cache, which only works with a single instance.
	RedisURL string `env:"REDIS_URL"`

	KeyBackend  string `env:"KEY_BACKEND" envDefault:"file"`
	KeyDir      string `env:"KEY_DIR" envDefault:"keys"`
	KeyBoltPath string `env:"KEY_BOLT_PATH" envDefault:"keys/keys.db"`
	KeySecretID string `env:"KEY_SECRET_ID"`
	AWSRegion   string `env:"AWS_REGION"`
	KeyID       string `env:"KEY_ID" envDefault:"taskmate-2024"`
	KeyBits     int    `env:"KEY_BITS" envDefault:"2048"`
	KeyWatch    bool   `env:"KEY_WATCH" envDefault:"true"`

	AuthCodeTTL     time.Duration `env:"AUTH_CODE_TTL" envDefault:"10m"`
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"1h"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"2160h"`
	PendingAuthTTL  time.Duration `env:"PENDING_AUTH_TTL" envDefault:"10m"`

	// First-party login integration. The login subsystem sets an HS256
	// session JWT in SessionCookie, signed with SessionSecret.
	SessionSecret string `env:"SESSION_SECRET"`
	SessionCookie string `env:"SESSION_COOKIE" envDefault:"session"`
	LoginURL      string `env:"LOGIN_URL" envDefault:"/api/auth/login"`

	StaticClientsFile string `env:"STATIC_CLIENTS_FILE"`

	AMQPURL      string `env:"AMQP_URL"`
	AMQPExchange string `env:"AMQP_EXCHANGE" envDefault:"taskauth.events"`

	BcryptCost int `env:"BCRYPT_COST" envDefault:"10"`
}

const (
	// minKeyBits is the smallest RSA modulus accepted for signing keys.
	minKeyBits = 2048

	// minSessionSecretLen is the minimum length of the shared HMAC
	// secret used to verify first-party session cookies.
	minSessionSecretLen = 32
)

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.IssuerURL = strings.TrimRight(cfg.IssuerURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.IssuerURL == "" {
		return fmt.Errorf("ISSUER_URL is required")
	}

	u, err := url.Parse(c.IssuerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("ISSUER_URL must be an absolute URL")
	}

	if c.IsProduction() && u.Scheme != "https" {
		return fmt.Errorf("ISSUER_URL must use https in production")
	}

	if len(c.SessionSecret) < minSessionSecretLen {
		return fmt.Errorf("SESSION_SECRET is required and must be at least %d characters", minSessionSecretLen)
	}

	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be sqlite or postgres, got %q", c.DatabaseDriver)
	}

	switch c.KeyBackend {
	case "file", "bolt":
	case "secretsmanager":
		if c.KeySecretID == "" {
			return fmt.Errorf("KEY_SECRET_ID is required when KEY_BACKEND is secretsmanager")
		}
	default:
		return fmt.Errorf("KEY_BACKEND must be file, bolt or secretsmanager, got %q", c.KeyBackend)
	}

	if c.KeyBits < minKeyBits {
		return fmt.Errorf("KEY_BITS must be at least %d", minKeyBits)
	}

	if c.KeyID == "" {
		return fmt.Errorf("KEY_ID must not be empty")
	}

	for name, ttl := range map[string]time.Duration{
		"AUTH_CODE_TTL":     c.AuthCodeTTL,
		"ACCESS_TOKEN_TTL":  c.AccessTokenTTL,
		"REFRESH_TOKEN_TTL": c.RefreshTokenTTL,
		"PENDING_AUTH_TTL":  c.PendingAuthTTL,
	} {
		if ttl <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
