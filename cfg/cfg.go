package cfg

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendBolt   = "bolt"
	BackendMemory = "memory"

	SealNone  = "none"
	SealLocal = "local"
	SealVault = "vault"
	SealAWS   = "aws"
)

type Cfg struct {
	Port                  string
	Environment           string
	LogLevel              string
	BaseURL               string
	TestMode              bool
	StoreBackend          string
	DatabaseURL           string
	SQLiteDriver          string
	DBMaxOpenConns        int
	DBMaxIdleConns        int
	StoreTimeout          time.Duration
	WALCheckpointInterval time.Duration
	RedisURL              string
	RedisTLS              bool
	RedisUsername         string
	RedisPassword         Secret
	RedisPasswordSecret   string
	BoltPath              string
	MaxPasteSize          int64
	ContextTimeout        time.Duration
	AllowedOrigins        []string
	TrustProxy            bool
	MetricsUser           string
	MetricsPass           Secret
	Seal                  SealCfg
	ReaperInterval        time.Duration
	ReaperRetention       time.Duration
}

type SealCfg struct {
	Provider        string
	LocalKey        Secret
	VaultAddr       string
	VaultToken      Secret
	VaultMount      string
	VaultKey        string
	VaultSecretPath string
	AWSRegion       string
	KMSKeyID        string
	KeyCacheSize    int
	KeyCacheTTL     time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first; variables already set take precedence.
func Load() (*Cfg, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, errors.Wrap(err, "load .env")
		}
	}
	c := &Cfg{}
	c.Port = getEnv("PORT", "3000")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.BaseURL = strings.TrimSuffix(getEnv("BASE_URL", ""), "/")
	c.TestMode = getEnv("TEST_MODE", "") == "1"
	c.StoreBackend = strings.ToLower(getEnv("STORE_BACKEND", BackendSQLite))
	c.DatabaseURL = getEnv("DATABASE_URL", "pastelite.db")
	c.SQLiteDriver = getEnv("SQLITE_DRIVER", "sqlite3")
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	c.RedisPasswordSecret = getEnv("REDIS_PASSWORD_SECRET", "")
	c.BoltPath = getEnv("BOLT_PATH", "pastelite.bolt")
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})
	c.TrustProxy = getEnv("TRUST_PROXY", "false") == "true"
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))

	var err error
	if c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 25); err != nil {
		return nil, err
	}
	if c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 5); err != nil {
		return nil, err
	}
	if c.StoreTimeout, err = getDuration("STORE_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.WALCheckpointInterval, err = getDuration("WAL_CHECKPOINT_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if c.MaxPasteSize, err = getInt64("MAX_PASTE_SIZE", 512*1024); err != nil {
		return nil, err
	}
	if c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if c.ReaperInterval, err = getDuration("REAPER_INTERVAL", 0); err != nil {
		return nil, err
	}
	if c.ReaperRetention, err = getDuration("REAPER_RETENTION", 24*time.Hour); err != nil {
		return nil, err
	}

	c.Seal.Provider = strings.ToLower(getEnv("SEAL_PROVIDER", SealNone))
	c.Seal.LocalKey = NewSecret(getEnv("SEAL_LOCAL_KEY", ""))
	c.Seal.VaultAddr = getEnv("VAULT_ADDR", "")
	c.Seal.VaultToken = NewSecret(getEnv("VAULT_TOKEN", ""))
	c.Seal.VaultMount = getEnv("VAULT_TRANSIT_MOUNT", "transit")
	c.Seal.VaultKey = getEnv("VAULT_TRANSIT_KEY", "pastelite")
	c.Seal.VaultSecretPath = getEnv("VAULT_SECRET_PATH", "secret/data/pastelite")
	c.Seal.AWSRegion = getEnv("AWS_REGION", "")
	c.Seal.KMSKeyID = getEnv("KMS_KEY_ID", "alias/pastelite")
	if c.Seal.KeyCacheSize, err = getInt("KEY_CACHE_SIZE", 1024); err != nil {
		return nil, err
	}
	if c.Seal.KeyCacheTTL, err = getDuration("KEY_CACHE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil {
			return fmt.Errorf("invalid BASE_URL: %w", err)
		}
		// A bare host is accepted and prefixed with the request scheme later.
		if u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
			return errors.New("BASE_URL scheme must be http or https")
		}
	}
	switch c.StoreBackend {
	case BackendSQLite:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the sqlite backend")
		}
		if c.SQLiteDriver != "sqlite3" && c.SQLiteDriver != "sqlite" {
			return errors.New("SQLITE_DRIVER must be sqlite3 or sqlite")
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required for the redis backend")
		}
	case BackendBolt:
		if c.BoltPath == "" {
			return errors.New("BOLT_PATH is required for the bolt backend")
		}
	case BackendMemory:
		if c.Environment == "production" {
			return errors.New("memory backend is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	if c.StoreTimeout <= 0 {
		return errors.New("STORE_TIMEOUT must be positive")
	}
	if c.MaxPasteSize <= 0 {
		return errors.New("MAX_PASTE_SIZE must be positive")
	}
	if c.MaxPasteSize > 10*1024*1024 {
		return errors.New("MAX_PASTE_SIZE cannot exceed 10MB")
	}
	if c.ReaperInterval < 0 {
		return errors.New("REAPER_INTERVAL must not be negative")
	}
	if c.ReaperInterval > 0 && c.ReaperInterval < time.Second {
		return errors.New("REAPER_INTERVAL must be at least 1s")
	}
	if c.ReaperRetention < 0 {
		return errors.New("REAPER_RETENTION must not be negative")
	}
	switch c.Seal.Provider {
	case SealNone:
	case SealLocal:
		if c.Seal.LocalKey.Value() == "" {
			return errors.New("SEAL_LOCAL_KEY is required when SEAL_PROVIDER=local")
		}
	case SealVault:
		if c.Seal.VaultAddr == "" {
			return errors.New("VAULT_ADDR is required when SEAL_PROVIDER=vault")
		}
	case SealAWS:
		if c.Seal.AWSRegion == "" {
			return errors.New("AWS_REGION is required when SEAL_PROVIDER=aws")
		}
	default:
		return fmt.Errorf("unknown SEAL_PROVIDER %q", c.Seal.Provider)
	}
	if c.Seal.Provider != SealNone && c.Seal.KeyCacheSize <= 0 {
		return errors.New("KEY_CACHE_SIZE must be positive")
	}
	if c.RedisPasswordSecret != "" && c.Seal.Provider == SealNone {
		return errors.New("REDIS_PASSWORD_SECRET needs a SEAL_PROVIDER to resolve it")
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
		if c.TestMode {
			return errors.New("TEST_MODE must not be enabled in production")
		}
	}
	return nil
}

func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.Seal.LocalKey.Wipe()
	c.Seal.VaultToken.Wipe()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
