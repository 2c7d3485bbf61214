// Package config collects and validates the process configuration for the
// ingestion engine. It reads environment variables (via godotenv), applies
// defaults with accumulated warnings for anything missing or invalid, and
// exposes the result through a read-mostly singleton — the same shape the
// rest of the codebase expects from infra packages: one Load() at startup,
// cheap Env() reads everywhere else.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// EnvConfig holds every recognized environment key and its effect, per the
// external-interfaces environment table: backend selection, connection
// strings, encryption/admin secrets, Telegram MTProto credentials, rate
// caps, backfill window, file storage, and LLM provider selection.
type EnvConfig struct {
	DBType       string // "sqlite" (default) or "postgresql"
	DatabaseURL  string
	DatabasePath string
	RedisURL     string // enables distributed rate-limit + ws pub/sub; empty = in-proc fallback (dedup is always in-proc)

	EncryptionKey string // credential-store symmetric key or passphrase
	AdminKey      string // shared secret adminAuth checks; no route uses adminAuth

	TelegramAPIID   int
	TelegramAPIHash string

	MaxMessagesPerUserDay    int
	MaxMessagesPerUserMinute int
	BackfillDays             int

	UploadDir string
	BaseURL   string

	OpenAIAPIKey  string
	GoogleAPIKey  string
	OpenAIModel   string
	GoogleModel   string
	AnthropicKey  string
	AnthropicModel string

	LogLevel  string
	LogJSON   bool
	HTTPAddr  string
}

// Config is the loaded, validated configuration plus any warnings raised
// while applying defaults. Reads are safe from multiple goroutines; there
// is no in-place mutation after Load returns.
type Config struct {
	Env      EnvConfig
	warnings []string
	mu       sync.RWMutex
}

const (
	defaultDBType                   = "sqlite"
	defaultDatabasePath             = "almudeer.db"
	defaultMaxMessagesPerUserDay    = 50
	defaultMaxMessagesPerUserMinute = 1
	defaultBackfillDays             = 30
	defaultUploadDir                = "data/uploads"
	defaultLogLevel                 = "info"
	defaultHTTPAddr                 = ":8080"
	defaultOpenAIModel              = "gpt-4o-mini"
	defaultGoogleModel              = "gemini-1.5-flash"
	defaultAnthropicModel           = "claude-3-5-sonnet-latest"
)

var (
	cfgInstance *Config
	cfgDone     bool
	cfgMu       sync.Mutex
)

// Load is the entry point for initializing the global configuration. A
// second call returns an error — configuration is fixed at process start,
// not reloaded at runtime.
func Load(envPath string) error {
	cfgMu.Lock()
	defer cfgMu.Unlock()

	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig performs the actual load/validation without touching global
// state, so tests can build an isolated Config and assert on it.
func loadConfig(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	var warnings []string

	dbType := sanitizeEnum("DB_TYPE", os.Getenv("DB_TYPE"), defaultDBType, []string{"sqlite", "postgresql"}, &warnings)

	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	databasePath := sanitizeFile("DATABASE_PATH", os.Getenv("DATABASE_PATH"), defaultDatabasePath, &warnings)
	if dbType == "postgresql" && databaseURL == "" {
		return nil, errors.New("env DATABASE_URL must be set when DB_TYPE=postgresql")
	}

	redisURL := strings.TrimSpace(os.Getenv("REDIS_URL"))

	encryptionKey := os.Getenv("ENCRYPTION_KEY")
	if strings.TrimSpace(encryptionKey) == "" {
		appendWarningf(&warnings, "env ENCRYPTION_KEY is not set; credential store will refuse to encrypt")
	}
	adminKey := os.Getenv("ADMIN_KEY")

	apiID := parseIntDefault("TELEGRAM_API_ID", 0, nonNegative, &warnings)
	apiHash := strings.TrimSpace(os.Getenv("TELEGRAM_API_HASH"))

	maxDay := parseIntDefault("MAX_MESSAGES_PER_USER_DAY", defaultMaxMessagesPerUserDay, greaterThanZero, &warnings)
	maxMinute := parseIntDefault("MAX_MESSAGES_PER_USER_MINUTE", defaultMaxMessagesPerUserMinute, greaterThanZero, &warnings)
	backfillDays := parseIntDefault("BACKFILL_DAYS", defaultBackfillDays, greaterThanZero, &warnings)

	uploadDir := sanitizeFile("UPLOAD_DIR", os.Getenv("UPLOAD_DIR"), defaultUploadDir, &warnings)
	baseURL := strings.TrimSpace(os.Getenv("BASE_URL"))

	logLevel := sanitizeEnum("LOG_LEVEL", os.Getenv("LOG_LEVEL"), defaultLogLevel, []string{"debug", "info", "warn", "error"}, &warnings)
	logJSON := strings.EqualFold(strings.TrimSpace(os.Getenv("LOG_JSON")), "true")
	httpAddr := sanitizeFile("HTTP_ADDR", os.Getenv("HTTP_ADDR"), defaultHTTPAddr, &warnings)

	env := EnvConfig{
		DBType:       dbType,
		DatabaseURL:  databaseURL,
		DatabasePath: databasePath,
		RedisURL:     redisURL,

		EncryptionKey: encryptionKey,
		AdminKey:      adminKey,

		TelegramAPIID:   apiID,
		TelegramAPIHash: apiHash,

		MaxMessagesPerUserDay:    maxDay,
		MaxMessagesPerUserMinute: maxMinute,
		BackfillDays:             backfillDays,

		UploadDir: uploadDir,
		BaseURL:   baseURL,

		OpenAIAPIKey:   os.Getenv("OPENAI_API_KEY"),
		GoogleAPIKey:   os.Getenv("GOOGLE_API_KEY"),
		OpenAIModel:    sanitizeFile("OPENAI_MODEL", os.Getenv("OPENAI_MODEL"), defaultOpenAIModel, &warnings),
		GoogleModel:    sanitizeFile("GOOGLE_MODEL", os.Getenv("GOOGLE_MODEL"), defaultGoogleModel, &warnings),
		AnthropicKey:   os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel: sanitizeFile("ANTHROPIC_MODEL", os.Getenv("ANTHROPIC_MODEL"), defaultAnthropicModel, &warnings),

		LogLevel: logLevel,
		LogJSON:  logJSON,
		HTTPAddr: httpAddr,
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings returns the warnings accumulated while applying defaults.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	out := make([]string, len(cfgInstance.warnings))
	copy(out, cfgInstance.warnings)
	return out
}

// Env returns the loaded EnvConfig snapshot.
func Env() EnvConfig {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	return cfgInstance.Env
}

func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return fallback
	}
	return v
}

func sanitizeEnum(name, value, fallback string, allowed []string, warnings *[]string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return fallback
	}
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	appendWarningf(warnings, "env %s value %q is invalid; using default %q", name, value, fallback)
	return fallback
}
