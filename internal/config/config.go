package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Generation  GenerationConfig          `json:"generation"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Identity    IdentityConfig            `json:"identity"`
	Telemetry   TelemetryConfig           `json:"telemetry"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

type BasicConfig struct {
	ServerAddress     string `json:"server_address"`
	Database          string `json:"database"`
	MinWorkers        int    `json:"min_workers"`
	MaxWorkers        int    `json:"max_workers"`
	QueueSize         int    `json:"queue_size"`
	WorkerIdleTimeout int    `json:"worker_idle_timeout"` // minutes
	TokenTTL          int    `json:"token_ttl"`           // hours
	LogLevel          string `json:"log_level"`
}

// GenerationConfig selects the models used for chat replies and code generation.
type GenerationConfig struct {
	Provider           string `json:"provider"`
	ChatModel          string `json:"chat_model"`
	CodeModel          string `json:"code_model"`
	ChatTimeoutSeconds int    `json:"chat_timeout_seconds"`
	WebSearch          bool   `json:"web_search"`
	// Google search is tried before DuckDuckGo when both are set.
	GoogleAPIKey         string `json:"google_api_key"`
	GoogleSearchEngineID string `json:"google_search_engine_id"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// Enabled reports whether a redis endpoint was configured.
func (r RedisConfig) Enabled() bool {
	return r.Host != ""
}

// IdentityConfig holds the shared secret the front end presents when syncing
// a profile signed in by the identity provider.
type IdentityConfig struct {
	Secret string `json:"secret"`
}

type TelemetryConfig struct {
	ServiceName string `json:"service_name"`
	Endpoint    string `json:"endpoint"`
	Insecure    bool   `json:"insecure"`
}

// Load reads configuration from the provided path (defaults to config.json),
// then applies .env and environment overrides. A missing default file is not
// an error; a missing explicit path is.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	cfg := &Config{}
	fromFile := false
	file, err := os.Open(absPath)
	switch {
	case err == nil:
		defer file.Close()
		fromFile = true
		if err := json.NewDecoder(file).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()

	cfg.applyEnv()
	cfg.applyDefaults()

	if sqlite, ok := cfg.Databases["sqlite3"]; ok && sqlite.DSN != "" && !isMemoryDSN(sqlite.DSN) && !filepath.IsAbs(sqlite.DSN) && fromFile {
		sqlite.DSN = filepath.Join(filepath.Dir(absPath), sqlite.DSN)
		cfg.Databases["sqlite3"] = sqlite
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	if c.Databases == nil {
		c.Databases = make(map[string]DatabaseConfig)
	}

	c.BasicConfig.ServerAddress = getEnv("APPFORGE_ADDR", c.BasicConfig.ServerAddress)
	c.BasicConfig.Database = getEnv("APPFORGE_DB", c.BasicConfig.Database)
	c.BasicConfig.LogLevel = getEnv("APPFORGE_LOG_LEVEL", c.BasicConfig.LogLevel)
	c.BasicConfig.MinWorkers = getEnvInt("APPFORGE_MIN_WORKERS", c.BasicConfig.MinWorkers)
	c.BasicConfig.MaxWorkers = getEnvInt("APPFORGE_MAX_WORKERS", c.BasicConfig.MaxWorkers)
	c.BasicConfig.QueueSize = getEnvInt("APPFORGE_QUEUE_SIZE", c.BasicConfig.QueueSize)

	c.Generation.Provider = getEnv("APPFORGE_PROVIDER", c.Generation.Provider)
	c.Generation.ChatModel = getEnv("APPFORGE_CHAT_MODEL", c.Generation.ChatModel)
	c.Generation.CodeModel = getEnv("APPFORGE_CODE_MODEL", c.Generation.CodeModel)
	c.Generation.WebSearch = getEnvBool("APPFORGE_WEB_SEARCH", c.Generation.WebSearch)
	c.Generation.GoogleAPIKey = getEnv("GOOGLE_API_KEY", c.Generation.GoogleAPIKey)
	c.Generation.GoogleSearchEngineID = getEnv("GOOGLE_SEARCH_ENGINE_ID", c.Generation.GoogleSearchEngineID)

	for provider, env := range map[string]string{
		"gemini": "GEMINI_API_KEY",
		"openai": "OPENAI_API_KEY",
		"claude": "ANTHROPIC_API_KEY",
	} {
		if key, ok := os.LookupEnv(env); ok && key != "" {
			p := c.Providers[provider]
			p.APIKey = key
			c.Providers[provider] = p
		}
	}

	if dsn, ok := os.LookupEnv("APPFORGE_SQLITE_DSN"); ok {
		db := c.Databases["sqlite3"]
		db.DSN = dsn
		c.Databases["sqlite3"] = db
	}
	if host, ok := os.LookupEnv("APPFORGE_MYSQL_HOST"); ok {
		db := c.Databases["mysql"]
		db.Host = host
		db.Port = getEnvInt("APPFORGE_MYSQL_PORT", db.Port)
		db.Username = getEnv("APPFORGE_MYSQL_USER", db.Username)
		db.Password = getEnv("APPFORGE_MYSQL_PASSWORD", db.Password)
		db.DBName = getEnv("APPFORGE_MYSQL_DB", db.DBName)
		c.Databases["mysql"] = db
	}

	if addr, ok := os.LookupEnv("REDIS_ADDR"); ok && addr != "" {
		host, port := splitHostPort(addr)
		c.Redis.Host = host
		if port > 0 {
			c.Redis.Port = port
		}
	}
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)

	c.Identity.Secret = getEnv("IDENTITY_SECRET", c.Identity.Secret)
	c.Telemetry.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.Endpoint)
	c.Telemetry.Insecure = getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", c.Telemetry.Insecure)
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = ":8090"
	}
	if c.BasicConfig.Database == "" {
		c.BasicConfig.Database = "sqlite3"
	}
	if c.BasicConfig.MinWorkers <= 0 {
		c.BasicConfig.MinWorkers = 2
	}
	if c.BasicConfig.MaxWorkers < c.BasicConfig.MinWorkers {
		c.BasicConfig.MaxWorkers = c.BasicConfig.MinWorkers * 4
	}
	if c.BasicConfig.QueueSize <= 0 {
		c.BasicConfig.QueueSize = 64
	}
	if c.BasicConfig.WorkerIdleTimeout <= 0 {
		c.BasicConfig.WorkerIdleTimeout = 5
	}
	if c.BasicConfig.TokenTTL <= 0 {
		c.BasicConfig.TokenTTL = 24
	}
	if c.Generation.Provider == "" {
		c.Generation.Provider = "gemini"
	}
	if c.Generation.ChatTimeoutSeconds <= 0 {
		c.Generation.ChatTimeoutSeconds = 60
	}
	if db, ok := c.Databases["sqlite3"]; !ok || db.DSN == "" {
		db.DSN = "appforge.db"
		c.Databases["sqlite3"] = db
	}
	if db, ok := c.Databases["mysql"]; ok {
		if db.Port == 0 {
			db.Port = 3306
		}
		if db.Params == "" {
			db.Params = "parseTime=true&charset=utf8mb4"
		}
		c.Databases["mysql"] = db
	}
	if c.Redis.Enabled() && c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "appforge"
	}
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.BasicConfig.ServerAddress == "" {
		return errors.New("server_address cannot be empty")
	}
	db := strings.ToLower(c.BasicConfig.Database)
	if _, ok := c.Databases[db]; !ok {
		return fmt.Errorf("database config for %s not found", c.BasicConfig.Database)
	}
	if db == "mysql" && c.Databases[db].Host == "" {
		return errors.New("mysql host must be configured")
	}
	if _, ok := c.Providers[c.Generation.Provider]; !ok {
		return fmt.Errorf("provider %s not configured", c.Generation.Provider)
	}
	return nil
}

// Provider returns the configuration of the active generation provider.
func (c *Config) Provider() ProviderConfig {
	return c.Providers[c.Generation.Provider]
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.HasPrefix(dsn, "file:")
}

func splitHostPort(addr string) (string, int) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return addr, 0
	}
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return addr, 0
	}
	return addr[:idx], port
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}
