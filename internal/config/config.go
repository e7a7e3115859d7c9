// Package config loads the parley runtime configuration from a TOML file,
// an optional .env file and PARLEY_* environment overrides.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// DefaultFile is read when no path is given and it exists.
const DefaultFile = "parley.toml"

// Config is the complete runtime configuration.
type Config struct {
	Log        LogConfig        `toml:"log"`
	Server     ServerConfig     `toml:"server"`
	Agents     AgentsConfig     `toml:"agents"`
	LLM        LLMConfig        `toml:"llm"`
	Storage    StorageConfig    `toml:"storage"`
	Retrieval  RetrievalConfig  `toml:"retrieval"`
	Voice      VoiceConfig      `toml:"voice"`
	Encryption EncryptionConfig `toml:"encryption"`
	PII        PIIConfig        `toml:"pii"`
	NATS       NATSConfig       `toml:"nats"`
}

// LogConfig selects the logger level and format.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text or json
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Addr            string   `toml:"addr"`
	Metrics         bool     `toml:"metrics"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// AgentsConfig locates the agent definitions.
type AgentsConfig struct {
	Dir   string `toml:"dir"`
	Watch bool   `toml:"watch"`
}

// LLMConfig selects and tunes the provider.
type LLMConfig struct {
	Provider       string   `toml:"provider"` // openai or anthropic
	Model          string   `toml:"model"`
	APIKeyEnv      string   `toml:"api_key_env"`
	BaseURL        string   `toml:"base_url"`
	Temperature    *float64 `toml:"temperature"`
	AttemptTimeout Duration `toml:"attempt_timeout"`
	TotalTimeout   Duration `toml:"total_timeout"`
	BackoffInitial Duration `toml:"backoff_initial"`
	BackoffMax     Duration `toml:"backoff_max"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string       `toml:"driver"` // memory, sqlite or redis
	SQLite SQLiteConfig `toml:"sqlite"`
	Redis  RedisConfig  `toml:"redis"`
}

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	Path string `toml:"path"`
}

// RedisConfig configures the Redis store and the distributed lock.
type RedisConfig struct {
	Addr     string   `toml:"addr"`
	Password string   `toml:"password"`
	DB       int      `toml:"db"`
	Prefix   string   `toml:"prefix"`
	TTL      Duration `toml:"ttl"`
	Lock     bool     `toml:"lock"`
	LockTTL  Duration `toml:"lock_ttl"`
}

// RetrievalConfig locates the bleve index.
type RetrievalConfig struct {
	IndexPath string `toml:"index_path"`
}

// VoiceConfig enables speech synthesis through the OpenAI speech API.
type VoiceConfig struct {
	Enabled bool   `toml:"enabled"`
	Voice   string `toml:"voice"`
	Model   string `toml:"model"`
	Format  string `toml:"format"`
}

// EncryptionConfig names the environment variables holding base64 AES-256 keys.
type EncryptionConfig struct {
	KeyEnv          string   `toml:"key_env"`
	FallbackKeyEnvs []string `toml:"fallback_key_envs"`
}

// PIIConfig lists regular expressions redacted from stored messages.
type PIIConfig struct {
	Patterns []string `toml:"patterns"`
}

// NATSConfig enables publishing of lifecycle events.
type NATSConfig struct {
	URL           string `toml:"url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

// Duration is a time.Duration decoded from strings such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// New returns the defaults.
func New() *Config {
	return &Config{
		Log:    LogConfig{Level: "info", Format: "text"},
		Server: ServerConfig{Addr: ":8080", Metrics: true, ShutdownTimeout: Duration{5 * time.Second}},
		Agents: AgentsConfig{Dir: "agents"},
		LLM: LLMConfig{
			Provider:       "openai",
			AttemptTimeout: Duration{60 * time.Second},
			TotalTimeout:   Duration{3 * time.Minute},
			BackoffInitial: Duration{500 * time.Millisecond},
			BackoffMax:     Duration{10 * time.Second},
		},
		Storage: StorageConfig{
			Driver: "memory",
			SQLite: SQLiteConfig{Path: "parley.db"},
			Redis:  RedisConfig{Addr: "localhost:6379", Prefix: "parley:", LockTTL: Duration{2 * time.Minute}},
		},
		NATS: NATSConfig{SubjectPrefix: "parley"},
	}
}

// Load reads .env (when present), then the TOML file at path, then the
// environment overrides. An empty path reads DefaultFile if it exists.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := New()
	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a TOML document over the defaults.
func Parse(data string) (*Config, error) {
	cfg := New()
	if _, err := toml.Decode(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"PARLEY_LOG_LEVEL":      &c.Log.Level,
		"PARLEY_LOG_FORMAT":     &c.Log.Format,
		"PARLEY_ADDR":           &c.Server.Addr,
		"PARLEY_AGENTS_DIR":     &c.Agents.Dir,
		"PARLEY_LLM_PROVIDER":   &c.LLM.Provider,
		"PARLEY_LLM_MODEL":      &c.LLM.Model,
		"PARLEY_LLM_BASE_URL":   &c.LLM.BaseURL,
		"PARLEY_STORAGE_DRIVER": &c.Storage.Driver,
		"PARLEY_SQLITE_PATH":    &c.Storage.SQLite.Path,
		"PARLEY_REDIS_ADDR":     &c.Storage.Redis.Addr,
		"PARLEY_REDIS_PASSWORD": &c.Storage.Redis.Password,
		"PARLEY_NATS_URL":       &c.NATS.URL,
	}
	for env, dst := range str {
		if v, ok := os.LookupEnv(env); ok {
			*dst = v
		}
	}
	if v, ok := os.LookupEnv("PARLEY_REDIS_DB"); ok {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PARLEY_REDIS_DB: %w", err)
		}
		c.Storage.Redis.DB = db
	}
	return nil
}

// Validate reports unsupported values.
func (c *Config) Validate() error {
	var errs []error
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("llm.provider: unsupported %q", c.LLM.Provider))
	}
	switch c.Storage.Driver {
	case "memory", "sqlite", "redis":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", c.Storage.Driver))
	}
	if c.Storage.Redis.Lock && c.Storage.Redis.Addr == "" {
		errs = append(errs, errors.New("storage.redis.lock requires storage.redis.addr"))
	}
	if c.Voice.Enabled && c.Voice.Voice == "" {
		errs = append(errs, errors.New("voice.voice is required when voice is enabled"))
	}
	return errors.Join(errs...)
}

// APIKey returns the provider key from the configured environment variable.
func (c *Config) APIKey() string {
	env := c.LLM.APIKeyEnv
	if env == "" {
		env = DefaultAPIKeyEnv(c.LLM.Provider)
	}
	if env == "" {
		return ""
	}
	return os.Getenv(env)
}

// DefaultAPIKeyEnv returns the conventional key variable of a provider.
func DefaultAPIKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	default:
		return ""
	}
}

// EncryptionKeys decodes the active and fallback keys. ok is false when
// encryption is not configured.
func (c *Config) EncryptionKeys() (active []byte, fallback [][]byte, ok bool, err error) {
	if c.Encryption.KeyEnv == "" {
		return nil, nil, false, nil
	}
	active, err = decodeKey(c.Encryption.KeyEnv)
	if err != nil {
		return nil, nil, false, err
	}
	for _, env := range c.Encryption.FallbackKeyEnvs {
		k, err := decodeKey(env)
		if err != nil {
			return nil, nil, false, err
		}
		fallback = append(fallback, k)
	}
	return active, fallback, true, nil
}

func decodeKey(env string) ([]byte, error) {
	v := os.Getenv(env)
	if v == "" {
		return nil, fmt.Errorf("encryption key %s is not set", env)
	}
	key, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("encryption key %s: %w", env, err)
	}
	return key, nil
}
