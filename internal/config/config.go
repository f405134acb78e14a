package config

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	"isxlicense/internal/credential"
)

// Role selects which sections Validate insists on.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
	RoleTool   Role = "tool"
)

// Config represents the complete application configuration
type Config struct {
	Environment string          `yaml:"environment" envconfig:"ENVIRONMENT" default:"development"`
	Server      ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Logging     LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Signing     SigningConfig   `yaml:"signing" envconfig:"SIGNING"`
	Keys        KeysConfig      `yaml:"keys" envconfig:"KEYS"`
	Store       StoreConfig     `yaml:"store" envconfig:"STORE"`
	RateLimit   RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	Admin       AdminConfig     `yaml:"admin" envconfig:"ADMIN"`
	Client      ClientConfig    `yaml:"client" envconfig:"CLIENT"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	// TrustProxy takes the client address from X-Forwarded-For/X-Real-IP.
	// Only enable it behind a proxy that overwrites those headers.
	TrustProxy bool `yaml:"trust_proxy" envconfig:"TRUST_PROXY" default:"false"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format      string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output      string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath    string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/app.log"`
	Development bool   `yaml:"development" envconfig:"DEVELOPMENT" default:"false"`
}

// SigningConfig holds the server's private key. The key itself is supplied
// out of band, either as a file path or inline.
type SigningConfig struct {
	PrivateKeyFile string `yaml:"private_key_file" envconfig:"PRIVATE_KEY_FILE"`
	PrivateKey     string `yaml:"private_key" envconfig:"PRIVATE_KEY"`
	KeyVersion     int    `yaml:"key_version" envconfig:"KEY_VERSION" default:"1"`
}

// KeysConfig maps key_version to a base64 Ed25519 public key, written in
// the environment as ISX_KEYS_PUBLIC_KEYS="1:<key>,2:<key>".
type KeysConfig struct {
	PublicKeys map[int]string `yaml:"public_keys" envconfig:"PUBLIC_KEYS"`
}

// StoreConfig locates the server's SQLite database.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path" envconfig:"DATABASE_PATH"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled         bool   `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RedisURL        string `yaml:"redis_url" envconfig:"REDIS_URL"`
	ActivatePerHour int    `yaml:"activate_per_hour" envconfig:"ACTIVATE_PER_HOUR" default:"10"`
	ValidatePerHour int    `yaml:"validate_per_hour" envconfig:"VALIDATE_PER_HOUR" default:"60"`
}

// AdminConfig guards the issuance and revocation endpoints.
type AdminConfig struct {
	Token string `yaml:"token" envconfig:"TOKEN"`
}

// ClientConfig configures the desktop side license agent.
type ClientConfig struct {
	ServerURL       string        `yaml:"server_url" envconfig:"SERVER_URL" default:"http://localhost:8080"`
	StatePath       string        `yaml:"state_path" envconfig:"STATE_PATH"`
	ListenAddr      string        `yaml:"listen_addr" envconfig:"LISTEN_ADDR" default:"127.0.0.1:8090"`
	OnlineTimeout   time.Duration `yaml:"online_timeout" envconfig:"ONLINE_TIMEOUT" default:"10s"`
	RecheckInterval time.Duration `yaml:"recheck_interval" envconfig:"RECHECK_INTERVAL" default:"6h"`
	ClockSkew       time.Duration `yaml:"clock_skew" envconfig:"CLOCK_SKEW" default:"5m"`
}

const envPrefix = "ISX"

// Load reads configuration for role: environment variables over an
// optional YAML file over defaults.
func Load(role Role) (*Config, error) {
	var cfg Config

	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if configFile := getConfigFilePath(); configFile != "" {
		fileConfig, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileConfig, cfg)
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, fmt.Errorf("failed to resolve paths: %w", err)
	}

	if err := cfg.Validate(role); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// envSet reports whether ISX_<name> was given explicitly. Only then does
// the environment beat the file; envconfig defaults do not.
func envSet(name string) bool {
	_, ok := os.LookupEnv(envPrefix + "_" + name)
	return ok
}

func pick[T comparable](env string, envVal, fileVal T) T {
	var zero T
	if envSet(env) || fileVal == zero {
		return envVal
	}
	return fileVal
}

// mergeConfigs merges file config with env config (env takes precedence)
func mergeConfigs(file, env Config) Config {
	out := env
	out.Environment = pick("ENVIRONMENT", env.Environment, file.Environment)

	out.Server.Port = pick("SERVER_PORT", env.Server.Port, file.Server.Port)
	out.Server.ReadTimeout = pick("SERVER_READ_TIMEOUT", env.Server.ReadTimeout, file.Server.ReadTimeout)
	out.Server.WriteTimeout = pick("SERVER_WRITE_TIMEOUT", env.Server.WriteTimeout, file.Server.WriteTimeout)
	out.Server.IdleTimeout = pick("SERVER_IDLE_TIMEOUT", env.Server.IdleTimeout, file.Server.IdleTimeout)
	out.Server.MaxHeaderBytes = pick("SERVER_MAX_HEADER_BYTES", env.Server.MaxHeaderBytes, file.Server.MaxHeaderBytes)
	out.Server.ShutdownTimeout = pick("SERVER_SHUTDOWN_TIMEOUT", env.Server.ShutdownTimeout, file.Server.ShutdownTimeout)
	out.Server.TrustProxy = pick("SERVER_TRUST_PROXY", env.Server.TrustProxy, file.Server.TrustProxy)

	out.Logging.Level = pick("LOGGING_LEVEL", env.Logging.Level, file.Logging.Level)
	out.Logging.Output = pick("LOGGING_OUTPUT", env.Logging.Output, file.Logging.Output)
	out.Logging.FilePath = pick("LOGGING_FILE_PATH", env.Logging.FilePath, file.Logging.FilePath)
	out.Logging.Development = pick("LOGGING_DEVELOPMENT", env.Logging.Development, file.Logging.Development)

	out.Signing.PrivateKeyFile = pick("SIGNING_PRIVATE_KEY_FILE", env.Signing.PrivateKeyFile, file.Signing.PrivateKeyFile)
	out.Signing.PrivateKey = pick("SIGNING_PRIVATE_KEY", env.Signing.PrivateKey, file.Signing.PrivateKey)
	out.Signing.KeyVersion = pick("SIGNING_KEY_VERSION", env.Signing.KeyVersion, file.Signing.KeyVersion)

	if !envSet("KEYS_PUBLIC_KEYS") && len(file.Keys.PublicKeys) > 0 {
		out.Keys.PublicKeys = file.Keys.PublicKeys
	}

	out.Store.DatabasePath = pick("STORE_DATABASE_PATH", env.Store.DatabasePath, file.Store.DatabasePath)

	out.RateLimit.Enabled = pick("RATE_LIMIT_ENABLED", env.RateLimit.Enabled, file.RateLimit.Enabled)
	out.RateLimit.RedisURL = pick("RATE_LIMIT_REDIS_URL", env.RateLimit.RedisURL, file.RateLimit.RedisURL)
	out.RateLimit.ActivatePerHour = pick("RATE_LIMIT_ACTIVATE_PER_HOUR", env.RateLimit.ActivatePerHour, file.RateLimit.ActivatePerHour)
	out.RateLimit.ValidatePerHour = pick("RATE_LIMIT_VALIDATE_PER_HOUR", env.RateLimit.ValidatePerHour, file.RateLimit.ValidatePerHour)

	out.Admin.Token = pick("ADMIN_TOKEN", env.Admin.Token, file.Admin.Token)

	out.Client.ServerURL = pick("CLIENT_SERVER_URL", env.Client.ServerURL, file.Client.ServerURL)
	out.Client.StatePath = pick("CLIENT_STATE_PATH", env.Client.StatePath, file.Client.StatePath)
	out.Client.ListenAddr = pick("CLIENT_LISTEN_ADDR", env.Client.ListenAddr, file.Client.ListenAddr)
	out.Client.OnlineTimeout = pick("CLIENT_ONLINE_TIMEOUT", env.Client.OnlineTimeout, file.Client.OnlineTimeout)
	out.Client.RecheckInterval = pick("CLIENT_RECHECK_INTERVAL", env.Client.RecheckInterval, file.Client.RecheckInterval)
	out.Client.ClockSkew = pick("CLIENT_CLOCK_SKEW", env.Client.ClockSkew, file.Client.ClockSkew)

	return out
}

// resolvePaths fills in default file locations that were left empty.
func (c *Config) resolvePaths() error {
	if c.Store.DatabasePath != "" && c.Client.StatePath != "" {
		return nil
	}
	paths, err := GetPaths()
	if err != nil {
		return err
	}
	if c.Store.DatabasePath == "" {
		c.Store.DatabasePath = paths.DatabaseFile
	}
	if c.Client.StatePath == "" {
		c.Client.StatePath = paths.StateFile
	}
	return nil
}

// IsProduction reports whether the process runs in production. Production
// turns the rate limiter fail-closed.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "production" || env == "prod"
}

// Validate validates the configuration
func (c *Config) Validate(role Role) error {
	if c.Logging.Format != "json" {
		c.Logging.Format = "json"
	}

	switch role {
	case RoleServer:
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			return fmt.Errorf("invalid server port: %d", c.Server.Port)
		}
		if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
			return errors.New("server timeouts must be positive")
		}
		if c.Signing.KeyVersion < 1 {
			return fmt.Errorf("signing key version must be at least 1, got %d", c.Signing.KeyVersion)
		}
		if c.Signing.PrivateKeyFile == "" && c.Signing.PrivateKey == "" {
			return errors.New("a signing key is required: set ISX_SIGNING_PRIVATE_KEY_FILE or ISX_SIGNING_PRIVATE_KEY")
		}
		if c.RateLimit.ActivatePerHour < 1 || c.RateLimit.ValidatePerHour < 1 {
			return errors.New("rate limits must be at least 1 per hour")
		}
		if c.IsProduction() && c.RateLimit.Enabled && c.RateLimit.RedisURL == "" {
			return errors.New("production requires ISX_RATE_LIMIT_REDIS_URL")
		}
	case RoleClient:
		if len(c.Keys.PublicKeys) == 0 {
			return errors.New("at least one public key is required: set ISX_KEYS_PUBLIC_KEYS")
		}
		if c.Client.OnlineTimeout <= 0 || c.Client.RecheckInterval <= 0 {
			return errors.New("client timeouts must be positive")
		}
		if c.Client.ClockSkew < 0 {
			return errors.New("clock skew must not be negative")
		}
	}

	for version := range c.Keys.PublicKeys {
		if version < 1 {
			return fmt.Errorf("public key version must be at least 1, got %d", version)
		}
	}
	return nil
}

// LoadSigningKey reads and parses the configured private key.
func (c *Config) LoadSigningKey() (credential.SigningKey, error) {
	raw := []byte(c.Signing.PrivateKey)
	if c.Signing.PrivateKeyFile != "" {
		data, err := os.ReadFile(c.Signing.PrivateKeyFile)
		if err != nil {
			return credential.SigningKey{}, fmt.Errorf("failed to read signing key: %w", err)
		}
		raw = data
	}

	priv, err := credential.ParsePrivateKey(raw)
	if err != nil {
		return credential.SigningKey{}, err
	}
	return credential.NewSigningKey(c.Signing.KeyVersion, priv)
}

// KeyRing builds the verifying key ring. extra keys (typically the
// server's own signing key) are added to the configured ones.
func (c *Config) KeyRing(extra ...credential.SigningKey) (*credential.KeyRing, error) {
	keys := make(map[int]ed25519.PublicKey, len(c.Keys.PublicKeys)+len(extra))
	for version, text := range c.Keys.PublicKeys {
		pub, err := credential.ParsePublicKey([]byte(text))
		if err != nil {
			return nil, fmt.Errorf("public key version %d: %w", version, err)
		}
		keys[version] = pub
	}
	for _, k := range extra {
		if existing, ok := keys[k.Version]; ok && !existing.Equal(k.Public()) {
			return nil, fmt.Errorf("public key version %d does not match the signing key", k.Version)
		}
		keys[k.Version] = k.Public()
	}
	return credential.NewKeyRing(keys)
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	if path := os.Getenv("ISX_CONFIG_FILE"); path != "" {
		return path
	}

	locations := []string{
		"config.yaml",
		"configs/config.yaml",
		"../configs/config.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return ""
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "console",
			FilePath: "logs/app.log",
		},
		Signing: SigningConfig{KeyVersion: 1},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			ActivatePerHour: DefaultActivatePerHour,
			ValidatePerHour: DefaultValidatePerHour,
		},
		Client: ClientConfig{
			ServerURL:       "http://localhost:8080",
			ListenAddr:      "127.0.0.1:8090",
			OnlineTimeout:   DefaultOnlineTimeout,
			RecheckInterval: DefaultRecheckInterval,
			ClockSkew:       credential.DefaultClockSkew,
		},
	}
}
