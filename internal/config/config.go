package config

import (
	_ "embed"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/TobiSchelling/ChatAudit/internal/retry"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Messenger Messenger `yaml:"messenger"`
	Grading   Grading   `yaml:"grading"`
	Analysis  Analysis  `yaml:"analysis"`
	Retry     Retry     `yaml:"retry"`
	Database  Database  `yaml:"database"`
	Server    Server    `yaml:"server"`
	Logging   Logging   `yaml:"logging"`
	Output    Output    `yaml:"output"`
	Timezone  string    `yaml:"timezone"`
}

type Messenger struct {
	BaseURL         string        `yaml:"base_url"`
	AccountID       string        `yaml:"account_id"`
	AccountIDEnv    string        `yaml:"account_id_env"`
	ClientIDEnv     string        `yaml:"client_id_env"`
	ClientSecretEnv string        `yaml:"client_secret_env"`
	TokenTTL        time.Duration `yaml:"token_ttl"`
	PageSize        int           `yaml:"page_size"`
	MaxPages        int           `yaml:"max_pages"`
	Timeout         time.Duration `yaml:"timeout"`
}

type Grading struct {
	Provider    string        `yaml:"provider"`
	Model       string        `yaml:"model"`
	BaseURL     string        `yaml:"base_url"`
	APIKeyEnv   string        `yaml:"api_key_env"`
	OllamaURL   string        `yaml:"ollama_url"`
	OllamaModel string        `yaml:"ollama_model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

type Analysis struct {
	Concurrency int `yaml:"concurrency"`
}

type Retry struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
}

type Database struct {
	Driver         string        `yaml:"driver"`
	Path           string        `yaml:"path"`
	DSNEnv         string        `yaml:"dsn_env"`
	MinConns       int32         `yaml:"min_conns"`
	MaxConns       int32         `yaml:"max_conns"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

type Server struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	APIKeyEnv       string        `yaml:"api_key_env"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	ToFile bool   `yaml:"to_file"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

// ConfigDir returns the XDG config directory for chataudit.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "chataudit")
}

// DataDir returns the XDG data directory for chataudit.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "chataudit")
}

// LoadEnv reads KEY=VALUE pairs from the given .env files into the process
// environment. Missing files are ignored and existing variables win.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env", filepath.Join(ConfigDir(), ".env")}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/chataudit/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'chataudit init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// Defaults returns the configuration used when a key is absent from the file.
func Defaults() *Config {
	return &Config{
		Messenger: Messenger{
			BaseURL:         "https://api.avito.ru",
			AccountIDEnv:    "AVITO_USER_ID",
			ClientIDEnv:     "AVITO_CLIENT_ID",
			ClientSecretEnv: "AVITO_CLIENT_SECRET",
			TokenTTL:        23*time.Hour + 30*time.Minute,
			PageSize:        100,
			MaxPages:        5,
			Timeout:         30 * time.Second,
		},
		Grading: Grading{
			Provider:    "openai",
			Model:       "deepseek-chat",
			BaseURL:     "https://api.deepseek.com/v1",
			APIKeyEnv:   "DEEPSEEK_API_KEY",
			OllamaURL:   "http://localhost:11434",
			OllamaModel: "qwen2.5:7b",
			Temperature: 0.1,
			Timeout:     60 * time.Second,
		},
		Analysis: Analysis{Concurrency: 10},
		Retry: Retry{
			MaxAttempts:    3,
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     10 * time.Second,
			Multiplier:     2,
		},
		Database: Database{
			Driver:         "sqlite",
			DSNEnv:         "DATABASE_URL",
			MinConns:       5,
			MaxConns:       30,
			AcquireTimeout: 30 * time.Second,
		},
		Server: Server{
			Host:            "127.0.0.1",
			Port:            8000,
			APIKeyEnv:       "CHATAUDIT_API_KEY",
			ShutdownTimeout: 15 * time.Second,
		},
		Logging:  Logging{Level: "info", Format: "console"},
		Timezone: "Europe/Moscow",
	}
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Database.Driver) {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver))
	}
	switch strings.ToLower(c.Grading.Provider) {
	case "openai", "ollama":
	default:
		errs = append(errs, fmt.Errorf("grading.provider must be openai or ollama, got %q", c.Grading.Provider))
	}
	if c.Analysis.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("analysis.concurrency must not be negative, got %d", c.Analysis.Concurrency))
	}
	if c.Messenger.PageSize < 1 || c.Messenger.MaxPages < 1 {
		errs = append(errs, errors.New("messenger.page_size and messenger.max_pages must be at least 1"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	return errors.Join(errs...)
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// DatabasePath returns the SQLite file, defaulting to chataudit.db in the data dir.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.GetDataDir(), "chataudit.db")
}

// Location returns the timezone used for report dates and day ranges.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RetryPolicy builds the retry policy for remote calls.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:    c.Retry.MaxAttempts,
		InitialBackoff: c.Retry.InitialBackoff,
		MaxBackoff:     c.Retry.MaxBackoff,
		Multiplier:     c.Retry.Multiplier,
	}
}

// ResolveAccountID returns the configured account, falling back to its env var.
func (m Messenger) ResolveAccountID() string {
	if m.AccountID != "" {
		return m.AccountID
	}
	return os.Getenv(m.AccountIDEnv)
}

// ClientID returns the client id from the environment.
func (m Messenger) ClientID() string { return os.Getenv(m.ClientIDEnv) }

// ClientSecret returns the client secret from the environment.
func (m Messenger) ClientSecret() string { return os.Getenv(m.ClientSecretEnv) }

// APIKey returns the grading API key from the environment.
func (g Grading) APIKey() string { return os.Getenv(g.APIKeyEnv) }

// DSN returns the Postgres connection string from the environment.
func (d Database) DSN() string { return os.Getenv(d.DSNEnv) }

// Addr returns the host:port the server listens on.
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// APIKey returns the trigger API key from the environment.
func (s Server) APIKey() string { return os.Getenv(s.APIKeyEnv) }

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
