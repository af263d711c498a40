package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/figura3d/figura/pkg/persistence"
)

type Config struct {
	APIBaseURL string `yaml:"apiBaseUrl"`
	// APIKey is a plaintext fallback for setups without a keychain; the
	// keychain (figura auth login) is preferred.
	APIKey                string `yaml:"apiKey"`
	Store                 string `yaml:"store"`
	StorePath             string `yaml:"storePath"`
	RedisAddr             string `yaml:"redisAddr"`
	RedisPassword         string `yaml:"redisPassword"`
	RedisDB               int    `yaml:"redisDb"`
	DownloadDir           string `yaml:"downloadDir"`
	PollIntervalSeconds   int    `yaml:"pollIntervalSeconds"`
	RequestTimeoutSeconds int    `yaml:"requestTimeoutSeconds"`
	LogLevel              string `yaml:"logLevel"`
	LogFormat             string `yaml:"logFormat"`
}

// DefaultPath is where LoadConfig looks when no path is given.
func DefaultPath() string {
	return filepath.Join(homeDir(), ".figura", "config.yaml")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// LoadConfig reads the YAML config at filePath, applies FIGURA_* environment
// overrides, then fills defaults. A missing file at the default path is not
// an error; an explicitly given path must exist.
func LoadConfig(filePath string) (*Config, error) {
	var c Config
	path := filePath
	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case os.IsNotExist(err) && filePath == "":
		// Defaults only.
	default:
		return nil, err
	}

	if v := os.Getenv("FIGURA_API_BASE_URL"); v != "" {
		c.APIBaseURL = v
	}
	if v := os.Getenv("FIGURA_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("FIGURA_STORE"); v != "" {
		c.Store = v
	}
	if v := os.Getenv("FIGURA_STORE_PATH"); v != "" {
		c.StorePath = v
	}
	if v := os.Getenv("FIGURA_REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("FIGURA_REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("FIGURA_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RedisDB = n
		}
	}
	if v := os.Getenv("FIGURA_DOWNLOAD_DIR"); v != "" {
		c.DownloadDir = v
	}
	if v := os.Getenv("FIGURA_POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PollIntervalSeconds = n
		}
	}
	if v := os.Getenv("FIGURA_REQUEST_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RequestTimeoutSeconds = n
		}
	}
	if v := os.Getenv("FIGURA_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("FIGURA_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}

	if c.APIBaseURL == "" {
		c.APIBaseURL = "https://api.meshy.ai"
	}
	if c.Store == "" {
		c.Store = "sqlite"
	}
	if c.StorePath == "" {
		c.StorePath = filepath.Join(homeDir(), ".figura", "history.db")
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.DownloadDir == "" {
		c.DownloadDir = filepath.Join(homeDir(), ".figura", "models")
	}
	if c.PollIntervalSeconds <= 0 {
		c.PollIntervalSeconds = 3
	}
	if c.RequestTimeoutSeconds <= 0 {
		c.RequestTimeoutSeconds = 15
	}
	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	return &c, nil
}

// StoreProvider maps the config onto a persistence provider selection.
func (c *Config) StoreProvider() (string, persistence.ProviderConfig) {
	return c.Store, persistence.ProviderConfig{
		Type:     c.Store,
		Path:     c.StorePath,
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	}
}

func (c *Config) Validate() error {
	var errs []string

	u, err := url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, "apiBaseUrl must be a valid http(s) URL")
	}
	switch c.Store {
	case "sqlite", "redis", "memory":
	default:
		errs = append(errs, fmt.Sprintf("store must be one of sqlite, redis, memory (got %q)", c.Store))
	}
	if c.Store == "sqlite" && strings.TrimSpace(c.StorePath) == "" {
		errs = append(errs, "storePath is required for the sqlite store")
	}
	if c.Store == "redis" && strings.TrimSpace(c.RedisAddr) == "" {
		errs = append(errs, "redisAddr is required for the redis store")
	}
	if c.PollIntervalSeconds <= 0 {
		errs = append(errs, "pollIntervalSeconds must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
