package upload

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"
	"github.com/transcribe-hub/go-upload/upload/network/chunkuploader"
	"gopkg.in/yaml.v3"
)

// Environment variables read by NewConfig.
const (
	EnvAPIURL       = "TRANSCRIBE_API_URL"
	EnvAccessToken  = "TRANSCRIBE_ACCESS_TOKEN"
	EnvConcurrency  = "TRANSCRIBE_UPLOAD_CONCURRENCY"
	EnvMaxSessions  = "TRANSCRIBE_UPLOAD_MAX_SESSIONS"
	EnvMaxRetry     = "TRANSCRIBE_UPLOAD_MAX_RETRY"
	EnvChunkTimeout = "TRANSCRIBE_UPLOAD_CHUNK_TIMEOUT"
	EnvMaxFileSize  = "TRANSCRIBE_UPLOAD_MAX_FILE_SIZE"
	EnvVerbose      = "TRANSCRIBE_VERBOSE"
	EnvAnalytics    = "TRANSCRIBE_ANALYTICS"
)

// Defaults ...
const (
	DefaultAPIURL            = "http://localhost:3000/api/v1"
	DefaultMaxFileSize       = 3 * units.GiB
	DefaultMaxActiveSessions = 3

	concurrencyAuto = "auto"
)

// Secret is a string value that is redacted when printed.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// Config ...
type Config struct {
	APIBaseURL  string
	AccessToken Secret
	// Chunk configures the per-session chunk transfer.
	Chunk chunkuploader.Config
	// MaxActiveSessions bounds how many files transfer at the same time.
	MaxActiveSessions int
	// MaxFileSize is checked before any network call.
	MaxFileSize int64
	Verbose     bool
	Analytics   bool
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		APIBaseURL:        DefaultAPIURL,
		Chunk:             chunkuploader.DefaultConfig(),
		MaxActiveSessions: DefaultMaxActiveSessions,
		MaxFileSize:       DefaultMaxFileSize,
	}
}

// fileConfig mirrors the YAML config file. Every value is a string so the file
// accepts the same notation as the environment.
type fileConfig struct {
	APIURL       string `yaml:"api_url"`
	AccessToken  string `yaml:"access_token"`
	Concurrency  string `yaml:"concurrency"`
	MaxSessions  string `yaml:"max_sessions"`
	MaxRetry     string `yaml:"max_retry"`
	ChunkTimeout string `yaml:"chunk_timeout"`
	MaxFileSize  string `yaml:"max_file_size"`
	Verbose      string `yaml:"verbose"`
	Analytics    string `yaml:"analytics"`
}

func (f fileConfig) values() map[string]string {
	return map[string]string{
		EnvAPIURL:       f.APIURL,
		EnvAccessToken:  f.AccessToken,
		EnvConcurrency:  f.Concurrency,
		EnvMaxSessions:  f.MaxSessions,
		EnvMaxRetry:     f.MaxRetry,
		EnvChunkTimeout: f.ChunkTimeout,
		EnvMaxFileSize:  f.MaxFileSize,
		EnvVerbose:      f.Verbose,
		EnvAnalytics:    f.Analytics,
	}
}

// NewConfig builds a Config from the defaults, the optional YAML file at configPath
// and the environment, in increasing order of precedence.
func NewConfig(envRepo env.Repository, configPath string) (Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		values, err := readConfigFile(configPath)
		if err != nil {
			return Config{}, err
		}
		if err := config.apply(values); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", configPath, err)
		}
	}

	values := map[string]string{}
	for _, key := range []string{EnvAPIURL, EnvAccessToken, EnvConcurrency, EnvMaxSessions, EnvMaxRetry,
		EnvChunkTimeout, EnvMaxFileSize, EnvVerbose, EnvAnalytics} {
		values[key] = envRepo.Get(key)
	}
	if err := config.apply(values); err != nil {
		return Config{}, err
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func readConfigFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return f.values(), nil
}

// apply overrides the fields whose value is non-empty.
func (c *Config) apply(values map[string]string) error {
	for key, raw := range values {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}

		var err error
		switch key {
		case EnvAPIURL:
			c.APIBaseURL = strings.TrimSuffix(value, "/")
		case EnvAccessToken:
			c.AccessToken = Secret(value)
		case EnvConcurrency:
			c.Chunk.Concurrency, err = parseConcurrency(value)
		case EnvMaxSessions:
			c.MaxActiveSessions, err = parsePositiveInt(value)
		case EnvMaxRetry:
			c.Chunk.MaxRetryPerChunk, err = parsePositiveInt(value)
		case EnvChunkTimeout:
			c.Chunk.ChunkTimeout, err = time.ParseDuration(value)
		case EnvMaxFileSize:
			c.MaxFileSize, err = units.RAMInBytes(value)
		case EnvVerbose:
			c.Verbose, err = strconv.ParseBool(value)
		case EnvAnalytics:
			c.Analytics, err = strconv.ParseBool(value)
		}
		if err != nil {
			return fmt.Errorf("invalid value %q for %s: %w", value, key, err)
		}
	}
	return nil
}

// Validate ...
func (c Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("%s is empty", EnvAPIURL)
	}
	if c.MaxActiveSessions < 1 {
		return fmt.Errorf("max active sessions must be positive, got %d", c.MaxActiveSessions)
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max file size must be positive, got %d", c.MaxFileSize)
	}
	if c.Chunk.ChunkTimeout < 0 {
		return fmt.Errorf("chunk timeout must not be negative, got %s", c.Chunk.ChunkTimeout)
	}
	return nil
}

func parseConcurrency(value string) (int, error) {
	if strings.EqualFold(value, concurrencyAuto) {
		return chunkuploader.DefaultConcurrency(), nil
	}
	return parsePositiveInt(value)
}

func parsePositiveInt(value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, fmt.Errorf("must be at least 1")
	}
	return n, nil
}
