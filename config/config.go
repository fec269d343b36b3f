// Package config loads the pacsman client configuration from YAML, with
// PACSMAN_* environment variables taking precedence over the file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted in Config.Backend.
const (
	BackendNetworkToolkit  = "network-toolkit"
	BackendProtocolLibrary = "protocol-library"
	BackendFilesystem      = "filesystem"
)

// Config selects and parameterizes one PACS backend.
type Config struct {
	Backend string `yaml:"backend"`

	// Network backends.
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	CalledAETitle  string `yaml:"called_ae_title"`
	CallingAETitle string `yaml:"calling_ae_title"`
	StoragePort    int    `yaml:"storage_port"`
	MaxPDULength   uint32 `yaml:"max_pdu_length"`

	// Filesystem backend.
	Root      string `yaml:"root"`
	IndexName string `yaml:"index_name"`
	Overwrite bool   `yaml:"overwrite"`

	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	RetrieveTimeout time.Duration `yaml:"retrieve_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`

	// Workers bounds the bulk retrieve pool.
	Workers int `yaml:"workers"`

	Retry Retry `yaml:"retry"`
	Log   Log   `yaml:"log"`
}

// Retry configures the backoff applied to transient transport failures.
type Retry struct {
	Attempts       int           `yaml:"attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	TimeoutPadding time.Duration `yaml:"timeout_padding"`
}

// Log configures the zap logger.
type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	File        string `yaml:"file"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups"`
	MaxAgeDays  int    `yaml:"max_age_days"`
	Compress    bool   `yaml:"compress"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Backend:         BackendNetworkToolkit,
		Port:            104,
		CallingAETitle:  "PACSMAN",
		StoragePort:     11113,
		MaxPDULength:    16384,
		IndexName:       ".pacsman_index",
		ConnectTimeout:  10 * time.Second,
		ReadTimeout:     30 * time.Second,
		RetrieveTimeout: 60 * time.Second,
		IdleTimeout:     60 * time.Second,
		Workers:         1,
		Retry: Retry{
			Attempts:       3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			Multiplier:     2,
			TimeoutPadding: 20 * time.Second,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads the YAML file at path over Default, then applies environment
// overrides. An empty path skips the file. The result is not validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	ApplyEnv(&cfg)
	return cfg, nil
}

// ApplyEnv overrides cfg with any PACSMAN_* variables that are set.
// Durations accept Go duration syntax ("90s", "2m").
func ApplyEnv(cfg *Config) {
	cfg.Backend = GetEnvOrDefault("PACSMAN_BACKEND", cfg.Backend)
	cfg.Host = GetEnvOrDefault("PACSMAN_HOST", cfg.Host)
	cfg.Port = ParseIntEnv("PACSMAN_PORT", cfg.Port)
	cfg.CalledAETitle = GetEnvOrDefault("PACSMAN_CALLED_AE_TITLE", cfg.CalledAETitle)
	cfg.CallingAETitle = GetEnvOrDefault("PACSMAN_CALLING_AE_TITLE", cfg.CallingAETitle)
	cfg.StoragePort = ParseIntEnv("PACSMAN_STORAGE_PORT", cfg.StoragePort)
	cfg.MaxPDULength = uint32(ParseIntEnv("PACSMAN_MAX_PDU_LENGTH", int(cfg.MaxPDULength)))

	cfg.Root = GetEnvOrDefault("PACSMAN_ROOT", cfg.Root)
	cfg.IndexName = GetEnvOrDefault("PACSMAN_INDEX_NAME", cfg.IndexName)
	cfg.Overwrite = ParseBoolEnv("PACSMAN_OVERWRITE", cfg.Overwrite)

	cfg.ConnectTimeout = ParseDurationEnv("PACSMAN_CONNECT_TIMEOUT", cfg.ConnectTimeout)
	cfg.ReadTimeout = ParseDurationEnv("PACSMAN_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.RetrieveTimeout = ParseDurationEnv("PACSMAN_RETRIEVE_TIMEOUT", cfg.RetrieveTimeout)
	cfg.IdleTimeout = ParseDurationEnv("PACSMAN_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.Workers = ParseIntEnv("PACSMAN_WORKERS", cfg.Workers)

	cfg.Retry.Attempts = ParseIntEnv("PACSMAN_RETRY_ATTEMPTS", cfg.Retry.Attempts)
	cfg.Retry.InitialBackoff = ParseDurationEnv("PACSMAN_RETRY_INITIAL_BACKOFF", cfg.Retry.InitialBackoff)
	cfg.Retry.MaxBackoff = ParseDurationEnv("PACSMAN_RETRY_MAX_BACKOFF", cfg.Retry.MaxBackoff)
	cfg.Retry.TimeoutPadding = ParseDurationEnv("PACSMAN_RETRY_TIMEOUT_PADDING", cfg.Retry.TimeoutPadding)

	cfg.Log.Level = GetEnvOrDefault("PACSMAN_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = GetEnvOrDefault("PACSMAN_LOG_FILE", cfg.Log.File)
	cfg.Log.Development = ParseBoolEnv("PACSMAN_LOG_DEVELOPMENT", cfg.Log.Development)
}

// Address returns host:port of the remote PACS.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
