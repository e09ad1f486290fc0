// Package config loads process settings for cmd/server and cmd/client
// from environment variables, generalizing the teacher's bare
// os.Getenv("PORT") into a documented, validated config surface (spec.md
// §1 places CLI/config/logging out of scope for the *core*, not for the
// process wiring around it).
package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ServerConfig holds cmd/server's runtime settings.
//
// Supported vars:
//   - ROWSYNC_ADDR (HTTP listen address)
//   - ROWSYNC_METRICS_ADDR (Prometheus listen address; a blank value keeps
//     the default, so the variable cannot turn the metrics listener off)
//   - ROWSYNC_DATA_DIR (holds main.db and journals/)
//   - ROWSYNC_LOG_LEVEL (debug|info|warn|error)
//   - ROWSYNC_MAX_BATCH_SIZE (validated and stored in MaxBatchSize; cmd/server
//     does not pass it on, and SyncStorage responses are bounded by
//     remote.MaxBatchSize instead)
type ServerConfig struct {
	Addr         string
	MetricsAddr  string
	DataDir      string
	LogLevel     string
	MaxBatchSize int
}

// DefaultServerConfig returns a local-development configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":8080",
		MetricsAddr:  ":9090",
		DataDir:      "./var/rowsync",
		LogLevel:     "info",
		MaxBatchSize: 256,
	}
}

// LoadServerConfigFromEnv loads ServerConfig from the environment.
func LoadServerConfigFromEnv(getenv func(string) string) (ServerConfig, error) {
	cfg := DefaultServerConfig()

	if v := strings.TrimSpace(getenv("ROWSYNC_ADDR")); v != "" {
		cfg.Addr = v
	}
	if v := strings.TrimSpace(getenv("ROWSYNC_METRICS_ADDR")); v != "" {
		cfg.MetricsAddr = v
	}
	if v := strings.TrimSpace(getenv("ROWSYNC_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(getenv("ROWSYNC_LOG_LEVEL")); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := strings.TrimSpace(getenv("ROWSYNC_MAX_BATCH_SIZE")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return ServerConfig{}, fmt.Errorf("config: invalid ROWSYNC_MAX_BATCH_SIZE %q", v)
		}
		cfg.MaxBatchSize = n
	}

	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// Validate checks that required settings are present and well-formed.
func (c ServerConfig) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("config: addr is required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: data dir is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unsupported log level %q", c.LogLevel)
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("config: max batch size must be positive")
	}
	return nil
}

// ClientConfig holds cmd/client's runtime settings.
//
// Supported vars:
//   - ROWSYNC_SERVER_ADDR (base URL of the server, e.g. http://localhost:8080)
//   - ROWSYNC_CLIENT_ID (stable client identifier; if unset, cmd/client mints
//     one with google/uuid on first run and persists it under DataDir)
//   - ROWSYNC_DATA_DIR (holds the local journal and database)
type ClientConfig struct {
	ServerAddr string
	ClientID   string
	DataDir    string
}

// LoadClientConfigFromEnv loads ClientConfig from the environment. ClientID
// is left empty if ROWSYNC_CLIENT_ID is unset; cmd/client is responsible for
// minting and persisting a stable one, since that touches the filesystem
// and this loader stays a pure env-var reader for testability.
func LoadClientConfigFromEnv(getenv func(string) string) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerAddr: "http://localhost:8080",
		DataDir:    "./var/rowsync-client",
	}
	if v := strings.TrimSpace(getenv("ROWSYNC_SERVER_ADDR")); v != "" {
		cfg.ServerAddr = v
	}
	if v := strings.TrimSpace(getenv("ROWSYNC_CLIENT_ID")); v != "" {
		cfg.ClientID = v
	}
	if v := strings.TrimSpace(getenv("ROWSYNC_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	return cfg, nil
}
