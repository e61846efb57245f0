// Package config handles localchaind configuration.
//
// Settings are resolved in this order, later sources winning:
// defaults, the localchain.conf file, the .env file and LOCALCHAIN_*
// environment variables, then command-line flags.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Config holds the manager's runtime configuration.
type Config struct {
	DataDir string `conf:"datadir"`

	// HTTP control plane
	API APIConfig

	// How node processes are launched
	Node NodeConfig

	// Startup and shutdown timing of node processes
	Supervisor SupervisorConfig

	// Per-subscriber stream buffers
	Broadcast BroadcastConfig

	// Recent block history
	History HistoryConfig

	Metrics MetricsConfig

	// Chains created at startup
	Chains ChainsConfig

	Log LogConfig
}

// APIConfig holds HTTP server settings.
type APIConfig struct {
	Addr        string   `conf:"api.addr"`
	Port        int      `conf:"api.port"`
	AllowedIPs  []string `conf:"api.allowedips"`
	CORSOrigins []string `conf:"api.corsorigins"` // "*" = all
}

// NodeConfig describes the dev node binary.
type NodeConfig struct {
	Binary string   `conf:"node.binary"`
	Host   string   `conf:"node.host"`
	Args   []string `conf:"node.args"` // appended after the per-chain flags
	Env    []string `conf:"node.env"`  // KEY=VALUE entries
}

// SupervisorConfig holds node lifecycle timing.
type SupervisorConfig struct {
	ConnectAttempts int           `conf:"supervisor.connectattempts"`
	ConnectInterval time.Duration `conf:"supervisor.connectinterval"`
	StopTimeout     time.Duration `conf:"supervisor.stoptimeout"`
	GracePeriod     time.Duration `conf:"supervisor.graceperiod"`
}

// BroadcastConfig holds per-subscriber queue sizes.
type BroadcastConfig struct {
	LogBuffer   int `conf:"broadcast.logbuffer"`
	BlockBuffer int `conf:"broadcast.blockbuffer"`
}

// HistoryConfig selects where recent blocks are kept.
type HistoryConfig struct {
	Backend string `conf:"history.backend"` // memory or badger
	Limit   int    `conf:"history.limit"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `conf:"metrics.enabled"`
}

// ChainsConfig points at a JSON file of preset chains.
type ChainsConfig struct {
	File string `conf:"chains.file"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.localchain
//	macOS:   ~/Library/Application Support/LocalChain
//	Windows: %APPDATA%\LocalChain
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".localchain"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "LocalChain")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "LocalChain")
		}
		return filepath.Join(home, "AppData", "Roaming", "LocalChain")
	default:
		return filepath.Join(home, ".localchain")
	}
}

// HistoryDir returns the badger directory for block history.
func (c *Config) HistoryDir() string {
	return filepath.Join(c.DataDir, "history")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "localchain.conf")
}

// EnvFile returns the .env file path inside the data directory.
func (c *Config) EnvFile() string {
	return filepath.Join(c.DataDir, ".env")
}

// ListenAddr returns host:port for the HTTP server.
func (c *Config) ListenAddr() string {
	return joinHostPort(c.API.Addr, c.API.Port)
}
