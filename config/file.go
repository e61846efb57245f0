package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFile loads key = value settings from a .conf file. A missing file
// yields no values.
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}
		values[strings.ToLower(strings.TrimSpace(key))] = unquote(strings.TrimSpace(value))
	}

	return values, scanner.Err()
}

func unquote(value string) string {
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			return value[1 : len(value)-1]
		}
	}
	return value
}

// ApplyValues applies key/value settings (from the .conf file or the
// environment) to cfg.
func ApplyValues(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

func setConfigValue(cfg *Config, key, value string) error {
	var err error
	switch key {
	case "datadir":
		cfg.DataDir = value

	// API
	case "api.addr":
		cfg.API.Addr = value
	case "api.port":
		cfg.API.Port, err = strconv.Atoi(value)
	case "api.allowedips":
		cfg.API.AllowedIPs = parseStringList(value)
	case "api.corsorigins":
		cfg.API.CORSOrigins = parseStringList(value)

	// Node
	case "node.binary":
		cfg.Node.Binary = value
	case "node.host":
		cfg.Node.Host = value
	case "node.args":
		cfg.Node.Args = strings.Fields(value)
	case "node.env":
		cfg.Node.Env = parseStringList(value)

	// Supervisor
	case "supervisor.connectattempts":
		cfg.Supervisor.ConnectAttempts, err = strconv.Atoi(value)
	case "supervisor.connectinterval":
		cfg.Supervisor.ConnectInterval, err = parseDuration(value)
	case "supervisor.stoptimeout":
		cfg.Supervisor.StopTimeout, err = parseDuration(value)
	case "supervisor.graceperiod":
		cfg.Supervisor.GracePeriod, err = parseDuration(value)

	// Streams
	case "broadcast.logbuffer":
		cfg.Broadcast.LogBuffer, err = strconv.Atoi(value)
	case "broadcast.blockbuffer":
		cfg.Broadcast.BlockBuffer, err = strconv.Atoi(value)

	// History
	case "history.backend":
		cfg.History.Backend = strings.ToLower(value)
	case "history.limit":
		cfg.History.Limit, err = strconv.Atoi(value)

	case "metrics.enabled", "metrics":
		cfg.Metrics.Enabled = parseBool(value)

	case "chains.file":
		cfg.Chains.File = value

	// Logging
	case "log.level":
		cfg.Log.Level = strings.ToLower(value)
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return err
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// parseDuration accepts Go durations ("250ms", "3s") or plain milliseconds.
func parseDuration(s string) (time.Duration, error) {
	if ms, err := strconv.Atoi(s); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

// WriteDefaultConfig writes a commented default configuration file.
func WriteDefaultConfig(path string) error {
	content := `# LocalChain manager configuration
#
# Every key can also be set in <datadir>/.env or the environment as
# LOCALCHAIN_<KEY> with dots replaced by underscores, e.g.
# LOCALCHAIN_API_PORT=3001.

# Data directory (default: ~/.localchain)
# datadir = ~/.localchain

# ============================================================================
# HTTP API
# ============================================================================

api.addr = 127.0.0.1
api.port = 3000
api.allowedips = 127.0.0.1,::1
# CORS allowed origins ("*" for all)
# api.corsorigins = http://localhost:5173

# ============================================================================
# Dev node
# ============================================================================

node.binary = anvil
node.host = 127.0.0.1
# Extra arguments appended to every node, space separated
# node.args = --silent
# Extra environment, comma separated KEY=VALUE
# node.env = RUST_LOG=info

# ============================================================================
# Supervisor
# ============================================================================

supervisor.connectattempts = 50
supervisor.connectinterval = 100ms
supervisor.stoptimeout = 10s
supervisor.graceperiod = 3s

# ============================================================================
# Streams and history
# ============================================================================

broadcast.logbuffer = 1024
broadcast.blockbuffer = 1024

# memory or badger (badger is wiped on every start)
history.backend = memory
history.limit = 256

metrics.enabled = true

# JSON file of chains to create at startup
# chains.file = ~/.localchain/chains.json

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}
