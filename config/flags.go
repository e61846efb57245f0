package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// Version is reported by --version.
var Version = "0.1.0"

// ErrVersion is returned by LoadArgs when --version was requested.
var ErrVersion = errors.New("version requested")

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help    bool
	Version bool

	// Core
	DataDir string
	Config  string
	EnvFile string

	// API
	APIAddr    string
	APIPort    int
	APIAllowed string
	APICORS    string

	// Node
	NodeBinary string
	NodeHost   string
	NodeArgs   string

	// History
	History      string
	HistoryLimit int

	// Chains
	Chains string

	Metrics bool

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Remaining args
	Args []string

	// Explicitly-set bool flags (for true/false overrides).
	SetMetrics bool
	SetLogJSON bool
}

// ParseFlags parses command-line flags from args (without the program name).
func ParseFlags(args []string) (*Flags, error) {
	f := &Flags{}
	fs := flag.NewFlagSet("localchaind", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	// Commands
	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	// Core
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")
	fs.StringVar(&f.EnvFile, "env-file", "", "Additional .env file")

	// API
	fs.StringVar(&f.APIAddr, "api-addr", "", "API listen address")
	fs.IntVar(&f.APIPort, "api-port", 0, "API listen port")
	fs.StringVar(&f.APIAllowed, "api-allowed", "", "Allowed client IPs or CIDRs (comma-separated)")
	fs.StringVar(&f.APICORS, "api-cors", "", "Allowed CORS origins (comma-separated)")

	// Node
	fs.StringVar(&f.NodeBinary, "node-binary", "", "Dev node executable")
	fs.StringVar(&f.NodeHost, "node-host", "", "Host the dev nodes listen on")
	fs.StringVar(&f.NodeArgs, "node-args", "", "Extra node arguments (space-separated)")

	// History
	fs.StringVar(&f.History, "history", "", "Block history backend: memory or badger")
	fs.IntVar(&f.HistoryLimit, "history-limit", 0, "Blocks kept per chain")

	fs.StringVar(&f.Chains, "chains", "", "JSON file of chains to create at startup")
	fs.BoolVar(&f.Metrics, "metrics", true, "Serve /metrics")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	f.SetMetrics = isFlagSet(fs, "metrics")
	f.SetLogJSON = isFlagSet(fs, "log-json")
	f.Args = fs.Args()

	// A positional argument stops the parser; anything flag-like after it
	// was silently ignored.
	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			return nil, fmt.Errorf("flag %q was not parsed (positional argument stopped parsing)", arg)
		}
	}

	return f, nil
}

// ApplyFlags applies command-line flags to a Config struct.
func ApplyFlags(cfg *Config, f *Flags) {
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}

	// API
	if f.APIAddr != "" {
		cfg.API.Addr = f.APIAddr
	}
	if f.APIPort != 0 {
		cfg.API.Port = f.APIPort
	}
	if f.APIAllowed != "" {
		cfg.API.AllowedIPs = parseStringList(f.APIAllowed)
	}
	if f.APICORS != "" {
		cfg.API.CORSOrigins = parseStringList(f.APICORS)
	}

	// Node
	if f.NodeBinary != "" {
		cfg.Node.Binary = f.NodeBinary
	}
	if f.NodeHost != "" {
		cfg.Node.Host = f.NodeHost
	}
	if f.NodeArgs != "" {
		cfg.Node.Args = strings.Fields(f.NodeArgs)
	}

	// History
	if f.History != "" {
		cfg.History.Backend = strings.ToLower(f.History)
	}
	if f.HistoryLimit != 0 {
		cfg.History.Limit = f.HistoryLimit
	}

	if f.Chains != "" {
		cfg.Chains.File = f.Chains
	}
	if f.SetMetrics {
		cfg.Metrics.Enabled = f.Metrics
	}

	// Logging
	if f.LogLevel != "" {
		cfg.Log.Level = strings.ToLower(f.LogLevel)
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
}

func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

// PrintUsage writes the daemon help text to w.
func PrintUsage(w io.Writer) {
	usage := `LocalChain - lifecycle manager for local EVM dev nodes

Usage:
  localchaind [options]
  localchaind --help

Commands:
  --help, -h        Show this help message
  --version, -v     Show version information

Core Options:
  --datadir         Data directory (default: ~/.localchain)
  --config, -c      Config file path (default: <datadir>/localchain.conf)
  --env-file        Extra .env file (LOCALCHAIN_* variables)

API Options:
  --api-addr        API listen address (default: 127.0.0.1)
  --api-port        API port (default: 3000)
  --api-allowed     Allowed client IPs or CIDRs (comma-separated)
  --api-cors        Allowed CORS origins (comma-separated, "*" for all)

Node Options:
  --node-binary     Dev node executable (default: anvil)
  --node-host       Host the nodes listen on (default: 127.0.0.1)
  --node-args       Extra arguments for every node (space-separated)

History Options:
  --history         Block history backend: memory (default) or badger
  --history-limit   Recent blocks kept per chain (default: 256)

Other Options:
  --chains          JSON file of chains to create at startup
  --metrics         Serve Prometheus metrics on /metrics (default: true)

Logging Options:
  --log-level       Log level: trace, debug, info, warn, error (default: info)
  --log-file        Log file path (default: stdout)
  --log-json        Output logs as JSON

Examples:
  # Start with defaults
  localchaind

  # Serve the API on every interface for a LAN
  localchaind --api-addr=0.0.0.0 --api-allowed=192.168.1.0/24

  # Create and start the chains listed in a file
  localchaind --chains=./chains.json
`
	fmt.Fprint(w, usage)
}

// Load loads configuration from os.Args, printing usage or the version
// and exiting when asked for.
func Load() (*Config, *Flags, error) {
	cfg, flags, err := LoadArgs(os.Args[1:])
	switch {
	case errors.Is(err, flag.ErrHelp):
		PrintUsage(os.Stdout)
		os.Exit(0)
	case errors.Is(err, ErrVersion):
		fmt.Printf("localchaind version %s\n", Version)
		os.Exit(0)
	}
	return cfg, flags, err
}

// LoadArgs loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. .env files and LOCALCHAIN_* environment variables
// 5. Command-line flags
func LoadArgs(args []string) (*Config, *Flags, error) {
	flags, err := ParseFlags(args)
	if err != nil {
		return nil, nil, err
	}
	if flags.Help {
		return nil, flags, flag.ErrHelp
	}
	if flags.Version {
		return nil, flags, ErrVersion
	}

	cfg := Default()

	// The data directory decides where the other sources live.
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	} else if v, ok := lookupEnv("datadir"); ok && v != "" {
		cfg.DataDir = v
	}

	if err := EnsureDataDirs(cfg); err != nil {
		return nil, nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}
	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config file: %w", err)
	}
	if err := ApplyValues(cfg, fileValues); err != nil {
		return nil, nil, fmt.Errorf("applying config file: %w", err)
	}

	envValues, err := LoadEnv(cfg.EnvFile(), flags.EnvFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading env: %w", err)
	}
	if err := ApplyValues(cfg, envValues); err != nil {
		return nil, nil, fmt.Errorf("applying env: %w", err)
	}

	ApplyFlags(cfg, flags)
	if err := Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, flags, nil
}

func lookupEnv(key string) (string, bool) {
	return os.LookupEnv(EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
}

// EnsureDataDirs creates the data directory structure and a default config
// file if they don't already exist.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.LogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}

	return nil
}
