package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix is the prefix of environment variables that map to config keys.
const EnvPrefix = "LOCALCHAIN_"

// LoadEnv collects config values from .env files and the process
// environment. Later files override earlier ones and the process
// environment overrides every file. Missing files are skipped.
func LoadEnv(files ...string) (map[string]string, error) {
	merged := make(map[string]string)
	for _, f := range files {
		if f == "" {
			continue
		}
		vars, err := godotenv.Read(f)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for k, v := range vars {
			merged[k] = v
		}
	}
	for _, kv := range os.Environ() {
		k, v, _ := strings.Cut(kv, "=")
		merged[k] = v
	}

	values := make(map[string]string)
	for k, v := range merged {
		if key, ok := envKey(k); ok {
			values[key] = v
		}
	}
	return values, nil
}

// envKey maps LOCALCHAIN_API_PORT to api.port.
func envKey(name string) (string, bool) {
	if !strings.HasPrefix(name, EnvPrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(name, EnvPrefix)
	if rest == "" {
		return "", false
	}
	return strings.ToLower(strings.ReplaceAll(rest, "_", ".")), true
}
