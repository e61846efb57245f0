package node

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/Klingon-tech/localchain/config"
	"github.com/Klingon-tech/localchain/internal/history"
	"github.com/Klingon-tech/localchain/internal/registry"
	"github.com/Klingon-tech/localchain/internal/supervisor"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// supervisorOptions translates the node and supervisor settings.
func supervisorOptions(cfg *config.Config) supervisor.Options {
	return supervisor.Options{
		Binary:          expandHome(cfg.Node.Binary),
		ExtraArgs:       cfg.Node.Args,
		Env:             cfg.Node.Env,
		Host:            cfg.Node.Host,
		ConnectAttempts: uint(cfg.Supervisor.ConnectAttempts),
		ConnectInterval: cfg.Supervisor.ConnectInterval,
		StopTimeout:     cfg.Supervisor.StopTimeout,
		GracePeriod:     cfg.Supervisor.GracePeriod,
	}
}

func registryOptions(cfg *config.Config, hist *history.Store) registry.Options {
	return registry.Options{
		Supervisor:  supervisorOptions(cfg),
		LogBuffer:   cfg.Broadcast.LogBuffer,
		BlockBuffer: cfg.Broadcast.BlockBuffer,
		History:     hist,
	}
}
