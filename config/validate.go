package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/Klingon-tech/localchain/internal/log"
	"github.com/Klingon-tech/localchain/internal/storage"
)

// Validate checks the configuration for operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.API.Port <= 0 || cfg.API.Port > 65535 {
		return fmt.Errorf("api.port must be in range [1, 65535]")
	}
	for _, ip := range cfg.API.AllowedIPs {
		if net.ParseIP(ip) == nil {
			if _, _, err := net.ParseCIDR(ip); err != nil {
				return fmt.Errorf("api.allowedips: %q is not an IP or CIDR", ip)
			}
		}
	}
	if cfg.Node.Binary == "" {
		return fmt.Errorf("node.binary is required")
	}
	for _, kv := range cfg.Node.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("node.env: %q is not KEY=VALUE", kv)
		}
	}
	if cfg.Supervisor.ConnectAttempts < 1 {
		return fmt.Errorf("supervisor.connectattempts must be at least 1")
	}
	if cfg.Supervisor.ConnectInterval <= 0 {
		return fmt.Errorf("supervisor.connectinterval must be positive")
	}
	if cfg.Supervisor.StopTimeout <= 0 {
		return fmt.Errorf("supervisor.stoptimeout must be positive")
	}
	if cfg.Broadcast.LogBuffer < 1 || cfg.Broadcast.BlockBuffer < 1 {
		return fmt.Errorf("broadcast buffers must be at least 1")
	}
	switch cfg.History.Backend {
	case storage.BackendMemory, storage.BackendBadger:
	default:
		return fmt.Errorf("history.backend must be %q or %q", storage.BackendMemory, storage.BackendBadger)
	}
	if cfg.History.Limit < 1 {
		return fmt.Errorf("history.limit must be at least 1")
	}
	if !log.ValidLevel(cfg.Log.Level) {
		return fmt.Errorf("log.level must be trace, debug, info, warn or error")
	}
	return nil
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
