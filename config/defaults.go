package config

import "time"

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		API: APIConfig{
			Addr:       "127.0.0.1",
			Port:       3000,
			AllowedIPs: []string{"127.0.0.1", "::1"},
		},
		Node: NodeConfig{
			Binary: "anvil",
			Host:   "127.0.0.1",
		},
		Supervisor: SupervisorConfig{
			ConnectAttempts: 50,
			ConnectInterval: 100 * time.Millisecond,
			StopTimeout:     10 * time.Second,
			GracePeriod:     3 * time.Second,
		},
		Broadcast: BroadcastConfig{
			LogBuffer:   1024,
			BlockBuffer: 1024,
		},
		History: HistoryConfig{
			Backend: "memory",
			Limit:   256,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
