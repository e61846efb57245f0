// Package types defines the shared wire types for LocalChain: chain
// configuration and status, normalized blocks and transactions, and log lines.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// ChainStatus is the lifecycle state of a chain instance.
type ChainStatus string

// Chain statuses.
const (
	StatusStopped  ChainStatus = "Stopped"
	StatusStarting ChainStatus = "Starting"
	StatusRunning  ChainStatus = "Running"
	StatusError    ChainStatus = "Error"
)

// Valid reports whether s is a known status.
func (s ChainStatus) Valid() bool {
	switch s {
	case StatusStopped, StatusStarting, StatusRunning, StatusError:
		return true
	}
	return false
}

// ParseChainStatus converts a string into a ChainStatus.
func ParseChainStatus(s string) (ChainStatus, error) {
	st := ChainStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown chain status %q", s)
	}
	return st, nil
}

// UnmarshalJSON rejects unknown statuses. An empty string decodes to Stopped.
func (s *ChainStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == "" {
		*s = StatusStopped
		return nil
	}
	st, err := ParseChainStatus(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ChainConfig is the identity and parameters of one chain instance.
type ChainConfig struct {
	Name      string      `json:"name"`
	ID        uint64      `json:"id"`
	Port      uint16      `json:"port"`
	BlockTime uint64      `json:"block_time"`
	ForkURL   string      `json:"fork_url,omitempty"`
	Status    ChainStatus `json:"status"`
}

// Validate checks the user-supplied fields of a chain configuration.
// Any id is accepted, including 0.
func (c ChainConfig) Validate() error {
	if c.Port == 0 {
		return errors.New("port is required")
	}
	if c.ForkURL != "" {
		u, err := url.Parse(c.ForkURL)
		if err != nil {
			return fmt.Errorf("invalid fork_url: %w", err)
		}
		switch u.Scheme {
		case "http", "https", "ws", "wss":
		default:
			return fmt.Errorf("invalid fork_url scheme %q", u.Scheme)
		}
		if u.Host == "" {
			return errors.New("invalid fork_url: missing host")
		}
	}
	return nil
}

// ChainInfo is the inspect view of a chain: its configuration plus the
// state of the supervised node process.
type ChainInfo struct {
	ChainConfig
	PID        int       `json:"pid,omitempty"`
	Alive      bool      `json:"alive"`
	RPCURL     string    `json:"rpc_url"`
	WSURL      string    `json:"ws_url"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	RSSBytes   uint64    `json:"rss_bytes,omitempty"`
	CPUPercent float64   `json:"cpu_percent,omitempty"`
	LastBlock  uint64    `json:"last_block"`

	LogSubscribers   int `json:"log_subscribers"`
	BlockSubscribers int `json:"block_subscribers"`
}
