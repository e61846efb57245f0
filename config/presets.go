package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Klingon-tech/localchain/pkg/types"
)

// Preset is a chain declared in the chains file.
type Preset struct {
	types.ChainConfig
	AutoStart bool `json:"autostart"`
}

// LoadPresets reads a JSON array of presets. An empty path yields none.
func LoadPresets(path string) ([]Preset, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chains file: %w", err)
	}

	var presets []Preset
	if err := json.Unmarshal(data, &presets); err != nil {
		return nil, fmt.Errorf("parse chains file %s: %w", path, err)
	}
	if err := ValidatePresets(presets); err != nil {
		return nil, fmt.Errorf("chains file %s: %w", path, err)
	}
	return presets, nil
}

// ValidatePresets checks every preset and rejects duplicate ids or ports.
func ValidatePresets(presets []Preset) error {
	ids := make(map[uint64]int, len(presets))
	ports := make(map[uint16]int, len(presets))
	for i, p := range presets {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("chain %d: %w", i, err)
		}
		if j, dup := ids[p.ID]; dup {
			return fmt.Errorf("chain %d: id %d already used by chain %d", i, p.ID, j)
		}
		if j, dup := ports[p.Port]; dup {
			return fmt.Errorf("chain %d: port %d already used by chain %d", i, p.Port, j)
		}
		ids[p.ID] = i
		ports[p.Port] = i
	}
	return nil
}
