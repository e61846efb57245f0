package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadPresets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.json")
	writeFile(t, path, `[
  {"name": "l1", "id": 31337, "port": 8545, "block_time": 1, "autostart": true},
  {"name": "fork", "id": 1, "port": 8546, "block_time": 2, "fork_url": "https://rpc.example.org"}
]`)

	presets, err := LoadPresets(path)
	if err != nil {
		t.Fatalf("LoadPresets: %v", err)
	}
	if len(presets) != 2 {
		t.Fatalf("len = %d, want 2", len(presets))
	}
	if !presets[0].AutoStart || presets[1].AutoStart {
		t.Errorf("autostart = %v/%v, want true/false", presets[0].AutoStart, presets[1].AutoStart)
	}
	if presets[1].ForkURL != "https://rpc.example.org" {
		t.Errorf("fork_url = %q", presets[1].ForkURL)
	}
}

func TestLoadPresets_Empty(t *testing.T) {
	presets, err := LoadPresets("")
	if err != nil || presets != nil {
		t.Fatalf("LoadPresets(\"\") = %v, %v, want nil, nil", presets, err)
	}
}

func TestLoadPresets_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"duplicate id", `[{"id":1,"port":1},{"id":1,"port":2}]`, "id 1 already used"},
		{"duplicate port", `[{"id":1,"port":9},{"id":2,"port":9}]`, "port 9 already used"},
		{"invalid", `[{"id":0,"port":0}]`, "port is required"},
		{"not json", `{`, "parse chains file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "chains.json")
			writeFile(t, path, tt.content)
			_, err := LoadPresets(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}
