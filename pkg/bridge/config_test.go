// Copyright 2024-2026 Aiku AI

package bridge

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestConfigUnmarshalYAML(t *testing.T) {
	t.Parallel()
	input := `
matrix:
    homeserver_url: https://matrix.example.com
    user_id: "@roomsync:example.com"
    space_id: "!space:example.com"
mattermost:
    server_url: http://mm.local:8065
    token: secret
bridge:
    room_alias_templates:
        - "#bridge-{name}:example.com"
    make_public: true
`
	var cfg Config
	if err := yaml.Unmarshal([]byte(input), &cfg); err != nil {
		t.Fatalf("UnmarshalYAML: %v", err)
	}
	if cfg.Matrix.HomeserverURL != "https://matrix.example.com" {
		t.Errorf("HomeserverURL: got %q", cfg.Matrix.HomeserverURL)
	}
	if cfg.Mattermost.ServerURL != "http://mm.local:8065" {
		t.Errorf("ServerURL: got %q", cfg.Mattermost.ServerURL)
	}
	if !cfg.Bridge.MakePublic {
		t.Error("MakePublic should be true")
	}
	if len(cfg.Bridge.RoomAliasTemplates) != 1 {
		t.Fatalf("RoomAliasTemplates: got %v", cfg.Bridge.RoomAliasTemplates)
	}
}

func TestConfigPostProcessDefaults(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Bridge: BridgeConfig{
			RoomAliasTemplates: []string{"#bridge-{name}:example.com"},
		},
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	if cfg.Bridge.RoomNameTemplate != "{name}" {
		t.Errorf("RoomNameTemplate default: got %q", cfg.Bridge.RoomNameTemplate)
	}
	if cfg.Bridge.ArchivePrefix != "[Archived] " {
		t.Errorf("ArchivePrefix default: got %q", cfg.Bridge.ArchivePrefix)
	}
	if cfg.Database == "" {
		t.Error("Database default should be set")
	}
}

func TestConfigPostProcessRejectsBadTemplates(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		templates []string
	}{
		{name: "empty", templates: nil},
		{name: "missing placeholder", templates: []string{"#bridge:example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{Bridge: BridgeConfig{RoomAliasTemplates: tt.templates}}
			if err := cfg.PostProcess(); err == nil {
				t.Error("PostProcess should reject invalid alias templates")
			}
		})
	}
}

func TestExampleConfigIsValid(t *testing.T) {
	t.Parallel()
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		t.Fatalf("example config does not parse: %v", err)
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("example config does not validate: %v", err)
	}
}

func TestLoadConfigFillsMissingKeys(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	input := `
matrix:
    homeserver_url: https://matrix.example.com
mattermost:
    server_url: http://mm.local:8065
`
	if err := os.WriteFile(path, []byte(input), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Matrix.HomeserverURL != "https://matrix.example.com" {
		t.Errorf("HomeserverURL: got %q", cfg.Matrix.HomeserverURL)
	}
	// Keys absent from the file are filled in from the example config.
	if len(cfg.Bridge.RoomAliasTemplates) == 0 {
		t.Error("RoomAliasTemplates should be filled from the example config")
	}
}

func TestCanonicalAliasTemplate(t *testing.T) {
	t.Parallel()
	cfg := &Config{Bridge: BridgeConfig{
		RoomAliasTemplates: []string{"#a-{name}:x", "#b-{name}:x"},
	}}
	if got := cfg.CanonicalAliasTemplate(); got != "#a-{name}:x" {
		t.Errorf("CanonicalAliasTemplate = %q, want first template", got)
	}
}
