// Copyright 2024-2026 Aiku AI

package bridge

import (
	_ "embed"
	"fmt"
	"strings"

	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// MatrixConfig holds the Room-Platform connection settings.
type MatrixConfig struct {
	HomeserverURL     string `yaml:"homeserver_url"`
	UserID            string `yaml:"user_id"`
	AccessToken       string `yaml:"access_token"`
	AppserviceBotMXID string `yaml:"appservice_bot_mxid"`
	SpaceID           string `yaml:"space_id"`
}

// MattermostConfig holds the Channel-Platform connection settings.
type MattermostConfig struct {
	ServerURL        string `yaml:"server_url"`
	Token            string `yaml:"token"`
	TeamID           string `yaml:"team_id"`
	EventBotUsername string `yaml:"event_bot_username"`
}

// BridgeConfig holds the synchronization behavior settings.
type BridgeConfig struct {
	RoomAliasTemplates []string `yaml:"room_alias_templates"`
	RoomNameTemplate   string   `yaml:"room_name_template"`
	ArchivePrefix      string   `yaml:"archive_prefix"`
	RoomAvatarURL      string   `yaml:"room_avatar_url"`
	MakePublic         bool     `yaml:"make_public"`
	UsersToInvite      []string `yaml:"users_to_invite"`
	UsersAsAdmin       []string `yaml:"users_as_admin"`
	AllowAtRoom        bool     `yaml:"allow_at_room"`
	AnnounceRoom       string   `yaml:"announce_room"`
	WelcomeMessage     string   `yaml:"welcome_message"`
}

// Config is the top-level roomsync configuration.
type Config struct {
	Matrix       MatrixConfig     `yaml:"matrix"`
	Mattermost   MattermostConfig `yaml:"mattermost"`
	Database     string           `yaml:"database"`
	AdminAPIAddr string           `yaml:"admin_api_addr"`
	Bridge       BridgeConfig     `yaml:"bridge"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess validates the config and fills defaults.
func (c *Config) PostProcess() error {
	if len(c.Bridge.RoomAliasTemplates) == 0 {
		return fmt.Errorf("bridge.room_alias_templates must contain at least one template")
	}
	for _, tpl := range c.Bridge.RoomAliasTemplates {
		if !strings.Contains(tpl, namePlaceholder) {
			return fmt.Errorf("alias template %q is missing the %s placeholder", tpl, namePlaceholder)
		}
	}
	if c.Bridge.RoomNameTemplate == "" {
		c.Bridge.RoomNameTemplate = namePlaceholder
	}
	if c.Bridge.ArchivePrefix == "" {
		c.Bridge.ArchivePrefix = "[Archived] "
	}
	if c.Database == "" {
		c.Database = "file:roomsync.db?_txlock=immediate"
	}
	return nil
}

// CanonicalAliasTemplate is the first alias template, used for reverse
// lookups so the inverse of FormatName stays well-defined.
func (c *Config) CanonicalAliasTemplate() string {
	return c.Bridge.RoomAliasTemplates[0]
}

// LoadConfig reads a config file, upgrades it in place against the example
// config (filling in newly added keys), and validates the result.
func LoadConfig(path string) (*Config, error) {
	_, upgrader := ConfigUpgrader()
	data, _, err := up.Do(path, true, upgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "matrix", "homeserver_url")
	helper.Copy(up.Str, "matrix", "user_id")
	helper.Copy(up.Str, "matrix", "access_token")
	helper.Copy(up.Str, "matrix", "appservice_bot_mxid")
	helper.Copy(up.Str, "matrix", "space_id")
	helper.Copy(up.Str, "mattermost", "server_url")
	helper.Copy(up.Str, "mattermost", "token")
	helper.Copy(up.Str, "mattermost", "team_id")
	helper.Copy(up.Str, "mattermost", "event_bot_username")
	helper.Copy(up.Str, "database")
	helper.Copy(up.Str, "admin_api_addr")
	helper.Copy(up.List, "bridge", "room_alias_templates")
	helper.Copy(up.Str, "bridge", "room_name_template")
	helper.Copy(up.Str, "bridge", "archive_prefix")
	helper.Copy(up.Str, "bridge", "room_avatar_url")
	helper.Copy(up.Bool, "bridge", "make_public")
	helper.Copy(up.List, "bridge", "users_to_invite")
	helper.Copy(up.List, "bridge", "users_as_admin")
	helper.Copy(up.Bool, "bridge", "allow_at_room")
	helper.Copy(up.Str, "bridge", "announce_room")
	helper.Copy(up.Str, "bridge", "welcome_message")
}

// ConfigUpgrader returns the example config and the upgrader applied by
// LoadConfig.
func ConfigUpgrader() (example string, upgrader up.BaseUpgrader) {
	return ExampleConfig, &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks:         nil,
		Base:           ExampleConfig,
	}
}
