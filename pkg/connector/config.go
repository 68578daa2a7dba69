// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"strings"
	"text/template"
	"time"

	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"

	"github.com/aiku/mautrix-slackpuppet/pkg/connector/slackfmt"
	"github.com/aiku/mautrix-slackpuppet/pkg/connector/slackrtm"
)

//go:embed example-config.yaml
var ExampleConfig string

const (
	defaultTypingTimeout    = 5
	defaultBackfillMaxCount = 100
	defaultEchoCacheSize    = 512
	defaultLookupsPerMinute = 50
)

// Config holds the Slack connector configuration.
type Config struct {
	DisplaynameTemplate string `yaml:"displayname_template"`
	// TeamDomain restricts logins to one workspace, such as "acme" for
	// acme.slack.com. Empty allows any workspace.
	TeamDomain string `yaml:"team_domain"`
	// APIURL overrides the Slack Web API base URL.
	APIURL string `yaml:"api_url"`

	// ReconnectDelay is the wait in seconds before reconnecting after an
	// unexpected disconnect.
	ReconnectDelay         int `yaml:"reconnect_delay"`
	TypingTimeout          int `yaml:"typing_timeout"`
	RemoteLookupsPerMinute int `yaml:"remote_lookups_per_minute"`

	// Notify maps Slack broadcast commands (channel, here, everyone) to the
	// text they render as. "@room" also pings the room.
	Notify       map[string]string `yaml:"notify"`
	EmojiAliases map[string]string `yaml:"emoji_aliases"`

	BackfillEnabled  bool `yaml:"backfill_enabled"`
	BackfillMaxCount int  `yaml:"backfill_max_count"`
	EchoCacheSize    int  `yaml:"echo_cache_size"`

	displaynameTemplate *template.Template `yaml:"-"`
}

// DisplaynameParams holds the parameters for rendering the displayname template.
type DisplaynameParams struct {
	Name     string
	RealName string
	ID       string
	IsBot    bool
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

func (c *Config) PostProcess() error {
	var err error
	c.displaynameTemplate, err = template.New("displayname").Parse(c.DisplaynameTemplate)
	return err
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "displayname_template")
	helper.Copy(up.Str|up.Null, "team_domain")
	helper.Copy(up.Str|up.Null, "api_url")
	helper.Copy(up.Int, "reconnect_delay")
	helper.Copy(up.Int, "typing_timeout")
	helper.Copy(up.Int, "remote_lookups_per_minute")
	helper.Copy(up.Map, "notify")
	helper.Copy(up.Map, "emoji_aliases")
	helper.Copy(up.Bool, "backfill_enabled")
	helper.Copy(up.Int, "backfill_max_count")
	helper.Copy(up.Int, "echo_cache_size")
}

func (sc *SlackConnector) GetConfig() (example string, data any, upgrader up.Upgrader) {
	return ExampleConfig, &sc.Config, &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks: [][]string{
			{"notify"},
			{"backfill_enabled"},
		},
		Base: ExampleConfig,
	}
}

// FormatDisplayname generates a display name from the template and params.
func (c *Config) FormatDisplayname(params DisplaynameParams) string {
	fallback := params.RealName
	if fallback == "" {
		fallback = params.Name
	}
	if c.displaynameTemplate == nil {
		return fallback
	}
	var sb strings.Builder
	if err := c.displaynameTemplate.Execute(&sb, params); err != nil {
		return fallback
	}
	if name := strings.TrimSpace(sb.String()); name != "" {
		return name
	}
	return fallback
}

func (c *Config) reconnectDelay() time.Duration {
	if c.ReconnectDelay <= 0 {
		return slackrtm.DefaultReconnectDelay
	}
	return time.Duration(c.ReconnectDelay) * time.Second
}

func (c *Config) typingTimeout() time.Duration {
	if c.TypingTimeout <= 0 {
		return defaultTypingTimeout * time.Second
	}
	return time.Duration(c.TypingTimeout) * time.Second
}

func (c *Config) lookupsPerMinute() int {
	if c.RemoteLookupsPerMinute <= 0 {
		return defaultLookupsPerMinute
	}
	return c.RemoteLookupsPerMinute
}

func (c *Config) backfillMaxCount() int {
	if c.BackfillMaxCount <= 0 {
		return defaultBackfillMaxCount
	}
	return c.BackfillMaxCount
}

func (c *Config) echoCacheSize() int {
	if c.EchoCacheSize <= 0 {
		return defaultEchoCacheSize
	}
	return c.EchoCacheSize
}

// notifyPolicy merges the configured broadcast mapping over the defaults.
func (c *Config) notifyPolicy() slackfmt.NotifyPolicy {
	policy := slackfmt.DefaultNotifyPolicy()
	for cmd, text := range c.Notify {
		policy[cmd] = text
	}
	return policy
}
