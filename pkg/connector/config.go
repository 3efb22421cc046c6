// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/mattermost-sbs/pkg/sbs"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the whole bridge configuration.
type Config struct {
	Mattermost MattermostConfig `yaml:"mattermost"`
	SBS        SBSConfig        `yaml:"sbs"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	State      StateConfig      `yaml:"state"`
	// AdminAPIAddr is the listen address for the admin HTTP API. Empty
	// disables it.
	AdminAPIAddr string            `yaml:"admin_api_addr"`
	Logging      zeroconfig.Config `yaml:"logging"`

	displaynameTemplate *template.Template `yaml:"-"`
}

type MattermostConfig struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	// BotPrefix is a username prefix for echo prevention. Any Mattermost
	// username starting with this prefix is treated as a bridge-managed bot
	// and its posts are not relayed. Leave empty to disable prefix-based
	// filtering.
	BotPrefix string `yaml:"bot_prefix"`
}

type SBSConfig struct {
	APIURL         string           `yaml:"api_url"`
	Username       string           `yaml:"username"`
	Password       string           `yaml:"password"`
	Token          string           `yaml:"token"`
	Listener       sbs.ListenerType `yaml:"listener"`
	RequestTimeout int              `yaml:"request_timeout"`
	RateLimitWait  int              `yaml:"rate_limit_wait"`
	RetryMax       int              `yaml:"retry_max"`
	Markup         string           `yaml:"markup"`
	AvatarBucket   string           `yaml:"avatar_bucket"`
	AvatarSize     int              `yaml:"avatar_size"`
}

type BridgeConfig struct {
	DisplaynameTemplate string           `yaml:"displayname_template"`
	CorrelationCapacity int              `yaml:"correlation_capacity"`
	IngestBatchLimit    int              `yaml:"ingest_batch_limit"`
	DrainInterval       int              `yaml:"drain_interval"`
	SnapshotInterval    int              `yaml:"snapshot_interval"`
	Channels            []ChannelBinding `yaml:"channels"`
}

// StateType selects the StateStore backend.
type StateType string

const (
	StateFile  StateType = "file"
	StateRedis StateType = "redis"
)

type StateConfig struct {
	Type     StateType `yaml:"type"`
	Path     string    `yaml:"path"`
	RedisURL string    `yaml:"redis_url"`
	RedisKey string    `yaml:"redis_key"`
}

// DisplaynameParams holds the parameters for rendering the displayname template.
type DisplaynameParams struct {
	ID       int64
	Username string
	Avatar   int64
	Super    bool
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess compiles templates, fills defaults for unset numbers and
// validates enumerations.
func (c *Config) PostProcess() error {
	var err error
	c.displaynameTemplate, err = template.New("displayname").Parse(c.Bridge.DisplaynameTemplate)
	if err != nil {
		return fmt.Errorf("invalid displayname_template: %w", err)
	}

	switch c.SBS.Listener {
	case "":
		c.SBS.Listener = sbs.ListenerPoll
	case sbs.ListenerPoll, sbs.ListenerWebSocket:
	default:
		return fmt.Errorf("unknown sbs.listener %q", c.SBS.Listener)
	}
	switch c.State.Type {
	case "":
		c.State.Type = StateFile
	case StateFile, StateRedis:
	default:
		return fmt.Errorf("unknown state.type %q", c.State.Type)
	}

	if c.SBS.APIURL == "" {
		c.SBS.APIURL = sbs.DefaultAPIURL
	}
	if c.SBS.Markup == "" {
		c.SBS.Markup = sbs.Markup12y
	}
	if c.SBS.AvatarBucket == "" {
		c.SBS.AvatarBucket = DefaultAvatarBucket
	}
	if c.SBS.AvatarSize <= 0 {
		c.SBS.AvatarSize = DefaultAvatarSize
	}
	if c.Bridge.CorrelationCapacity <= 0 {
		c.Bridge.CorrelationCapacity = DefaultCorrelationCapacity
	}
	if c.Bridge.IngestBatchLimit < 0 {
		c.Bridge.IngestBatchLimit = 0
	}
	if c.State.Path == "" {
		c.State.Path = "save.json"
	}
	if c.State.RedisKey == "" {
		c.State.RedisKey = "mattermost-sbs:state"
	}
	for _, b := range c.Bridge.Channels {
		if !ValidChannelID(b.LocalChannelID) || b.RemoteRoomID <= 0 {
			return fmt.Errorf("invalid channel binding %q -> %d", b.LocalChannelID, b.RemoteRoomID)
		}
	}
	return nil
}

// ApplyEnv overrides secrets and the admin address from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	override := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	override(&c.Mattermost.Token, "MATTERMOST_TOKEN")
	override(&c.Mattermost.Password, "MATTERMOST_PASSWORD")
	override(&c.SBS.Password, "SBS_PASSWORD")
	override(&c.SBS.Token, "SBS_TOKEN")
	override(&c.AdminAPIAddr, "BRIDGE_API_ADDR")
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "mattermost", "server_url")
	helper.Copy(up.Str, "mattermost", "token")
	helper.Copy(up.Str, "mattermost", "username")
	helper.Copy(up.Str, "mattermost", "password")
	helper.Copy(up.Str, "mattermost", "bot_prefix")

	helper.Copy(up.Str, "sbs", "api_url")
	helper.Copy(up.Str, "sbs", "username")
	helper.Copy(up.Str, "sbs", "password")
	helper.Copy(up.Str, "sbs", "token")
	helper.Copy(up.Str, "sbs", "listener")
	helper.Copy(up.Int, "sbs", "request_timeout")
	helper.Copy(up.Int, "sbs", "rate_limit_wait")
	helper.Copy(up.Int, "sbs", "retry_max")
	helper.Copy(up.Str, "sbs", "markup")
	helper.Copy(up.Str, "sbs", "avatar_bucket")
	helper.Copy(up.Int, "sbs", "avatar_size")

	helper.Copy(up.Str, "bridge", "displayname_template")
	helper.Copy(up.Int, "bridge", "correlation_capacity")
	helper.Copy(up.Int, "bridge", "ingest_batch_limit")
	helper.Copy(up.Int, "bridge", "drain_interval")
	helper.Copy(up.Int, "bridge", "snapshot_interval")
	helper.Copy(up.List, "bridge", "channels")

	helper.Copy(up.Str, "state", "type")
	helper.Copy(up.Str, "state", "path")
	helper.Copy(up.Str, "state", "redis_url")
	helper.Copy(up.Str, "state", "redis_key")

	helper.Copy(up.Str, "admin_api_addr")
	helper.Copy(up.Map, "logging")
}

// Upgrader merges a user config into the embedded example config.
func Upgrader() up.Upgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks:         nil,
		Base:           ExampleConfig,
	}
}

// ParseConfig merges data over the example config, then decodes and
// post-processes the result.
func ParseConfig(data []byte) (*Config, error) {
	var baseNode, cfgNode yaml.Node
	if err := yaml.Unmarshal([]byte(ExampleConfig), &baseNode); err != nil {
		return nil, fmt.Errorf("failed to parse example config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfgNode); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(cfgNode.Content) > 0 {
		Upgrader().DoUpgrade(up.NewHelper(&baseNode, &cfgNode))
	}

	var cfg Config
	if err := baseNode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig reads the config file at path and applies environment
// overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

// FormatDisplayname generates a display name from the template and params.
func (c *Config) FormatDisplayname(params DisplaynameParams) string {
	if c.displaynameTemplate == nil {
		return params.Username
	}
	var sb strings.Builder
	if err := c.displaynameTemplate.Execute(&sb, params); err != nil {
		return params.Username
	}
	return sb.String()
}

// DisplayName renders the Mattermost name of an SBS user.
func (c *Config) DisplayName(user *sbs.User) string {
	return c.FormatDisplayname(DisplaynameParams{
		ID:       user.ID,
		Username: user.Username,
		Avatar:   user.Avatar,
		Super:    user.Super,
	})
}

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// ListenerOptions converts the sbs section into listener tuning.
func (c *Config) ListenerOptions() sbs.ListenerOptions {
	return sbs.ListenerOptions{
		RateLimitWait: millis(c.SBS.RateLimitWait),
		RetryMax:      millis(c.SBS.RetryMax),
	}
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.SBS.RequestTimeout) * time.Second
}

func (c *Config) DrainInterval() time.Duration {
	if c.Bridge.DrainInterval <= 0 {
		return 500 * time.Millisecond
	}
	return millis(c.Bridge.DrainInterval)
}

func (c *Config) SnapshotInterval() time.Duration {
	if c.Bridge.SnapshotInterval <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Bridge.SnapshotInterval) * time.Second
}
