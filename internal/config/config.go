// Package config provides YAML-based configuration loading for meshnode.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Pallinder/go-randomdata"
	"github.com/spf13/viper"

	"github.com/ripplebiz/MeshCore/internal/radio"
)

const (
	RoleRepeater  = "repeater"
	RoleCompanion = "companion"
)

// Config is the root application configuration.
type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Radio     RadioConfig     `mapstructure:"radio"`
	Log       LogConfig       `mapstructure:"log"`
	Bridge    BridgeConfig    `mapstructure:"bridge"`
	Companion CompanionConfig `mapstructure:"companion"`
	API       APIConfig       `mapstructure:"api"`
}

// NodeConfig holds identity and sizing of the node itself.
type NodeConfig struct {
	// Role: repeater or companion
	Role string `mapstructure:"role"`
	// DataDir holds the identity file and the bbolt store
	DataDir string `mapstructure:"data_dir"`
	// Name is the advert name used on first boot; later the stored prefs win
	Name       string `mapstructure:"name"`
	PoolSize   int    `mapstructure:"pool_size"`
	QueueSize  int    `mapstructure:"queue_size"`
	MaxClients int    `mapstructure:"max_clients"`
	// TickMS is the poll loop interval
	TickMS int `mapstructure:"tick_ms"`
}

// RadioConfig selects and tunes the radio driver.
type RadioConfig struct {
	// Kind: tcp (radio emulated over TCP links) or sim (in-process, no peers)
	Kind         string   `mapstructure:"kind"`
	Listen       string   `mapstructure:"listen"`
	Peers        []string `mapstructure:"peers"`
	FreqMHz      float64  `mapstructure:"freq"`
	BandwidthKHz float64  `mapstructure:"bw"`
	SF           uint8    `mapstructure:"sf"`
	CR           uint8    `mapstructure:"cr"`
	TxPowerDBm   int8     `mapstructure:"tx_power"`
	SNR          float32  `mapstructure:"snr"`
	RSSI         float32  `mapstructure:"rssi"`
}

// Params returns the modem settings.
func (r RadioConfig) Params() radio.Params {
	p := radio.DefaultParams()
	p.FreqMHz, p.BandwidthKHz, p.SF, p.CR, p.TxPowerDBm = r.FreqMHz, r.BandwidthKHz, r.SF, r.CR, r.TxPowerDBm
	return p
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// BridgeConfig enables the UDP bridge.
type BridgeConfig struct {
	Enable bool     `mapstructure:"enable"`
	Listen string   `mapstructure:"listen"`
	Peers  []string `mapstructure:"peers"`
	// Mode: comma list of rx, tx, network
	Mode string `mapstructure:"mode"`
	// Envelope layout; both ends must agree
	Version   uint8 `mapstructure:"version"`
	Radio     bool  `mapstructure:"radio"`
	Signal    bool  `mapstructure:"signal"`
	Timestamp bool  `mapstructure:"timestamp"`
	// Trusted sender Ed25519 keys in hex; empty trusts any signed envelope
	Trusted []string `mapstructure:"trusted"`
}

// CompanionConfig configures the client role.
type CompanionConfig struct {
	// Listen is the websocket address the app connects to
	Listen      string          `mapstructure:"listen"`
	MaxContacts int             `mapstructure:"max_contacts"`
	Channels    []ChannelConfig `mapstructure:"channels"`
}

// ChannelConfig is one group channel.
type ChannelConfig struct {
	Name       string `mapstructure:"name"`
	Passphrase string `mapstructure:"passphrase"`
}

// APIConfig configures the HTTP operations API.
type APIConfig struct {
	Enable bool   `mapstructure:"enable"`
	Listen string `mapstructure:"listen"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	p := radio.DefaultParams()
	return &Config{
		Node: NodeConfig{
			Role:       RoleRepeater,
			DataDir:    "./data",
			PoolSize:   32,
			QueueSize:  32,
			MaxClients: 4,
			TickMS:     1,
		},
		Radio: RadioConfig{
			Kind:         "tcp",
			Listen:       ":4242",
			FreqMHz:      p.FreqMHz,
			BandwidthKHz: p.BandwidthKHz,
			SF:           p.SF,
			CR:           p.CR,
			TxPowerDBm:   p.TxPowerDBm,
			SNR:          10,
			RSSI:         -60,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stdout"},
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/meshnode.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Bridge: BridgeConfig{
			Listen:    ":5005",
			Mode:      "rx,network",
			Version:   1,
			Radio:     true,
			Signal:    true,
			Timestamp: true,
		},
		Companion: CompanionConfig{
			Listen:      "127.0.0.1:5000",
			MaxContacts: 100,
			Channels:    []ChannelConfig{{Name: "public", Passphrase: "public"}},
		},
		API: APIConfig{
			Enable: true,
			Listen: "127.0.0.1:8080",
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix MESHNODE and `.`/`-` are replaced with `_`.
// Example: MESHNODE_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MESHNODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("node.role", cfg.Node.Role)
	v.SetDefault("node.data_dir", cfg.Node.DataDir)
	v.SetDefault("node.name", cfg.Node.Name)
	v.SetDefault("node.pool_size", cfg.Node.PoolSize)
	v.SetDefault("node.queue_size", cfg.Node.QueueSize)
	v.SetDefault("node.max_clients", cfg.Node.MaxClients)
	v.SetDefault("node.tick_ms", cfg.Node.TickMS)
	v.SetDefault("radio.kind", cfg.Radio.Kind)
	v.SetDefault("radio.listen", cfg.Radio.Listen)
	v.SetDefault("radio.peers", cfg.Radio.Peers)
	v.SetDefault("radio.freq", cfg.Radio.FreqMHz)
	v.SetDefault("radio.bw", cfg.Radio.BandwidthKHz)
	v.SetDefault("radio.sf", cfg.Radio.SF)
	v.SetDefault("radio.cr", cfg.Radio.CR)
	v.SetDefault("radio.tx_power", cfg.Radio.TxPowerDBm)
	v.SetDefault("radio.snr", cfg.Radio.SNR)
	v.SetDefault("radio.rssi", cfg.Radio.RSSI)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("bridge.enable", cfg.Bridge.Enable)
	v.SetDefault("bridge.listen", cfg.Bridge.Listen)
	v.SetDefault("bridge.peers", cfg.Bridge.Peers)
	v.SetDefault("bridge.mode", cfg.Bridge.Mode)
	v.SetDefault("bridge.version", cfg.Bridge.Version)
	v.SetDefault("bridge.radio", cfg.Bridge.Radio)
	v.SetDefault("bridge.signal", cfg.Bridge.Signal)
	v.SetDefault("bridge.timestamp", cfg.Bridge.Timestamp)
	v.SetDefault("bridge.trusted", cfg.Bridge.Trusted)
	v.SetDefault("companion.listen", cfg.Companion.Listen)
	v.SetDefault("companion.max_contacts", cfg.Companion.MaxContacts)
	v.SetDefault("companion.channels", cfg.Companion.Channels)
	v.SetDefault("api.enable", cfg.API.Enable)
	v.SetDefault("api.listen", cfg.API.Listen)

	// Choose config file
	if path == "" {
		if envPath := os.Getenv("MESHNODE_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("meshnode")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".meshnode"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	c.Node.Role = strings.ToLower(strings.TrimSpace(c.Node.Role))
	switch c.Node.Role {
	case RoleRepeater, RoleCompanion:
	default:
		return fmt.Errorf("invalid node.role: %q", c.Node.Role)
	}
	if strings.TrimSpace(c.Node.Name) == "" {
		c.Node.Name = randomdata.SillyName()
	}
	if c.Node.PoolSize <= 0 || c.Node.QueueSize <= 0 {
		return fmt.Errorf("invalid node.pool_size/queue_size: %d/%d", c.Node.PoolSize, c.Node.QueueSize)
	}
	if c.Node.TickMS <= 0 {
		c.Node.TickMS = 1
	}

	c.Radio.Kind = strings.ToLower(strings.TrimSpace(c.Radio.Kind))
	switch c.Radio.Kind {
	case "tcp", "sim":
	default:
		return fmt.Errorf("invalid radio.kind: %q", c.Radio.Kind)
	}
	if err := c.Radio.Params().Validate(); err != nil {
		return fmt.Errorf("radio: %w", err)
	}
	if c.Bridge.Version == 0 {
		return errors.New("bridge.version must be non-zero")
	}
	return nil
}
