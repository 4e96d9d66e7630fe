package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete stylemixerd configuration
type Config struct {
	InstanceID      string           `yaml:"instance_id"`
	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout"` // Graceful shutdown timeout (default: 5s)
	Canvas          CanvasConfig     `yaml:"canvas"`
	Layout          LayoutConfig     `yaml:"layout"`
	InitialStyle    string           `yaml:"initial_style"` // Style document applied when no style is persisted
	Background      BackgroundConfig `yaml:"background"`
	Store           StoreConfig      `yaml:"store"`
	MQTT            MQTTConfig       `yaml:"mqtt"`
	HTTP            HTTPConfig       `yaml:"http"`
	Sources         []SourceConfig   `yaml:"sources"`
}

// CanvasConfig contains the output canvas settings
type CanvasConfig struct {
	Width     int    `yaml:"width"`
	Height    int    `yaml:"height"`
	FrameRate int    `yaml:"frame_rate"`
	Output    string `yaml:"output"` // launch fragment for the output branch
}

// LayoutConfig seeds the tile layout
type LayoutConfig struct {
	MaxViews   int    `yaml:"max_views"`
	PadX       *int   `yaml:"pad_x,omitempty"` // nil means width/10
	PadY       *int   `yaml:"pad_y,omitempty"` // nil means height/10
	LineWeight *int   `yaml:"line_weight,omitempty"`
	FontDesc   string `yaml:"font_desc"`
}

// BackgroundConfig controls background image downloads
type BackgroundConfig struct {
	ScratchDir   string        `yaml:"scratch_dir"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	MaxRetries   int           `yaml:"max_retries"`
}

// StoreConfig controls style persistence
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker   string     `yaml:"broker"` // empty disables the control plane
	ClientID string     `yaml:"client_id"`
	QoS      byte       `yaml:"qos"`
	Topics   MQTTTopics `yaml:"topics"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control string `yaml:"control"`
	Status  string `yaml:"status"`
	Layout  string `yaml:"layout"`
}

// HTTPConfig contains the admin server settings
type HTTPConfig struct {
	Addr string `yaml:"addr"` // empty disables the admin server
}

// SourceConfig is a source attached at startup
type SourceConfig struct {
	URI    string `yaml:"uri"`
	ViewID int    `yaml:"view_id"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	return &cfg, nil
}
