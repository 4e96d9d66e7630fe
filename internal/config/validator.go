package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/google/uuid"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

const (
	defaultWidth           = 1280
	defaultHeight          = 720
	defaultFrameRate       = 15
	defaultMaxViews        = 4
	maxViewsLimit          = 16
	defaultShutdownTimeout = 5 * time.Second
	defaultStorePath       = "stylemixer.db"
)

func applyDefaults(cfg *Config) {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Canvas.Width == 0 {
		cfg.Canvas.Width = defaultWidth
	}
	if cfg.Canvas.Height == 0 {
		cfg.Canvas.Height = defaultHeight
	}
	if cfg.Canvas.FrameRate == 0 {
		cfg.Canvas.FrameRate = defaultFrameRate
	}
	if cfg.Layout.MaxViews == 0 {
		cfg.Layout.MaxViews = defaultMaxViews
	}
	if cfg.Store.Enabled && cfg.Store.Path == "" {
		cfg.Store.Path = defaultStorePath
	}

	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = fmt.Sprintf("stylemixer-%s-%s", cfg.InstanceID, uuid.NewString()[:8])
		}
		if cfg.MQTT.Topics.Control == "" {
			cfg.MQTT.Topics.Control = fmt.Sprintf("mixer/control/%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Status == "" {
			cfg.MQTT.Topics.Status = fmt.Sprintf("mixer/status/%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Layout == "" {
			cfg.MQTT.Topics.Layout = fmt.Sprintf("mixer/layout/%s", cfg.InstanceID)
		}
	}
}

// Validate checks if the configuration is valid. All problems are reported
// together.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.InstanceID == "" {
		errs = append(errs, errors.New("instance_id is required"))
	} else if !instanceIDPattern.MatchString(cfg.InstanceID) {
		errs = append(errs, errors.New("instance_id must match pattern [a-z0-9-]+"))
	}

	if cfg.Canvas.Width <= 0 || cfg.Canvas.Height <= 0 {
		errs = append(errs, fmt.Errorf("canvas must be positive, got %dx%d", cfg.Canvas.Width, cfg.Canvas.Height))
	}
	if cfg.Canvas.FrameRate <= 0 {
		errs = append(errs, fmt.Errorf("canvas.frame_rate must be > 0, got %d", cfg.Canvas.FrameRate))
	}

	if cfg.Layout.MaxViews < 1 || cfg.Layout.MaxViews > maxViewsLimit {
		errs = append(errs, fmt.Errorf("layout.max_views must be in [1, %d], got %d", maxViewsLimit, cfg.Layout.MaxViews))
	}
	if p := cfg.Layout.PadX; p != nil && (*p < 0 || *p >= cfg.Canvas.Width) {
		errs = append(errs, fmt.Errorf("layout.pad_x must be in [0, width), got %d", *p))
	}
	if p := cfg.Layout.PadY; p != nil && (*p < 0 || *p >= cfg.Canvas.Height) {
		errs = append(errs, fmt.Errorf("layout.pad_y must be in [0, height), got %d", *p))
	}
	if lw := cfg.Layout.LineWeight; lw != nil && *lw < 0 {
		errs = append(errs, fmt.Errorf("layout.line_weight must be >= 0, got %d", *lw))
	}

	if cfg.Background.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("background.max_retries must be >= 0, got %d", cfg.Background.MaxRetries))
	}

	if cfg.MQTT.Broker != "" {
		if _, err := url.Parse(cfg.MQTT.Broker); err != nil {
			errs = append(errs, fmt.Errorf("mqtt.broker: %w", err))
		}
		if cfg.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS))
		}
	}

	for i, src := range cfg.Sources {
		if src.URI == "" {
			errs = append(errs, fmt.Errorf("sources[%d]: uri is required", i))
		}
	}

	return errors.Join(errs...)
}
