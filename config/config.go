package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config is the top-level application configuration.
type Config struct {
	Stream    StreamConfig    `mapstructure:"stream"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Classify  ClassifyConfig  `mapstructure:"classify"`
	Anonymize AnonymizeConfig `mapstructure:"anonymize"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Server    ServerConfig    `mapstructure:"server"`
	DB        DBConfig        `mapstructure:"db"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Health    HealthConfig    `mapstructure:"health"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
	Device    DeviceConfig    `mapstructure:"device"`
	Log       LogConfig       `mapstructure:"log"`
	Startup   StartupConfig   `mapstructure:"startup"`
}

// StreamConfig describes the camera connection and read cadence.
type StreamConfig struct {
	URL             string        `mapstructure:"url"`      // full RTSP URL; overrides the composed one
	Username        string        `mapstructure:"username"` // used when URL is empty
	Password        string        `mapstructure:"password"`
	Host            string        `mapstructure:"host"`
	Path            string        `mapstructure:"path"`
	OpenTimeout     time.Duration `mapstructure:"open_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"` // watchdog on a single decode, 0 disables
	Width           int           `mapstructure:"width"`        // target decode width, 0 keeps the camera's
	Height          int           `mapstructure:"height"`
	FrameInterval   int           `mapstructure:"frame_interval"`   // process every Nth decoded frame
	ReconnectDelay  time.Duration `mapstructure:"reconnect_delay"`  // wait after a failed read
	ReopenDelay     time.Duration `mapstructure:"reopen_delay"`     // wait after a failed open
	RefreshInterval time.Duration `mapstructure:"refresh_interval"` // proactive reconnect cadence
}

// ROIConfig is a normalized region of interest (fractions of frame size).
type ROIConfig struct {
	X0 float64 `mapstructure:"x0"`
	Y0 float64 `mapstructure:"y0"`
	X1 float64 `mapstructure:"x1"`
	Y1 float64 `mapstructure:"y1"`
}

// DetectorConfig describes the DNN model and the dual-pass class sets.
type DetectorConfig struct {
	ModelPath        string    `mapstructure:"model_path"`
	ConfigPath       string    `mapstructure:"config_path"`
	Backend          string    `mapstructure:"backend"`
	Target           string    `mapstructure:"target"`
	PrimaryClasses   []int     `mapstructure:"primary_classes"`
	SecondaryClasses []int     `mapstructure:"secondary_classes"`
	Threshold        float64   `mapstructure:"threshold"`       // detector acceptance (loose)
	FinalThreshold   float64   `mapstructure:"final_threshold"` // pipeline acceptance (strict)
	ROI              ROIConfig `mapstructure:"roi"`
}

// TrackerConfig tunes the visit debounce state machine.
type TrackerConfig struct {
	ConfirmationTicks int           `mapstructure:"confirmation_ticks"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
}

// DispatchConfig bounds the per-visit fan-out.
type DispatchConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	GracePeriod time.Duration `mapstructure:"grace_period"` // time an in-flight visit gets to finish during shutdown
}

// ClassifyConfig holds settings for the vision-language classification service.
type ClassifyConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	URL         string        `mapstructure:"url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// AnonymizeConfig holds face-blur settings.
type AnonymizeConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	CascadePath string  `mapstructure:"cascade_path"`
	KernelSize  int     `mapstructure:"kernel_size"`
	Padding     float64 `mapstructure:"padding"`
}

// StorageConfig holds settings for the remote persistence service.
type StorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	APIKey  string `mapstructure:"api_key"`
	Bucket  string `mapstructure:"bucket"`
	Table   string `mapstructure:"table"`
}

// ServerConfig holds the local status API settings.
type ServerConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	SnapshotDir string `mapstructure:"snapshot_dir"`
}

// DBConfig holds the local spool database settings.
type DBConfig struct {
	File string `mapstructure:"file"`
}

// MQTTConfig holds settings for the optional MQTT notifier.
type MQTTConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Broker   string `mapstructure:"broker"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	ClientID string `mapstructure:"client_id"`
	Topic    string `mapstructure:"topic"`
}

// HealthConfig tunes the periodic operational report.
type HealthConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// CleanupConfig holds retention settings for the local spool.
type CleanupConfig struct {
	RetentionDays int `mapstructure:"retention_days"`
}

// DeviceConfig identifies this camera installation.
type DeviceConfig struct {
	ID string `mapstructure:"id"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// StartupConfig bounds the initial connection probe. Unlike runtime
// reconnects, startup failure is fatal: it indicates misconfiguration.
type StartupConfig struct {
	OpenRetries int `mapstructure:"open_retries"`
}

// Load reads configuration from file, environment variables and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			log.Warnf("Config file %s does not exist, using defaults", configPath)
		} else {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			log.Infof("Config loaded from %s", configPath)
		}
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("DOORWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Device.ID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Device.ID = host
		} else {
			cfg.Device.ID = "unknown-device"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := ensureDirectories(&cfg); err != nil {
		return nil, fmt.Errorf("failed to create required directories: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers the default values for every knob.
func setDefaults(v *viper.Viper) {
	// Keys without a meaningful default still need to be registered, or
	// viper's AutomaticEnv will not see their environment variables.
	v.SetDefault("stream.url", "")
	v.SetDefault("stream.username", "")
	v.SetDefault("stream.password", "")
	v.SetDefault("stream.host", "")
	v.SetDefault("classify.url", "")
	v.SetDefault("classify.api_key", "")
	v.SetDefault("storage.url", "")
	v.SetDefault("storage.api_key", "")
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("device.id", "")

	// Stream defaults; the path matches a DoorBird-style doorbell camera.
	v.SetDefault("stream.path", "/mpeg/media.amp")
	v.SetDefault("stream.open_timeout", 10*time.Second)
	v.SetDefault("stream.read_timeout", 10*time.Second)
	v.SetDefault("stream.width", 0)
	v.SetDefault("stream.height", 0)
	v.SetDefault("stream.frame_interval", 30)
	v.SetDefault("stream.reconnect_delay", 2*time.Second)
	v.SetDefault("stream.reopen_delay", 5*time.Second)
	v.SetDefault("stream.refresh_interval", time.Hour)

	// Detector defaults: COCO person as primary, the classes big inflatable
	// costumes tend to get misread as (car, bird, dog, horse) as secondary.
	// Class IDs are contiguous 80-class COCO; the detector maps the model's
	// raw label numbering onto these before filtering.
	v.SetDefault("detector.model_path", "models/opencv/ssd_mobilenet_v3_large_coco_2020_01_14.pb")
	v.SetDefault("detector.config_path", "models/opencv/ssd_mobilenet_v3_large_coco_2020_01_14.pbtxt")
	v.SetDefault("detector.backend", "default")
	v.SetDefault("detector.target", "cpu")
	v.SetDefault("detector.primary_classes", []int{0})
	v.SetDefault("detector.secondary_classes", []int{2, 14, 16, 17})
	v.SetDefault("detector.threshold", 0.5)
	v.SetDefault("detector.final_threshold", 0.7)
	v.SetDefault("detector.roi.x0", 0.0)
	v.SetDefault("detector.roi.y0", 0.0)
	v.SetDefault("detector.roi.x1", 1.0)
	v.SetDefault("detector.roi.y1", 1.0)

	// Tracker defaults
	v.SetDefault("tracker.confirmation_ticks", 2)
	v.SetDefault("tracker.cooldown", 30*time.Second)

	// Dispatch defaults
	v.SetDefault("dispatch.concurrency", 4)
	v.SetDefault("dispatch.grace_period", 2*time.Minute)

	// Classification defaults
	v.SetDefault("classify.enabled", true)
	v.SetDefault("classify.model", "gemma")
	v.SetDefault("classify.max_tokens", 512)
	v.SetDefault("classify.temperature", 0.5)
	v.SetDefault("classify.timeout", 60*time.Second)

	// Anonymization defaults
	v.SetDefault("anonymize.enabled", true)
	v.SetDefault("anonymize.cascade_path", "models/opencv/haarcascade_frontalface_default.xml")
	v.SetDefault("anonymize.kernel_size", 51)
	v.SetDefault("anonymize.padding", 0.2)

	// Storage defaults
	v.SetDefault("storage.enabled", true)
	v.SetDefault("storage.bucket", "detection-images")
	v.SetDefault("storage.table", "person_detections")

	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.snapshot_dir", "/data/snapshots")

	// DB defaults
	v.SetDefault("db.file", "/data/doorwatch.db")

	// MQTT defaults
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.client_id", "doorwatch")
	v.SetDefault("mqtt.topic", "doorwatch/visits")

	// Health defaults
	v.SetDefault("health.interval", 5*time.Minute)

	// Cleanup defaults
	v.SetDefault("cleanup.retention_days", 30)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	// Startup defaults
	v.SetDefault("startup.open_retries", 3)
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Stream.URL == "" && c.Stream.Host == "" {
		return fmt.Errorf("stream: either stream.url or stream.host must be set")
	}
	if c.Stream.FrameInterval < 1 {
		return fmt.Errorf("stream: frame_interval must be >= 1, got %d", c.Stream.FrameInterval)
	}
	if c.Tracker.ConfirmationTicks < 1 {
		return fmt.Errorf("tracker: confirmation_ticks must be >= 1, got %d", c.Tracker.ConfirmationTicks)
	}
	if c.Dispatch.Concurrency < 1 {
		return fmt.Errorf("dispatch: concurrency must be >= 1, got %d", c.Dispatch.Concurrency)
	}
	roi := c.Detector.ROI
	if roi.X0 < 0 || roi.Y0 < 0 || roi.X1 > 1 || roi.Y1 > 1 || roi.X0 >= roi.X1 || roi.Y0 >= roi.Y1 {
		return fmt.Errorf("detector: invalid roi [%v,%v]x[%v,%v]", roi.X0, roi.X1, roi.Y0, roi.Y1)
	}
	if c.Detector.Threshold > c.Detector.FinalThreshold {
		return fmt.Errorf("detector: threshold (%v) must not exceed final_threshold (%v)",
			c.Detector.Threshold, c.Detector.FinalThreshold)
	}
	return nil
}

// StreamURL returns the configured stream URL, composing it from the
// credential parts when no full URL was given.
func (c *Config) StreamURL() string {
	if c.Stream.URL != "" {
		return c.Stream.URL
	}
	u := url.URL{
		Scheme: "rtsp",
		Host:   c.Stream.Host,
		Path:   c.Stream.Path,
	}
	if c.Stream.Username != "" {
		u.User = url.UserPassword(c.Stream.Username, c.Stream.Password)
	}
	return u.String()
}

// ensureDirectories creates the directories the process writes into.
func ensureDirectories(cfg *Config) error {
	if cfg.Server.SnapshotDir != "" {
		if err := os.MkdirAll(cfg.Server.SnapshotDir, 0755); err != nil {
			return fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}
	if cfg.Log.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	if cfg.DB.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DB.File), 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return nil
}
