package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/orion-pose-sensor/internal/types"
)

// Config represents the complete sensor configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Camera           CameraConfig    `yaml:"camera"`
	Stream           StreamConfig    `yaml:"stream"`
	FrameLoop        FrameLoopConfig `yaml:"frameloop"`
	Overlay          OverlayConfig   `yaml:"overlay"`
	Models           ModelsConfig    `yaml:"models"`
	Snapshot         SnapshotConfig  `yaml:"snapshot"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	Health           HealthConfig    `yaml:"health"`
	Display          DisplayConfig   `yaml:"display"`
}

// CameraConfig selects the video source
type CameraConfig struct {
	Source  string `yaml:"source"` // v4l2, rtsp, mock
	Device  string `yaml:"device"` // v4l2 device node
	RTSPURL string `yaml:"rtsp_url"`
}

// StreamConfig contains capture settings
type StreamConfig struct {
	Width           int     `yaml:"width"`
	Height          int     `yaml:"height"`
	FPS             float64 `yaml:"fps"`               // target fps
	WarmupDurationS int     `yaml:"warmup_duration_s"` // 0 skips warm-up
}

// FrameLoopConfig contains per-frame task settings
type FrameLoopConfig struct {
	RefreshHz float64 `yaml:"refresh_hz"`
}

// OverlayConfig contains drawing settings
type OverlayConfig struct {
	Threshold float64 `yaml:"threshold"` // minimum keypoint score for a marker
	Radius    float64 `yaml:"radius"`
	Caption   bool    `yaml:"caption"` // draw the status message on the surface
}

// ModelsConfig contains the two model services
type ModelsConfig struct {
	Classifier ClassifierConfig `yaml:"classifier"`
	Pose       PoseConfig       `yaml:"pose"`
}

// ClassifierConfig defines the classifier worker and its artifacts
type ClassifierConfig struct {
	Command       string   `yaml:"command"`
	Args          []string `yaml:"args"`
	Model         string   `yaml:"model"`
	Metadata      string   `yaml:"metadata"`
	Weights       string   `yaml:"weights"`
	LoadTimeoutS  int      `yaml:"load_timeout_s"`
	QueueSize     int      `yaml:"queue_size"`
	ProbeMetadata bool     `yaml:"probe_metadata"` // log the topology descriptor at startup
}

// PoseConfig defines the pose-estimation worker
type PoseConfig struct {
	Command      string              `yaml:"command"`
	Args         []string            `yaml:"args"`
	Mode         types.DetectionMode `yaml:"mode"`
	LoadTimeoutS int                 `yaml:"load_timeout_s"`
}

// SnapshotConfig contains overlay snapshot settings
type SnapshotConfig struct {
	Enabled     bool   `yaml:"enabled"`
	OutputDir   string `yaml:"output_dir"`
	Format      string `yaml:"format"` // png, jpeg
	JPEGQuality int    `yaml:"jpeg_quality"`
	EveryTicks  uint64 `yaml:"every_ticks"`
	MaxWidth    int    `yaml:"max_width"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled      bool            `yaml:"enabled"`
	Broker       string          `yaml:"broker"`
	TopicPrefix  string          `yaml:"topic_prefix"`
	PublishDebug bool            `yaml:"publish_debug"`
	QoS          map[string]byte `yaml:"qos"`
}

// HealthConfig contains the health endpoint settings
type HealthConfig struct {
	Addr      string `yaml:"addr"`       // empty disables the HTTP server
	IntervalS int    `yaml:"interval_s"` // MQTT health publish period
}

// DisplayConfig contains the terminal view settings
type DisplayConfig struct {
	Enabled   bool `yaml:"enabled"`
	RefreshMS int  `yaml:"refresh_ms"`
}

// Load reads and parses a YAML configuration file, applies POSED_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyEnv(&cfg)

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// Locations returns the classifier artifact locations.
func (c ClassifierConfig) Locations() types.ModelLocations {
	return types.ModelLocations{
		Model:    c.Model,
		Metadata: c.Metadata,
		Weights:  c.Weights,
	}
}
