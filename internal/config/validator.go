package config

import (
	"fmt"
	"regexp"

	"github.com/e7canasta/orion-pose-sensor/internal/types"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks if the configuration is valid and fills in defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validateCamera(&cfg.Camera); err != nil {
		return err
	}

	// Stream defaults
	if cfg.Stream.Width <= 0 {
		cfg.Stream.Width = 640
	}
	if cfg.Stream.Height <= 0 {
		cfg.Stream.Height = 480
	}
	if cfg.Stream.FPS < 0 {
		return fmt.Errorf("stream.fps must be >= 0")
	}
	if cfg.Stream.FPS == 0 {
		cfg.Stream.FPS = 30
	}
	if cfg.Stream.WarmupDurationS < 0 {
		return fmt.Errorf("stream.warmup_duration_s must be >= 0")
	}

	if cfg.FrameLoop.RefreshHz < 0 {
		return fmt.Errorf("frameloop.refresh_hz must be >= 0")
	}
	if cfg.FrameLoop.RefreshHz == 0 {
		cfg.FrameLoop.RefreshHz = 60
	}

	// Overlay defaults
	if cfg.Overlay.Threshold < 0 || cfg.Overlay.Threshold > 1 {
		return fmt.Errorf("overlay.threshold must be in [0,1], got %v", cfg.Overlay.Threshold)
	}
	if cfg.Overlay.Threshold == 0 {
		cfg.Overlay.Threshold = 0.2
	}
	if cfg.Overlay.Radius <= 0 {
		cfg.Overlay.Radius = 10
	}

	if err := validateModels(&cfg.Models); err != nil {
		return err
	}

	if err := validateSnapshot(&cfg.Snapshot); err != nil {
		return err
	}

	// Validate MQTT broker
	if cfg.MQTT.Enabled {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if cfg.MQTT.TopicPrefix == "" {
			cfg.MQTT.TopicPrefix = fmt.Sprintf("orion/pose/%s", cfg.InstanceID)
		}
		// Set default QoS if not provided
		if cfg.MQTT.QoS == nil {
			cfg.MQTT.QoS = map[string]byte{
				"status":         1,
				"classification": 1,
				"debug":          0,
				"health":         0,
			}
		}
	}

	if cfg.Health.IntervalS <= 0 {
		cfg.Health.IntervalS = 10
	}
	if cfg.Display.RefreshMS <= 0 {
		cfg.Display.RefreshMS = 250
	}

	return nil
}

func validateCamera(c *CameraConfig) error {
	switch c.Source {
	case "", "v4l2":
		c.Source = "v4l2"
		if c.Device == "" {
			c.Device = "/dev/video0"
		}
	case "rtsp":
		if c.RTSPURL == "" {
			return fmt.Errorf("camera.rtsp_url is required for rtsp source")
		}
	case "mock":
	default:
		return fmt.Errorf("camera.source: unknown source '%s' (must be 'v4l2', 'rtsp' or 'mock')", c.Source)
	}
	return nil
}

func validateModels(m *ModelsConfig) error {
	defaults := types.DefaultModelLocations()
	c := &m.Classifier
	if c.Command == "" {
		c.Command = "models/run_classifier.sh"
	}
	if c.Model == "" {
		c.Model = defaults.Model
	}
	if c.Metadata == "" {
		c.Metadata = defaults.Metadata
	}
	if c.Weights == "" {
		c.Weights = defaults.Weights
	}
	if c.LoadTimeoutS <= 0 {
		c.LoadTimeoutS = 60
	}

	p := &m.Pose
	if p.Command == "" {
		p.Command = "models/run_pose.sh"
	}
	switch p.Mode {
	case "":
		p.Mode = types.ModeSingle
	case types.ModeSingle:
	default:
		return fmt.Errorf("models.pose.mode: only '%s' is supported, got '%s'", types.ModeSingle, p.Mode)
	}
	if p.LoadTimeoutS <= 0 {
		p.LoadTimeoutS = 60
	}

	return nil
}

func validateSnapshot(s *SnapshotConfig) error {
	if !s.Enabled {
		return nil
	}
	if s.OutputDir == "" {
		s.OutputDir = "snapshots"
	}
	switch s.Format {
	case "":
		s.Format = "png"
	case "png", "jpeg":
	default:
		return fmt.Errorf("snapshot.format: unsupported format '%s' (must be 'png' or 'jpeg')", s.Format)
	}
	if s.JPEGQuality <= 0 || s.JPEGQuality > 100 {
		s.JPEGQuality = 85
	}
	if s.EveryTicks == 0 {
		s.EveryTicks = 300
	}
	return nil
}
