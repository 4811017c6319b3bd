package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// Environment overrides.
const (
	EnvInstanceID = "POSED_INSTANCE_ID"
	EnvBroker     = "POSED_MQTT_BROKER"
	EnvCameraURL  = "POSED_CAMERA_RTSP_URL"
)

// LoadEnv loads variables from a .env file into the process environment.
// A missing file is not an error; variables already set are kept.
func LoadEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides cfg with POSED_* environment variables. Setting the
// camera URL also selects the rtsp source.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv(EnvInstanceID); v != "" {
		cfg.InstanceID = v
	}
	if v := os.Getenv(EnvBroker); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv(EnvCameraURL); v != "" {
		cfg.Camera.RTSPURL = v
		cfg.Camera.Source = "rtsp"
	}
}
