package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-pose-sensor/internal/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "posed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

// TestLoadShippedConfig validates config/posed.yaml parses and validates.
func TestLoadShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "posed.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "pose-001", cfg.InstanceID)
	assert.Equal(t, "v4l2", cfg.Camera.Source)
	assert.Equal(t, 0.2, cfg.Overlay.Threshold)
	assert.Equal(t, types.ModeSingle, cfg.Models.Pose.Mode)
	assert.Equal(t, types.DefaultModelLocations(), cfg.Models.Classifier.Locations())
	assert.Equal(t, "orion/pose/pose-001", cfg.MQTT.TopicPrefix)
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "instance_id: node-1\n"))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout())
	assert.Equal(t, "/dev/video0", cfg.Camera.Device)
	assert.Equal(t, 640, cfg.Stream.Width)
	assert.Equal(t, 480, cfg.Stream.Height)
	assert.Equal(t, 30.0, cfg.Stream.FPS)
	assert.Equal(t, 60.0, cfg.FrameLoop.RefreshHz)
	assert.Equal(t, 0.2, cfg.Overlay.Threshold)
	assert.Equal(t, 10.0, cfg.Overlay.Radius)
	assert.Equal(t, "models/run_classifier.sh", cfg.Models.Classifier.Command)
	assert.Equal(t, "models/run_pose.sh", cfg.Models.Pose.Command)
	assert.Equal(t, types.ModeSingle, cfg.Models.Pose.Mode)
	assert.False(t, cfg.MQTT.Enabled)
	assert.Equal(t, 250, cfg.Display.RefreshMS)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing instance", "camera: {source: mock}\n", "instance_id is required"},
		{"bad instance", "instance_id: Node_1\n", "instance_id must match"},
		{"unknown source", "instance_id: a\ncamera: {source: usb}\n", "unknown source"},
		{"rtsp without url", "instance_id: a\ncamera: {source: rtsp}\n", "rtsp_url is required"},
		{"threshold range", "instance_id: a\noverlay: {threshold: 1.5}\n", "overlay.threshold"},
		{"multiple mode", "instance_id: a\nmodels: {pose: {mode: multiple}}\n", "only 'single' is supported"},
		{"snapshot format", "instance_id: a\nsnapshot: {enabled: true, format: gif}\n", "snapshot.format"},
		{"mqtt broker", "instance_id: a\nmqtt: {enabled: true}\n", "mqtt.broker is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvInstanceID, "from-env")
	t.Setenv(EnvBroker, "broker.local:1883")
	t.Setenv(EnvCameraURL, "rtsp://cam/stream")

	cfg, err := Load(writeConfig(t, "instance_id: node-1\nmqtt: {enabled: true}\n"))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.InstanceID)
	assert.Equal(t, "broker.local:1883", cfg.MQTT.Broker)
	assert.Equal(t, "rtsp", cfg.Camera.Source)
	assert.Equal(t, "rtsp://cam/stream", cfg.Camera.RTSPURL)
	assert.Equal(t, "orion/pose/from-env", cfg.MQTT.TopicPrefix)
}

func TestLoadEnvFile(t *testing.T) {
	assert.NoError(t, LoadEnv(filepath.Join(t.TempDir(), "missing.env")), "missing .env is fine")

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("POSED_MQTT_BROKER=dotenv:1883\n"), 0644))

	t.Setenv(EnvBroker, "") // registers cleanup; godotenv keeps set values
	os.Unsetenv(EnvBroker)

	require.NoError(t, LoadEnv(path))
	assert.Equal(t, "dotenv:1883", os.Getenv(EnvBroker))
}
