package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-pose-sensor/internal/config"
	"github.com/e7canasta/orion-pose-sensor/internal/sequencer"
	"github.com/e7canasta/orion-pose-sensor/internal/stream"
	"github.com/e7canasta/orion-pose-sensor/internal/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{InstanceID: "test-1"}
	cfg.Camera.Source = "mock"
	cfg.Stream.FPS = 100
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name       string
		running    bool
		state      types.LoadState
		stream     bool
		mqttOn     bool
		mqttUp     bool
		wantStatus string
		wantCode   int
	}{
		{"not running", false, types.StateStreaming, true, false, false, "unhealthy", 503},
		{"load failed", true, types.StateLoadFailed, true, false, false, "unhealthy", 503},
		{"classifier loading", true, types.StateClassifierLoading, true, false, false, "loading", 503},
		{"pose model loading", true, types.StatePoseModelLoading, true, false, false, "loading", 503},
		{"streaming", true, types.StateStreaming, true, false, false, "healthy", 200},
		{"stream down", true, types.StateStreaming, false, false, false, "degraded", 200},
		{"mqtt down", true, types.StateStreaming, true, true, false, "degraded", 200},
		{"mqtt up", true, types.StateStreaming, true, true, true, "healthy", 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := evaluate(tt.running, tt.state, tt.stream, tt.mqttOn, tt.mqttUp)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, code)
		})
	}
}

func TestHandlersBeforeRun(t *testing.T) {
	s := NewSession(testConfig(t), quietLogger())

	rec := httptest.NewRecorder()
	s.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"alive"`)

	rec = httptest.NewRecorder()
	s.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var h HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "unhealthy", h.Status)
	assert.Equal(t, "idle", h.LoadState)
	assert.Equal(t, "test-1", h.InstanceID)
	assert.NotEmpty(t, h.SessionID)

	rec = httptest.NewRecorder()
	s.MetricsHandler(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `posed_load_state{instance="test-1"} 0`)
	assert.Contains(t, rec.Body.String(), "posed_frameloop_ticks_total")
	assert.Contains(t, rec.Body.String(), "posed_frameloop_draw_errors_total")
}

func TestShutdownBeforeRun(t *testing.T) {
	s := NewSession(testConfig(t), quietLogger())
	assert.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, 5*time.Second, s.ShutdownTimeout())
}

func TestRunSourceError(t *testing.T) {
	s := NewSession(testConfig(t), quietLogger())
	s.newSource = func(*config.Config) (stream.Capture, error) {
		return nil, errors.New("no camera")
	}

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no camera")
	assert.NoError(t, s.Shutdown(context.Background()))
}

// TestClassifierLoadFailure runs a session whose classifier worker exits
// immediately: the session must reach LoadFailed, report it on readiness and
// never start the frame loop.
func TestClassifierLoadFailure(t *testing.T) {
	falseBin, err := exec.LookPath("false")
	if err != nil {
		t.Skip("false not available")
	}

	cfg := testConfig(t)
	cfg.Models.Classifier.Command = falseBin
	cfg.Models.Classifier.LoadTimeoutS = 5
	cfg.Models.Pose.Command = falseBin

	s := NewSession(cfg, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return s.State() == types.StateLoadFailed &&
			strings.HasPrefix(s.board.Message(), "Yoga model failed to load")
	}, 5*time.Second, 10*time.Millisecond)

	f := s.Failure()
	require.NotNil(t, f)
	assert.Equal(t, sequencer.StageClassifier, f.Stage)

	rec := httptest.NewRecorder()
	s.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h := s.HealthCheck()
	assert.Equal(t, "unhealthy", h.Status)
	assert.Equal(t, "load_failed", h.LoadState)
	assert.NotEmpty(t, h.LoadError)
	assert.True(t, strings.HasPrefix(h.Message, "Yoga model failed to load"), h.Message)

	// Give a would-be frame loop time to tick.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, s.DisplayStats().Ticks)

	cancel()
	require.NoError(t, <-errCh)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	assert.NoError(t, s.Shutdown(shutdownCtx))
}

func TestReadDescriptor(t *testing.T) {
	dir := t.TempDir()

	t.Run("json file", func(t *testing.T) {
		path := filepath.Join(dir, "model.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"modelTopology":{},"format":"layers-model","weightsManifest":[]}`), 0644))

		d, err := ReadDescriptor(context.Background(), path)
		require.NoError(t, err)
		assert.Equal(t, []string{"format", "modelTopology", "weightsManifest"}, d.Keys)
		assert.Empty(t, d.Raw)
	})

	t.Run("non-json file", func(t *testing.T) {
		path := filepath.Join(dir, "model.txt")
		require.NoError(t, os.WriteFile(path, []byte("  not json\n"), 0644))

		d, err := ReadDescriptor(context.Background(), path)
		require.NoError(t, err)
		assert.Nil(t, d.Keys)
		assert.Equal(t, "not json", d.Raw)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := ReadDescriptor(context.Background(), filepath.Join(dir, "nope.json"))
		assert.ErrorContains(t, err, "failed to read descriptor")
	})

	t.Run("http", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/model/model.json" {
				http.NotFound(w, r)
				return
			}
			w.Write([]byte(`{"b":1,"a":2}`))
		}))
		defer srv.Close()

		d, err := ReadDescriptor(context.Background(), srv.URL+"/model/model.json")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, d.Keys)

		_, err = ReadDescriptor(context.Background(), srv.URL+"/missing.json")
		assert.ErrorContains(t, err, "status 404")
	})
}
