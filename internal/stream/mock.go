package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-pose-sensor/internal/types"
)

// MockSource generates synthetic frames for testing and camera-less runs.
//
// Each frame is a dark gradient with a bright vertical bar sweeping across,
// so mirrored rendering is visible in snapshots.
type MockSource struct {
	*Buffer

	width  int
	height int
	fps    float64

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu            sync.RWMutex
	seq           uint64
	framesEmitted uint64
	isRunning     bool
	startTime     time.Time
}

// NewMockSource creates a new mock source.
func NewMockSource(width, height int, fps float64) *MockSource {
	if fps <= 0 {
		fps = 30
	}
	return &MockSource{
		Buffer: NewBuffer(),
		width:  width,
		height: height,
		fps:    fps,
		stopCh: make(chan struct{}),
	}
}

// Start begins generating frames.
func (m *MockSource) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return fmt.Errorf("stream already running")
	}
	m.isRunning = true
	m.startTime = time.Now()
	m.mu.Unlock()

	slog.Info("stream: mock source starting",
		"width", m.width,
		"height", m.height,
		"fps", m.fps,
	)

	m.wg.Add(1)
	go m.generateFrames(ctx)

	return nil
}

// Stop stops the source.
func (m *MockSource) Stop() error {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return nil
	}
	m.isRunning = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	m.Buffer.Close()

	slog.Info("stream: mock source stopped",
		"frames_emitted", m.framesEmitted,
		"duration", time.Since(m.startTime),
	)

	return nil
}

// Stats returns source statistics.
func (m *MockSource) Stats() types.StreamStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var fpsReal float64
	if m.isRunning && m.framesEmitted > 0 {
		elapsed := time.Since(m.startTime).Seconds()
		if elapsed > 0 {
			fpsReal = float64(m.framesEmitted) / elapsed
		}
	}

	return types.StreamStats{
		FrameCount:    m.framesEmitted,
		FramesDropped: m.Buffer.Drops(),
		FPSTarget:     m.fps,
		FPSReal:       fpsReal,
		Resolution:    fmt.Sprintf("%dx%d", m.width, m.height),
		IsConnected:   m.isRunning,
	}
}

func (m *MockSource) generateFrames(ctx context.Context) {
	defer m.wg.Done()

	frameDuration := time.Duration(float64(time.Second) / m.fps)
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	slog.Debug("stream: mock frame generator started", "frame_duration", frameDuration)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Publish(m.createFrame())

			m.mu.Lock()
			m.framesEmitted++
			m.mu.Unlock()
		}
	}
}

// createFrame creates a synthetic RGB24 frame.
func (m *MockSource) createFrame() *types.Frame {
	m.mu.Lock()
	m.seq++
	seq := m.seq
	m.mu.Unlock()

	data := make([]byte, m.width*m.height*3)

	bar := 0
	if m.width > 0 {
		bar = int(seq) % m.width
	}
	for y := 0; y < m.height; y++ {
		shade := byte(y * 64 / max(m.height, 1))
		row := data[y*m.width*3:]
		for x := 0; x < m.width; x++ {
			px := row[x*3 : x*3+3]
			if x >= bar && x < bar+4 {
				px[0], px[1], px[2] = 0xe0, 0xe0, 0xe0
				continue
			}
			px[0], px[1], px[2] = shade, shade, shade+32
		}
	}

	return &types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     m.width,
		Height:    m.height,
		Data:      data,
		TraceID:   uuid.New().String(),
	}
}
