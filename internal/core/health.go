package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/e7canasta/orion-pose-sensor/internal/display"
	"github.com/e7canasta/orion-pose-sensor/internal/types"
)

// PoseHealthMetrics contains pose worker metrics with drop rate
type PoseHealthMetrics struct {
	FramesSent    uint64    `json:"frames_sent"`
	FramesFailed  uint64    `json:"frames_failed"`
	PosesReceived uint64    `json:"poses_received"`
	PosesDropped  uint64    `json:"poses_dropped"`  // overwritten before a tick read them
	PosesRejected uint64    `json:"poses_rejected"` // non-finite coordinates
	DropRate      float64   `json:"drop_rate"`
	AvgLatencyMS  float64   `json:"avg_latency_ms"`
	LastSeenAt    time.Time `json:"last_seen_at"`
}

// ClassifierHealthMetrics contains classification metrics
type ClassifierHealthMetrics struct {
	Submitted uint64 `json:"submitted"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Pending   int    `json:"pending"`
}

// HealthStatus represents the health state of the session
type HealthStatus struct {
	Status          string                   `json:"status"` // "healthy", "loading", "degraded", "unhealthy"
	InstanceID      string                   `json:"instance_id"`
	SessionID       string                   `json:"session_id"`
	UptimeSeconds   int64                    `json:"uptime_seconds"`
	LoadState       string                   `json:"load_state"`
	LoadError       string                   `json:"load_error,omitempty"`
	Message         string                   `json:"message"`
	StreamConnected bool                     `json:"stream_connected"`
	MQTTConnected   bool                     `json:"mqtt_connected"`
	FrameLoopTicks  uint64                   `json:"frameloop_ticks"`
	SchedulerQueue  int                      `json:"scheduler_queue"`
	SchedulerPanics uint64                   `json:"scheduler_panics"`
	StreamErrors    map[string]uint64        `json:"stream_errors,omitempty"`
	Pose            *PoseHealthMetrics       `json:"pose,omitempty"`
	Classifier      *ClassifierHealthMetrics `json:"classifier,omitempty"`
}

// errorCounter is implemented by sources that categorize pipeline errors.
type errorCounter interface {
	Errors() map[string]uint64
}

// evaluate maps session conditions to a health status and readiness code.
//
// Only Streaming is ready. LoadFailed is terminal and reported unhealthy.
func evaluate(running bool, state types.LoadState, streamConnected, mqttEnabled, mqttConnected bool) (string, int) {
	switch {
	case !running || state == types.StateLoadFailed:
		return "unhealthy", http.StatusServiceUnavailable
	case state != types.StateStreaming:
		return "loading", http.StatusServiceUnavailable
	case !streamConnected || (mqttEnabled && !mqttConnected):
		return "degraded", http.StatusOK
	default:
		return "healthy", http.StatusOK
	}
}

// HealthCheck returns the current health status of the session
func (s *Session) HealthCheck() HealthStatus {
	h, _ := s.healthCheck()
	return h
}

func (s *Session) healthCheck() (HealthStatus, int) {
	s.mu.RLock()
	running := s.isRunning
	started := s.started
	source, loop, poseSvc, classSvc, pipeline := s.source, s.loop, s.poseSvc, s.classSvc, s.pipeline
	s.mu.RUnlock()

	state := s.State()
	h := HealthStatus{
		InstanceID: s.cfg.InstanceID,
		SessionID:  s.sessionID,
		LoadState:  state.String(),
		Message:    s.board.Message(),
	}
	if running {
		h.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	if f := s.Failure(); f != nil {
		h.LoadError = f.Error()
	}

	if source != nil && running {
		h.StreamConnected = source.Stats().IsConnected
	}
	if ec, ok := source.(errorCounter); ok {
		h.StreamErrors = ec.Errors()
	}
	ss := s.sched.Stats()
	h.SchedulerQueue = ss.Pending
	h.SchedulerPanics = ss.Panics
	if s.emitter != nil {
		h.MQTTConnected = s.emitter.Stats().Connected
	}
	if loop != nil {
		h.FrameLoopTicks = loop.Stats().Ticks
	}

	if poseSvc != nil {
		ps := poseSvc.Stats()
		mb := s.poses.Stats()
		var dropRate float64
		if mb.Published > 0 {
			dropRate = float64(mb.Dropped) / float64(mb.Published)
		}
		h.Pose = &PoseHealthMetrics{
			FramesSent:    ps.FramesSent,
			FramesFailed:  ps.FramesFailed,
			PosesReceived: ps.Poses,
			PosesDropped:  mb.Dropped,
			PosesRejected: ps.Rejected,
			DropRate:      dropRate,
			AvgLatencyMS:  ps.AvgLatencyMS,
			LastSeenAt:    ps.LastSeenAt,
		}
	}

	if classSvc != nil && pipeline != nil {
		cs := classSvc.Stats()
		p := pipeline.Stats()
		h.Classifier = &ClassifierHealthMetrics{
			Submitted: p.Submitted,
			Succeeded: p.Succeeded,
			Failed:    p.Failed,
			Dropped:   cs.Dropped,
			Pending:   cs.Pending,
		}
	}

	var code int
	h.Status, code = evaluate(running, state, h.StreamConnected, s.emitter != nil, h.MQTTConnected)
	return h, code
}

// LivenessHandler handles /health endpoint (simple liveness check)
func (s *Session) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	s.mu.RLock()
	var uptime int64
	if s.isRunning {
		uptime = int64(time.Since(s.started).Seconds())
	}
	s.mu.RUnlock()

	response := map[string]interface{}{
		"status": "alive",
		"uptime": uptime,
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// ReadinessHandler handles /readiness endpoint.
// Returns 200 only once the session is Streaming.
func (s *Session) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health, code := s.healthCheck()

	w.WriteHeader(code)
	json.NewEncoder(w).Encode(health)
}

// MetricsHandler handles /metrics endpoint in Prometheus text format
func (s *Session) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	d := s.DisplayStats()
	label := fmt.Sprintf("{instance=%q}", s.cfg.InstanceID)

	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "posed_uptime_seconds%s %d\n", label, int64(d.Uptime.Seconds()))
	fmt.Fprintf(w, "posed_load_state%s %d\n", label, int(d.State))
	fmt.Fprintf(w, "posed_frames_total%s %d\n", label, d.Stream.FrameCount)
	fmt.Fprintf(w, "posed_frameloop_ticks_total%s %d\n", label, d.Ticks)
	fmt.Fprintf(w, "posed_frameloop_video_not_ready_total%s %d\n", label, d.VideoNotReady)
	fmt.Fprintf(w, "posed_overlays_rendered_total%s %d\n", label, d.Rendered)
	fmt.Fprintf(w, "posed_frameloop_draw_errors_total%s %d\n", label, d.DrawErrors)
	fmt.Fprintf(w, "posed_poses_received_total%s %d\n", label, d.PosesReceived)
	fmt.Fprintf(w, "posed_poses_dropped_total%s %d\n", label, d.PoseDrops)
	fmt.Fprintf(w, "posed_classifications_submitted_total%s %d\n", label, d.Submitted)
	fmt.Fprintf(w, "posed_classifications_succeeded_total%s %d\n", label, d.Succeeded)
	fmt.Fprintf(w, "posed_classifications_failed_total%s %d\n", label, d.Failed)
	fmt.Fprintf(w, "posed_snapshots_total%s %d\n", label, d.Snapshots)
}

// StartHealthServer starts the HTTP health check server on addr.
// This runs in a separate goroutine and does not block.
func (s *Session) StartHealthServer(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.LivenessHandler)
	mux.HandleFunc("/readiness", s.ReadinessHandler)
	mux.HandleFunc("/metrics", s.MetricsHandler)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.health = server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("health check server error", "error", err)
		}
	}()

	s.logger.Info("health check server started", "addr", ln.Addr().String())
	return nil
}

// reportHealth publishes HealthStatus over MQTT and logs a stats line every
// interval.
func (s *Session) reportHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d := s.DisplayStats()
			s.logger.Info("session stats",
				"load_state", d.State.String(),
				"ticks", d.Ticks,
				"video_not_ready", d.VideoNotReady,
				"poses_received", d.PosesReceived,
				"pose_drops", d.PoseDrops,
				"classified", d.Succeeded,
				"classify_failed", d.Failed,
				"fps_real", fmt.Sprintf("%.2f", d.Stream.FPSReal),
			)

			if s.emitter == nil {
				continue
			}
			payload, err := json.Marshal(s.HealthCheck())
			if err != nil {
				s.logger.Error("failed to marshal health", "error", err)
				continue
			}
			s.emitter.PublishHealth(payload)
		}
	}
}

// DisplayStats assembles the terminal view statistics. Thread-safe.
func (s *Session) DisplayStats() display.Stats {
	s.mu.RLock()
	running := s.isRunning
	started := s.started
	source, loop, poseSvc, pipeline, saver := s.source, s.loop, s.poseSvc, s.pipeline, s.saver
	s.mu.RUnlock()

	snap := s.board.Snapshot()
	d := display.Stats{
		InstanceID: s.cfg.InstanceID,
		State:      s.State(),
		Message:    snap.Message,
		Debug:      snap.Debug,
		PoseDrops:  s.poses.Stats().Dropped,
	}
	if running {
		d.Uptime = time.Since(started)
	}
	if source != nil {
		d.Stream = source.Stats()
	}
	if loop != nil {
		ls := loop.Stats()
		d.Ticks = ls.Ticks
		d.VideoNotReady = ls.VideoNotReady
		d.Rendered = ls.Rendered
		d.DrawErrors = ls.DrawErrors + ls.TickPanics
		d.Snapshots = ls.Snapshots
	}
	if poseSvc != nil {
		ps := poseSvc.Stats()
		d.PosesReceived = ps.Poses
		d.FramesSent = ps.FramesSent
		d.WorkerLatency = ps.AvgLatencyMS
	}
	if pipeline != nil {
		p := pipeline.Stats()
		d.Submitted = p.Submitted
		d.Succeeded = p.Succeeded
		d.Failed = p.Failed
	}
	if saver != nil {
		d.Snapshots = saver.Stats().Saved
	}
	if s.emitter != nil {
		es := s.emitter.Stats()
		d.MQTTConnected = es.Connected
		for _, n := range es.Published {
			d.MQTTPublished += n
		}
		d.MQTTDropped = es.Dropped
	}
	return d
}
