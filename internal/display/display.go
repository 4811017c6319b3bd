// Package display renders live sensor statistics in the terminal.
//
// The view is a bubbletea program that polls a StatsFunc on a ticker; it
// never receives pushes, so nothing upstream ever blocks on the terminal.
package display

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/e7canasta/orion-pose-sensor/internal/types"
)

// Stats is everything the view shows. Assembled by the session.
type Stats struct {
	InstanceID string
	State      types.LoadState
	Message    string
	Debug      string
	Uptime     time.Duration

	Stream types.StreamStats

	// Frame loop
	Ticks         uint64
	VideoNotReady uint64
	Rendered      uint64
	DrawErrors    uint64

	// Poses
	PosesReceived uint64
	PoseDrops     uint64 // overwritten before a tick consumed them
	FramesSent    uint64
	WorkerLatency float64 // ms

	// Classification
	Submitted uint64
	Succeeded uint64
	Failed    uint64

	Snapshots     uint64
	MQTTConnected bool
	MQTTPublished uint64
	MQTTDropped   uint64
}

// StatsFunc returns the current statistics. Called from the UI goroutine.
type StatsFunc func() Stats

type tickMsg time.Time

// Model is the bubbletea model of the status view.
type Model struct {
	stats    StatsFunc
	interval time.Duration
	current  Stats
	width    int
	quitting bool
}

// NewModel creates a view refreshing every interval.
func NewModel(stats StatsFunc, interval time.Duration) Model {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return Model{stats: stats, interval: interval, current: stats()}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init implements tea.Model interface.
func (m Model) Init() tea.Cmd {
	return m.tick()
}

// Update implements tea.Model interface.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		m.current = m.stats()
		return m, m.tick()
	}
	return m, nil
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(20)
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	helpStyle  = lipgloss.NewStyle().Faint(true)

	stateStyles = map[types.LoadState]lipgloss.Style{
		types.StateStreaming:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		types.StateLoadFailed: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
	}
	loadingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

// View implements tea.Model interface.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	s := m.current

	var b strings.Builder
	row := func(label, format string, args ...any) {
		b.WriteString(labelStyle.Render(label))
		b.WriteString(fmt.Sprintf(format, args...))
		b.WriteString("\n")
	}
	section := func(name string) {
		b.WriteString("\n")
		b.WriteString(titleStyle.Render(name))
		b.WriteString("\n")
	}

	b.WriteString(titleStyle.Render(fmt.Sprintf("Orion Pose Sensor · %s", s.InstanceID)))
	b.WriteString(fmt.Sprintf("  (uptime %v)\n", s.Uptime.Round(time.Second)))

	section("Status")
	row("State:", "%s", stateText(s.State))
	row("Message:", "%s", s.Message)
	row("Features:", "%s", truncate(s.Debug, 60))

	section("Video")
	row("Frames:", "%d (%d dropped, %.1f%%)", s.Stream.FrameCount, s.Stream.FramesDropped,
		dropRate(s.Stream.FrameCount, s.Stream.FramesDropped))
	row("FPS:", "%.2f real / %.2f target", s.Stream.FPSReal, s.Stream.FPSTarget)
	row("Resolution:", "%s", s.Stream.Resolution)
	row("Connected:", "%v (reconnects %d)", s.Stream.IsConnected, s.Stream.Reconnects)

	section("Frame loop")
	row("Ticks:", "%d (%d video not ready)", s.Ticks, s.VideoNotReady)
	row("Overlays:", "%d", s.Rendered)
	row("Draw errors:", "%d", s.DrawErrors)

	section("Pose worker")
	row("Frames sent:", "%d", s.FramesSent)
	row("Poses:", "%d (%d superseded)", s.PosesReceived, s.PoseDrops)
	row("Avg latency:", "%.1f ms", s.WorkerLatency)

	section("Classifier")
	row("Submitted:", "%d", s.Submitted)
	row("Succeeded:", "%d", s.Succeeded)
	row("Failed:", "%d", s.Failed)

	section("Outputs")
	row("Snapshots:", "%d", s.Snapshots)
	row("MQTT:", "%s, %d published, %d dropped", connectedText(s.MQTTConnected), s.MQTTPublished, s.MQTTDropped)

	out := boxStyle.Render(strings.TrimRight(b.String(), "\n"))
	return out + "\n" + helpStyle.Render("q: quit") + "\n"
}

func stateText(s types.LoadState) string {
	if st, ok := stateStyles[s]; ok {
		return st.Render(s.String())
	}
	return loadingStyle.Render(s.String())
}

func connectedText(ok bool) string {
	if ok {
		return "connected"
	}
	return "disconnected"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// dropRate calculates drop percentage
func dropRate(total, drops uint64) float64 {
	if total == 0 {
		return 0.0
	}
	return float64(drops) / float64(total) * 100.0
}

// Run shows the view until the user quits or ctx is cancelled. onQuit is
// invoked when the user quits.
func Run(ctx context.Context, stats StatsFunc, interval time.Duration, onQuit func()) error {
	p := tea.NewProgram(NewModel(stats, interval), tea.WithContext(ctx), tea.WithAltScreen())

	final, err := p.Run()
	if err != nil {
		if errors.Is(err, tea.ErrProgramKilled) || ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("display: %w", err)
	}

	if m, ok := final.(Model); ok && m.quitting && onQuit != nil {
		onQuit()
	}
	return nil
}
