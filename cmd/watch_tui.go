// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Thermoquad/limelight/pkg/dmx"
	"github.com/Thermoquad/limelight/pkg/rdm"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// watchLogEntry is one line in the event log pane.
type watchLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

// watchModel is the TUI state for the watch command.
type watchModel struct {
	connInfo string

	slots     [512]byte
	slotCount int
	hasFrame  bool

	frameCount int
	rdmCount   int
	errorCount int
	frameRate  float64
	lastCount  int

	lastMetrics *dmx.SnifferMetrics

	log           []watchLogEntry
	maxLogEntries int
	logView       viewport.Model
	logDirty      bool

	width    int
	height   int
	quitting bool
}

type watchTickMsg time.Time
type watchEventMsg busEvent
type watchMetricsMsg dmx.SnifferMetrics
type watchClosedMsg struct{}

func initialWatchModel(connInfo string) watchModel {
	return watchModel{
		connInfo:      connInfo,
		maxLogEntries: 200,
		logView:       viewport.New(80, 10),
		width:         80,
		height:        24,
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(watchTickCmd(), tea.EnterAltScreen)
}

func watchTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return watchTickMsg(t)
	})
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "up", "down", "pgup", "pgdown":
			var cmd tea.Cmd
			m.logView, cmd = m.logView.Update(msg)
			return m, cmd
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.logView.Width = msg.Width - 4
		m.logDirty = true

	case watchTickMsg:
		m.frameRate = float64(m.frameCount - m.lastCount)
		m.lastCount = m.frameCount
		return m, watchTickCmd()

	case watchMetricsMsg:
		metrics := dmx.SnifferMetrics(msg)
		m.lastMetrics = &metrics

	case watchClosedMsg:
		m.quitting = true
		return m, tea.Quit

	case watchEventMsg:
		m.applyEvent(busEvent(msg))
	}

	if m.logDirty {
		m.refreshLog()
	}
	return m, nil
}

func (m *watchModel) applyEvent(ev busEvent) {
	m.frameCount++

	if ev.Err != nil {
		m.errorCount++
		m.addLogEntry(fmt.Sprintf("ERROR %v", ev.Err), true)
	}

	switch {
	case ev.Packet != nil:
		m.rdmCount++
		m.addLogEntry(strings.TrimRight(rdm.FormatPacket(ev.Packet), "\n"), false)
	case len(ev.Frame) > 0 && ev.Frame[0] == 0x00:
		m.slotCount = copy(m.slots[:], ev.Frame[1:])
		m.hasFrame = true
	}
}

func (m *watchModel) addLogEntry(message string, isError bool) {
	m.log = append(m.log, watchLogEntry{timestamp: time.Now(), message: message, isError: isError})
	if len(m.log) > m.maxLogEntries {
		m.log = m.log[len(m.log)-m.maxLogEntries:]
	}
	m.logDirty = true
}

var (
	watchTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)

	watchHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("241"))

	watchLabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			Bold(true)

	watchValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	watchErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	watchDimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	watchBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

func (m *watchModel) refreshLog() {
	var sb strings.Builder
	for i := range m.log {
		entry := &m.log[i]
		timestamp := entry.timestamp.Format("15:04:05.000")
		line := entry.message
		if entry.isError {
			line = watchErrorStyle.Render(line)
		}
		sb.WriteString(watchHeaderStyle.Render(timestamp))
		sb.WriteString(" ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	atBottom := m.logView.AtBottom()
	m.logView.SetContent(sb.String())
	if atBottom {
		m.logView.GotoBottom()
	}
	m.logDirty = false
}

// renderSlotGrid draws the latest frame's slot values, 16 per row.
func (m *watchModel) renderSlotGrid(rows int) string {
	if !m.hasFrame {
		return watchHeaderStyle.Render("(no null start code frame yet)")
	}

	var sb strings.Builder
	shown := m.slotCount
	if shown > rows*16 {
		shown = rows * 16
	}
	for i := 0; i < shown; i++ {
		if i%16 == 0 {
			if i > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(watchHeaderStyle.Render(fmt.Sprintf("%3d ", i+1)))
		}
		v := m.slots[i]
		cell := fmt.Sprintf("%02X ", v)
		if v == 0 {
			sb.WriteString(watchDimStyle.Render(cell))
		} else {
			sb.WriteString(watchValueStyle.Render(cell))
		}
	}
	if m.slotCount > shown {
		sb.WriteString(watchHeaderStyle.Render(fmt.Sprintf("\n... %d more slots", m.slotCount-shown)))
	}
	return sb.String()
}

func (m watchModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder
	s.WriteString(watchTitleStyle.Render("LIMELIGHT - BUS WATCH"))
	s.WriteString("\n")
	s.WriteString(watchHeaderStyle.Render(fmt.Sprintf("%s | Press 'q' to quit", m.connInfo)))
	s.WriteString("\n\n")

	// Stats line
	stats := fmt.Sprintf("%s %s   %s %s   %s %s   %s %s",
		watchLabelStyle.Render("Frames:"), watchValueStyle.Render(fmt.Sprintf("%d", m.frameCount)),
		watchLabelStyle.Render("RDM:"), watchValueStyle.Render(fmt.Sprintf("%d", m.rdmCount)),
		watchLabelStyle.Render("Errors:"), watchErrorStyle.Render(fmt.Sprintf("%d", m.errorCount)),
		watchLabelStyle.Render("Rate:"), watchValueStyle.Render(fmt.Sprintf("%.0f/s", m.frameRate)),
	)
	if m.lastMetrics != nil {
		stats += fmt.Sprintf("   %s %s",
			watchLabelStyle.Render("Break/MAB:"),
			watchValueStyle.Render(fmt.Sprintf("%dus/%dus", m.lastMetrics.BreakLen, m.lastMetrics.MABLen)),
		)
	}
	s.WriteString(watchBoxStyle.Render(stats))
	s.WriteString("\n\n")

	// Slot grid
	gridRows := 8
	s.WriteString(watchLabelStyle.Render("Slots:"))
	s.WriteString("\n")
	s.WriteString(watchBoxStyle.Render(m.renderSlotGrid(gridRows)))
	s.WriteString("\n\n")

	// Event log
	logHeight := m.height - gridRows - 12
	if logHeight < 4 {
		logHeight = 4
	}
	m.logView.Height = logHeight
	s.WriteString(watchLabelStyle.Render("RDM Traffic:"))
	s.WriteString("\n")
	s.WriteString(watchBoxStyle.Width(m.width - 4).Render(m.logView.View()))

	return s.String()
}

// runWatchTUI feeds the event stream into the bubbletea program.
func runWatchTUI(ctx context.Context, events <-chan busEvent, monitor *loopbackMonitor, connInfo string) error {
	p := tea.NewProgram(initialWatchModel(connInfo), tea.WithAltScreen())

	go func() {
		for {
			select {
			case <-ctx.Done():
				p.Send(watchClosedMsg{})
				return
			case ev, ok := <-events:
				if !ok {
					p.Send(watchClosedMsg{})
					return
				}
				p.Send(watchEventMsg(ev))
			}
		}
	}()

	if monitor != nil {
		go func() {
			for metrics := range monitor.sniffer.Metrics() {
				p.Send(watchMetricsMsg(metrics))
			}
		}()
	}

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}
