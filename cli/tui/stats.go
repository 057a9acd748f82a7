package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/trackd/cli/reader"
)

// StatsModel is a Bubble Tea model for stats views.
type StatsModel struct {
	viewType string
	data     any
	width    int
	height   int
	quitting bool
}

// NewStatsModel creates a new stats model.
func NewStatsModel(viewType string, data any) StatsModel {
	return StatsModel{
		viewType: viewType,
		data:     data,
	}
}

// Init implements tea.Model.
func (m StatsModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m StatsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	}

	return m, nil
}

// View implements tea.Model.
func (m StatsModel) View() string {
	if m.quitting {
		return ""
	}

	var content string
	switch m.viewType {
	case "stats_runs":
		content = m.renderStatsRuns()
	case "stats_metrics":
		content = m.renderStatsMetrics()
	default:
		content = fmt.Sprintf("Unknown view type: %s", m.viewType)
	}

	help := HelpStyle.Render("Press q or Ctrl+C to quit")
	return content + "\n" + help
}

func (m StatsModel) renderStatsRuns() string {
	data, ok := m.data.(*reader.RunStats)
	if !ok {
		return "Invalid data type for stats_runs"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Run Statistics"))
	b.WriteString("\n\n")

	boxes := []string{
		m.renderStatBox("Total", int64(data.Total), highlightColor),
		m.renderStatBox("Active", int64(data.Active+data.Stopping), warningColor),
		m.renderStatBox("Sealed", int64(data.Sealed), successColor),
		m.renderStatBox("Corrupt", int64(data.Corrupt), errorColor),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, boxes...))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("%s %s\n",
		LabelStyle.Render("Entries:"),
		ValueStyle.Render(fmt.Sprintf("%d", data.Entries))))
	b.WriteString(fmt.Sprintf("%s %s\n",
		LabelStyle.Render("Bytes:"),
		ValueStyle.Render(fmt.Sprintf("%d", data.Bytes))))

	return b.String()
}

func (m StatsModel) renderStatsMetrics() string {
	data, ok := m.data.(*reader.MetricsSnapshot)
	if !ok {
		return "Invalid data type for stats_metrics"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render(fmt.Sprintf("Run %s (%s, %s)", data.RunID, data.Policy, data.StorageBackend)))
	b.WriteString("\n\n")

	failColor := successColor
	if data.LodeWriteFailure > 0 || data.ShutdownFailures > 0 {
		failColor = errorColor
	}
	boxes := []string{
		m.renderStatBox("Received", data.RecordsReceived, highlightColor),
		m.renderStatBox("Persisted", data.RecordsPersisted, successColor),
		m.renderStatBox("Synced", data.SyncPersisted, primaryColor),
		m.renderStatBox("Failures", data.LodeWriteFailure+data.ShutdownFailures, failColor),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, boxes...))
	b.WriteString("\n")

	rows := [][2]string{
		{"Duplicates:", fmt.Sprintf("%d", data.RecordsDuplicate)},
		{"Rejected:", fmt.Sprintf("%d", data.RecordsRejected)},
		{"Local only:", fmt.Sprintf("%d", data.RecordsLocal)},
		{"Flow waits:", fmt.Sprintf("%d", data.FlowControlWaits)},
		{"IPC errors:", fmt.Sprintf("%d", data.IPCDecodeErrors)},
	}
	for _, r := range rows {
		b.WriteString(fmt.Sprintf("%s %s\n", LabelStyle.Render(r[0]), ValueStyle.Render(r[1])))
	}

	if len(data.RecordsByType) > 0 {
		names := make([]string, 0, len(data.RecordsByType))
		for name := range data.RecordsByType {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteString("\n")
		for _, name := range names {
			b.WriteString(fmt.Sprintf("%s %s\n",
				LabelStyle.Render(name+":"),
				ValueStyle.Render(fmt.Sprintf("%d", data.RecordsByType[name]))))
		}
	}

	return b.String()
}

func (m StatsModel) renderStatBox(label string, value int64, color lipgloss.Color) string {
	boxStyle := StatBoxStyle.BorderForeground(color)

	valueStr := StatValueStyle.Foreground(color).Render(fmt.Sprintf("%d", value))
	labelStr := StatLabelStyle.Render(label)

	content := lipgloss.JoinVertical(lipgloss.Center, valueStr, labelStr)

	return boxStyle.Render(content)
}

// RunStatsTUI runs the stats TUI.
func RunStatsTUI(viewType string, data any) error {
	model := NewStatsModel(viewType, data)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RenderStatsStatic renders stats data without full TUI (for fallback).
func RenderStatsStatic(viewType string, data any) string {
	model := NewStatsModel(viewType, data)
	model.width = 80
	model.height = 24
	return lipgloss.NewStyle().Padding(1, 2).Render(model.View())
}
