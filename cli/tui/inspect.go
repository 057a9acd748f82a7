package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/trackd/cli/reader"
)

// InspectModel is a Bubble Tea model for inspect views.
type InspectModel struct {
	viewType string
	data     any
	records  table.Model
	width    int
	height   int
	quitting bool
}

// NewInspectModel creates a new inspect model.
func NewInspectModel(viewType string, data any) InspectModel {
	m := InspectModel{
		viewType: viewType,
		data:     data,
	}
	if items, ok := data.([]reader.RecordItem); ok {
		m.records = newRecordTable(items)
	}
	return m
}

func newRecordTable(items []reader.RecordItem) table.Model {
	rows := make([]table.Row, len(items))
	for i, it := range items {
		rows[i] = table.Row{
			fmt.Sprintf("%d", it.Seq),
			fmt.Sprintf("%d", it.Offset),
			it.Type,
			it.Summary,
		}
	}
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Seq", Width: 8},
			{Title: "Offset", Width: 10},
			{Title: "Type", Width: 10},
			{Title: "Summary", Width: 48},
		}),
		table.WithRows(rows),
		table.WithFocused(true),
		table.WithHeight(min(len(rows), 20)+1),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.Bold(true).Foreground(primaryColor)
	s.Selected = s.Selected.Foreground(lipgloss.Color("#FFFFFF")).Background(highlightColor)
	t.SetStyles(s)
	return t
}

// Init implements tea.Model.
func (m InspectModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m InspectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if m.viewType == "inspect_records" && msg.Height > 6 {
			m.records.SetHeight(msg.Height - 6)
		}
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	}

	if m.viewType == "inspect_records" {
		var cmd tea.Cmd
		m.records, cmd = m.records.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m InspectModel) View() string {
	if m.quitting {
		return ""
	}

	var content, help string
	switch m.viewType {
	case "inspect_run":
		content = m.renderInspectRun()
		help = "Press q or Ctrl+C to quit"
	case "inspect_records":
		content = m.renderInspectRecords()
		help = "↑/↓ to scroll • q to quit"
	default:
		content = fmt.Sprintf("Unknown view type: %s", m.viewType)
	}

	return content + "\n" + HelpStyle.Render(help)
}

func (m InspectModel) renderInspectRun() string {
	data, ok := m.data.(*reader.InspectRunResponse)
	if !ok {
		return "Invalid data type for inspect_run"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Run Details"))
	b.WriteString("\n\n")

	row := func(label, value string, style lipgloss.Style) {
		b.WriteString(fmt.Sprintf("%s %s\n", LabelStyle.Render(label+":"), style.Render(value)))
	}

	row("Run ID", data.RunID, ValueStyle)
	if data.Project != "" {
		row("Project", data.Project, ValueStyle)
	}
	if data.StartedAt != nil {
		row("Started At", data.StartedAt.Format("2006-01-02 15:04:05"), ValueStyle)
	}
	row("State", data.State, StateStyle(data.State))
	row("Defer State", data.DeferState, StateStyle(data.DeferState))
	if data.ExitCode != nil {
		style := SuccessStyle
		if *data.ExitCode != 0 {
			style = ErrorStyle
		}
		row("Exit Code", fmt.Sprintf("%d", *data.ExitCode), style)
		row("Runtime", fmt.Sprintf("%.1fs", data.Runtime), ValueStyle)
	}
	row("Entries", fmt.Sprintf("%d (last seq %d)", data.Entries, data.LastSeq), ValueStyle)
	row("Size", fmt.Sprintf("%d bytes", data.SizeBytes), ValueStyle)
	if data.TrailingBytes > 0 {
		row("Trailing", fmt.Sprintf("%d bytes", data.TrailingBytes), WarningStyle)
	}
	if data.CorruptAt != nil {
		row("Corrupt At", fmt.Sprintf("offset %d", *data.CorruptAt), ErrorStyle)
	}
	row("History", fmt.Sprintf("step %d, %d rows", data.HistoryStep, data.HistoryRows), ValueStyle)

	if len(data.RecordsByType) > 0 {
		b.WriteString("\n")
		b.WriteString(TitleStyle.Render("Records"))
		b.WriteString("\n")
		names := make([]string, 0, len(data.RecordsByType))
		for name := range data.RecordsByType {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			row("  "+name, fmt.Sprintf("%d", data.RecordsByType[name]), ValueStyle)
		}
	}

	for _, w := range data.ReplayWarnings {
		b.WriteString(WarningStyle.Render("! "+w) + "\n")
	}

	return BoxStyle.Render(b.String())
}

func (m InspectModel) renderInspectRecords() string {
	if _, ok := m.data.([]reader.RecordItem); !ok {
		return "Invalid data type for inspect_records"
	}
	title := TitleStyle.Render(fmt.Sprintf("Records (%d)", len(m.records.Rows())))
	return title + "\n" + m.records.View()
}

// keyMap defines key bindings.
type keyMap struct {
	Quit key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// RunInspectTUI runs the inspect TUI.
func RunInspectTUI(viewType string, data any) error {
	model := NewInspectModel(viewType, data)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RenderInspectStatic renders inspect data without full TUI (for fallback).
func RenderInspectStatic(viewType string, data any) string {
	model := NewInspectModel(viewType, data)
	model.width = 80
	model.height = 24
	return lipgloss.NewStyle().Padding(1, 2).Render(model.View())
}
