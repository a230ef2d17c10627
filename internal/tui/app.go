package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/kylemclaren/device-tasks/internal/cancel"
	"github.com/kylemclaren/device-tasks/internal/db"
	"github.com/kylemclaren/device-tasks/internal/executor"
	"github.com/kylemclaren/device-tasks/internal/queue"
	"github.com/kylemclaren/device-tasks/internal/stream"
)

// View represents the current view
type View int

const (
	ViewList View = iota
	ViewDetail
)

// KeyMap defines keybindings
type KeyMap struct {
	Up      key.Binding
	Down    key.Binding
	Enter   key.Binding
	Cancel  key.Binding
	Rerun   key.Binding
	Filter  key.Binding
	Refresh key.Binding
	Back    key.Binding
	Quit    key.Binding
	Help    key.Binding
}

var keys = KeyMap{
	Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Enter:   key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "details")),
	Cancel:  key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "cancel task")),
	Rerun:   key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "run again")),
	Filter:  key.NewBinding(key.WithKeys("f"), key.WithHelp("f", "filter status")),
	Refresh: key.NewBinding(key.WithKeys("ctrl+r"), key.WithHelp("ctrl+r", "refresh")),
	Back:    key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
	Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	Help:    key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
}

func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Enter, k.Cancel, k.Rerun, k.Filter, k.Help, k.Quit}
}

func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Enter},
		{k.Cancel, k.Rerun, k.Filter},
		{k.Refresh, k.Back, k.Quit},
	}
}

// filterCycle is the order the filter key steps through; "" shows everything
var filterCycle = []db.TaskStatus{"", db.TaskPending, db.TaskRunning, db.TaskSuccess, db.TaskFailed, db.TaskCanceled}

// Options connects the monitor to the rest of the system.
// Queue is needed to run a task again, Bus lets workers in other processes see a cancel.
type Options struct {
	Queue     queue.Queue
	Bus       cancel.Bus
	Publisher stream.Publisher
	// Limit caps how many tasks the list loads, default 200
	Limit int
}

// Model is the main TUI model
type Model struct {
	db   *db.DB
	opts Options

	currentView View
	width       int
	height      int

	// List view
	tasks   []*db.Task
	table   table.Model
	filter  int
	spinner spinner.Model

	help     help.Model
	showHelp bool

	// Detail view
	selected   *db.Task
	viewport   viewport.Model
	mdRenderer *glamour.TermRenderer

	statusMsg   string
	statusErr   bool
	statusTimer int
}

// Layout constants
const (
	minWidth           = 60
	maxTableWidth      = 160
	headerHeight       = 4
	footerHeight       = 4
	minTableHeight     = 5
	detailHeaderHeight = 4
	detailFooterHeight = 3
)

// calculateTableColumns returns column definitions sized for the given width
func calculateTableColumns(width int) []table.Column {
	availableWidth := width - 4
	if availableWidth < minWidth {
		availableWidth = minWidth
	}
	if availableWidth > maxTableWidth {
		availableWidth = maxTableWidth
	}

	idWidth := 6
	statusWidth := 12
	remaining := availableWidth - idWidth - statusWidth - 10

	scriptWidth := max(remaining*30/100, 12)
	deviceWidth := max(remaining*30/100, 14)
	startedWidth := max(remaining*20/100, 12)
	durationWidth := max(remaining*20/100, 10)

	return []table.Column{
		{Title: "ID", Width: idWidth},
		{Title: "Script", Width: scriptWidth},
		{Title: "Device", Width: deviceWidth},
		{Title: "Status", Width: statusWidth},
		{Title: "Started", Width: startedWidth},
		{Title: "Duration", Width: durationWidth},
	}
}

// NewModel creates a new TUI model
func NewModel(database *db.DB, opts Options) Model {
	if opts.Limit <= 0 {
		opts.Limit = 200
	}

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(warningColor)

	h := help.New()
	h.Styles.ShortKey = helpKeyStyle
	h.Styles.ShortDesc = helpDescStyle

	t := table.New(
		table.WithColumns(calculateTableColumns(100)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	ts := table.DefaultStyles()
	ts.Header = ts.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(dimTextColor).
		BorderBottom(true).
		Bold(true).
		Foreground(accentColor)
	ts.Selected = ts.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(primaryColor).
		Bold(true)
	t.SetStyles(ts)

	renderer, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)

	return Model{
		db:         database,
		opts:       opts,
		table:      t,
		spinner:    s,
		help:       h,
		viewport:   viewport.New(80, 20),
		mdRenderer: renderer,
	}
}

func (m *Model) currentFilter() db.TaskStatus {
	return filterCycle[m.filter]
}

func (m *Model) updateTable() {
	columns := m.table.Columns()
	scriptWidth, deviceWidth := 18, 18
	if len(columns) >= 3 {
		scriptWidth = columns[1].Width - 2
		deviceWidth = columns[2].Width - 2
	}

	rows := make([]table.Row, len(m.tasks))
	for i, task := range m.tasks {
		rows[i] = taskRow(task, scriptWidth, deviceWidth, time.Now())
	}
	m.table.SetRows(rows)
}

func taskRow(task *db.Task, scriptWidth, deviceWidth int, now time.Time) table.Row {
	started := "-"
	if task.StartedAt != nil {
		started = formatTime(*task.StartedAt)
	}
	return table.Row{
		fmt.Sprintf("%d", task.ID),
		truncate(task.ScriptName, scriptWidth),
		truncate(task.DeviceURI, deviceWidth),
		statusLabel(task.Status),
		started,
		taskDuration(task, now),
	}
}

func taskDuration(task *db.Task, now time.Time) string {
	if task.StartedAt == nil {
		return "-"
	}
	end := now
	if task.CompletedAt != nil {
		end = *task.CompletedAt
	}
	return end.Sub(*task.StartedAt).Round(time.Second).String()
}

func formatTime(t time.Time) string {
	if time.Since(t) < 24*time.Hour {
		return t.Format("15:04:05")
	}
	return t.Format("Jan 02 15:04")
}

func truncate(s string, max int) string {
	if max < 4 || len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// Messages
type tasksLoadedMsg struct{ tasks []*db.Task }
type taskLoadedMsg struct{ task *db.Task }
type taskCanceledMsg struct{ task db.Task }
type taskQueuedMsg struct{ task *db.Task }
type errMsg struct{ err error }
type tickMsg time.Time

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.loadTasks(),
		m.spinner.Tick,
		tickCmd(),
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Model) loadTasks() tea.Cmd {
	filter := db.TaskFilter{Status: m.currentFilter(), Limit: m.opts.Limit}
	return func() tea.Msg {
		tasks, err := m.db.ListTasks(context.Background(), filter)
		if err != nil {
			return errMsg{err}
		}
		return tasksLoadedMsg{tasks}
	}
}

func (m *Model) loadTask(id int64) tea.Cmd {
	return func() tea.Msg {
		task, err := m.db.GetTask(context.Background(), id)
		if err != nil {
			return errMsg{err}
		}
		return taskLoadedMsg{task}
	}
}

func (m *Model) cancelTask(id int64) tea.Cmd {
	return func() tea.Msg {
		task, err := executor.CancelTask(context.Background(), m.db, m.opts.Publisher, m.opts.Bus, id, nil)
		switch {
		case errors.Is(err, db.ErrInvalidTransition):
			return errMsg{fmt.Errorf("task #%d already finished", id)}
		case err != nil && task.Status != db.TaskCanceled:
			return errMsg{err}
		}
		return taskCanceledMsg{task}
	}
}

func (m *Model) rerunTask(task *db.Task) tea.Cmd {
	scriptID, device := task.ScriptID, task.DeviceURI
	return func() tea.Msg {
		if m.opts.Queue == nil {
			return errMsg{errors.New("no job queue configured, start with worker.queue: redis to run tasks from here")}
		}
		created, _, err := executor.Submit(context.Background(), m.db, m.opts.Queue, scriptID, device)
		if err != nil {
			return errMsg{err}
		}
		return taskQueuedMsg{created}
	}
}

func (m *Model) setStatus(msg string, isErr bool) {
	m.statusMsg = msg
	m.statusErr = isErr
	m.statusTimer = 3
}

func (m *Model) selectedTask() *db.Task {
	if m.currentView == ViewDetail {
		return m.selected
	}
	i := m.table.Cursor()
	if i < 0 || i >= len(m.tasks) {
		return nil
	}
	return m.tasks[i]
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.currentView == ViewDetail {
			return m.updateDetail(msg)
		}
		return m.updateList(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		m.table.SetColumns(calculateTableColumns(msg.Width))
		m.table.SetWidth(min(msg.Width-4, maxTableWidth))
		m.table.SetHeight(max(msg.Height-headerHeight-footerHeight-4, minTableHeight))

		m.viewport.Width = msg.Width - 6
		m.viewport.Height = max(msg.Height-detailHeaderHeight-detailFooterHeight-2, 5)
		m.help.Width = msg.Width

		if renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(msg.Width-10),
		); err == nil {
			m.mdRenderer = renderer
		}
		m.updateTable()
		if m.selected != nil {
			m.viewport.SetContent(m.renderDetailContent())
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tickMsg:
		if m.statusTimer > 0 {
			m.statusTimer--
			if m.statusTimer == 0 {
				m.statusMsg = ""
			}
		}
		cmds = append(cmds, tickCmd(), m.loadTasks())
		if m.currentView == ViewDetail && m.selected != nil && !m.selected.Status.IsTerminal() {
			cmds = append(cmds, m.loadTask(m.selected.ID))
		}

	case tasksLoadedMsg:
		m.tasks = msg.tasks
		m.updateTable()

	case taskLoadedMsg:
		if m.selected != nil && m.selected.ID == msg.task.ID {
			atBottom := m.viewport.AtBottom()
			m.selected = msg.task
			m.viewport.SetContent(m.renderDetailContent())
			if atBottom {
				m.viewport.GotoBottom()
			}
		}

	case taskCanceledMsg:
		m.setStatus(fmt.Sprintf("Task #%d canceled", msg.task.ID), false)
		if m.selected != nil && m.selected.ID == msg.task.ID {
			task := msg.task
			m.selected = &task
			m.viewport.SetContent(m.renderDetailContent())
		}
		cmds = append(cmds, m.loadTasks())

	case taskQueuedMsg:
		m.setStatus(fmt.Sprintf("Task #%d queued", msg.task.ID), false)
		cmds = append(cmds, m.loadTasks())

	case errMsg:
		m.setStatus("Error: "+msg.err.Error(), true)
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) updateList(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		return *m, tea.Quit

	case key.Matches(msg, keys.Help):
		m.showHelp = !m.showHelp
		return *m, nil

	case key.Matches(msg, keys.Enter):
		task := m.selectedTask()
		if task == nil {
			return *m, nil
		}
		m.selected = task
		m.currentView = ViewDetail
		m.viewport.SetContent(m.renderDetailContent())
		m.viewport.GotoBottom()
		return *m, m.loadTask(task.ID)

	case key.Matches(msg, keys.Cancel):
		if task := m.selectedTask(); task != nil {
			return *m, m.cancelTask(task.ID)
		}
		return *m, nil

	case key.Matches(msg, keys.Rerun):
		if task := m.selectedTask(); task != nil {
			return *m, m.rerunTask(task)
		}
		return *m, nil

	case key.Matches(msg, keys.Filter):
		m.filter = (m.filter + 1) % len(filterCycle)
		m.table.SetCursor(0)
		return *m, m.loadTasks()

	case key.Matches(msg, keys.Refresh):
		return *m, m.loadTasks()
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return *m, cmd
}

func (m *Model) updateDetail(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Back), key.Matches(msg, keys.Quit):
		m.currentView = ViewList
		m.selected = nil
		return *m, m.loadTasks()

	case key.Matches(msg, keys.Cancel):
		return *m, m.cancelTask(m.selected.ID)

	case key.Matches(msg, keys.Rerun):
		return *m, m.rerunTask(m.selected)

	case key.Matches(msg, keys.Refresh):
		return *m, m.loadTask(m.selected.ID)
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return *m, cmd
}

func (m Model) View() string {
	var content string
	switch m.currentView {
	case ViewDetail:
		content = m.renderDetail()
	default:
		content = m.renderList()
	}
	return appStyle.Render(content)
}

func (m Model) renderList() string {
	var b strings.Builder

	b.WriteString(logoStyle.Render("Device Tasks"))
	if f := m.currentFilter(); f != "" {
		b.WriteString("  ")
		b.WriteString(filterStyle.Render("status: " + statusStyle(f).Render(string(f))))
	}
	b.WriteString("\n\n")

	running := 0
	for _, task := range m.tasks {
		if task.Status == db.TaskRunning {
			running++
		}
	}
	if running > 0 {
		b.WriteString(m.spinner.View())
		b.WriteString(" ")
		b.WriteString(statusRunning.Render(fmt.Sprintf("%d task(s) running", running)))
		b.WriteString("\n\n")
	}

	if len(m.tasks) == 0 {
		if m.currentFilter() != "" {
			b.WriteString(emptyBoxStyle.Render("No tasks with this status\n\nPress 'f' to change the filter"))
		} else {
			b.WriteString(emptyBoxStyle.Render("No tasks yet\n\nRun a script through the API or with 'device-tasks run'"))
		}
	} else {
		b.WriteString(m.table.View())
	}
	b.WriteString("\n")

	b.WriteString(m.renderStatus())

	b.WriteString("\n")
	if m.showHelp {
		b.WriteString(m.help.FullHelpView(keys.FullHelp()))
	} else {
		b.WriteString(m.help.ShortHelpView(keys.ShortHelp()))
	}
	return b.String()
}

func (m Model) renderStatus() string {
	if m.statusMsg == "" {
		return ""
	}
	if m.statusErr {
		return errorMsgStyle.Render("✗ "+m.statusMsg) + "\n"
	}
	return successMsgStyle.Render("✓ "+m.statusMsg) + "\n"
}

func (m Model) renderDetail() string {
	var b strings.Builder
	task := m.selected

	b.WriteString(logoStyle.Render(fmt.Sprintf("Task #%d: %s", task.ID, task.ScriptName)))
	b.WriteString("  ")
	b.WriteString(statusStyle(task.Status).Render(statusLabel(task.Status)))
	b.WriteString("\n")
	b.WriteString(subtitleStyle.Render(task.DeviceURI))
	b.WriteString("\n\n")

	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.renderStatus())
	b.WriteString("\n")

	helpText := helpKeyStyle.Render("↑/↓") + helpDescStyle.Render(" scroll • ") +
		helpKeyStyle.Render("c") + helpDescStyle.Render(" cancel • ") +
		helpKeyStyle.Render("r") + helpDescStyle.Render(" run again • ") +
		helpKeyStyle.Render("esc") + helpDescStyle.Render(" back")
	b.WriteString(helpText)
	return b.String()
}

func (m Model) renderDetailContent() string {
	md := taskMarkdown(m.selected, time.Now())
	if m.mdRenderer != nil {
		if rendered, err := m.mdRenderer.Render(md); err == nil {
			return rendered
		}
	}
	return md
}

// taskMarkdown describes a task for the detail view
func taskMarkdown(task *db.Task, now time.Time) string {
	var b strings.Builder

	b.WriteString("| | |\n|---|---|\n")
	fmt.Fprintf(&b, "| Status | %s |\n", task.Status)
	fmt.Fprintf(&b, "| Created | %s |\n", task.CreatedAt.Format("2006-01-02 15:04:05"))
	if task.StartedAt != nil {
		fmt.Fprintf(&b, "| Started | %s |\n", task.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if task.CompletedAt != nil {
		fmt.Fprintf(&b, "| Completed | %s |\n", task.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(&b, "| Duration | %s |\n", taskDuration(task, now))
	if task.ExternalJobID != "" {
		fmt.Fprintf(&b, "| Job | `%s` |\n", task.ExternalJobID)
	}
	if task.LatestScreenshot != "" {
		fmt.Fprintf(&b, "| Latest screenshot | `%s` |\n", task.LatestScreenshot)
	}

	b.WriteString("\n## Log\n\n")
	if task.Log == "" {
		b.WriteString("_nothing logged yet_\n")
		return b.String()
	}
	b.WriteString("```text\n")
	b.WriteString(strings.TrimRight(task.Log, "\n"))
	b.WriteString("\n```\n")
	return b.String()
}

// Run starts the TUI application
func Run(database *db.DB, opts Options) error {
	m := NewModel(database, opts)
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
