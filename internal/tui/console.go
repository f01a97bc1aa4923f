package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

const maxLines = 500

var (
	colorActive = lipgloss.Color("#7aa2f7")
	colorText   = lipgloss.Color("#a9b1d6")
	colorGood   = lipgloss.Color("#9ece6a")
	colorBad    = lipgloss.Color("#f7768e")
	colorWarn   = lipgloss.Color("#ff9e64")

	styleHeader = lipgloss.NewStyle().Bold(true).Foreground(colorActive)
	styleTab    = lipgloss.NewStyle().Foreground(colorText).Padding(0, 1)
	styleTabOn  = lipgloss.NewStyle().Foreground(colorActive).Bold(true).Padding(0, 1).Underline(true)
	styleFooter = lipgloss.NewStyle().Foreground(colorText)
	styleGood   = lipgloss.NewStyle().Foreground(colorGood)
	styleBad    = lipgloss.NewStyle().Foreground(colorBad)
	styleWarn   = lipgloss.NewStyle().Foreground(colorWarn)
)

type keyMap struct {
	Quit, Tab1, Tab2, Tab3, Tab4 key.Binding
	Up, Down                     key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(key.WithKeys("q", "ctrl+c")),
	Tab1: key.NewBinding(key.WithKeys("1")),
	Tab2: key.NewBinding(key.WithKeys("2")),
	Tab3: key.NewBinding(key.WithKeys("3")),
	Tab4: key.NewBinding(key.WithKeys("4")),
	Up:   key.NewBinding(key.WithKeys("up", "k")),
	Down: key.NewBinding(key.WithKeys("down", "j")),
}

type tab int

const (
	tabTrades tab = iota
	tabJobs
	tabReactive
	tabLogs
)

var tabNames = []string{"Trades", "Jobs", "Reactive", "Logs"}

// TickMsg drives the clock in the header.
type TickMsg time.Time

// eventMsg wraps a bus event for the update loop.
type eventMsg BusEvent

// errMsg is a terminal bus error.
type errMsg struct{ err error }

// Model is the console's bubbletea model.
type Model struct {
	client *BusClient

	active tab
	width  int
	height int
	vp     viewport.Model
	ready  bool

	lines    map[tab][]string
	jobState map[string]string
	events   int
	lastErr  string
	started  time.Time
}

// NewModel creates the console model over a connected bus client.
func NewModel(client *BusClient) Model {
	return Model{
		client:   client,
		lines:    make(map[tab][]string),
		jobState: make(map[string]string),
		started:  time.Now(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tea.SetWindowTitle("Flywheel Console"),
		m.waitForEvent(),
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return TickMsg(t) }),
	)
}

func (m Model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		select {
		case ev := <-m.client.Events():
			return eventMsg(ev)
		case err := <-m.client.Errs():
			return errMsg{err}
		}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.client.Close()
			return m, tea.Quit
		case key.Matches(msg, keys.Tab1):
			m.active = tabTrades
		case key.Matches(msg, keys.Tab2):
			m.active = tabJobs
		case key.Matches(msg, keys.Tab3):
			m.active = tabReactive
		case key.Matches(msg, keys.Tab4):
			m.active = tabLogs
		case key.Matches(msg, keys.Up):
			m.vp.LineUp(1)
		case key.Matches(msg, keys.Down):
			m.vp.LineDown(1)
		}
		m.refreshViewport()

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if !m.ready {
			m.vp = viewport.New(msg.Width, msg.Height-4)
			m.ready = true
		} else {
			m.vp.Width = msg.Width
			m.vp.Height = msg.Height - 4
		}
		m.refreshViewport()

	case TickMsg:
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return TickMsg(t) })

	case eventMsg:
		m.ingest(BusEvent(msg))
		m.refreshViewport()
		return m, m.waitForEvent()

	case errMsg:
		m.lastErr = msg.err.Error()
	}

	return m, nil
}

func (m *Model) ingest(ev BusEvent) {
	m.events++
	ts := ev.At.Format("15:04:05")

	switch ev.Channel {
	case "transactions":
		line := fmt.Sprintf("%s  %-8s %-10s %s", ts,
			str(ev.Data, "kind"), str(ev.Data, "tokenId"), renderTxStatus(ev.Data))
		m.push(tabTrades, line)
	case "job_status":
		job := str(ev.Data, "job")
		state := str(ev.Data, "state")
		if state == "" {
			state = str(ev.Data, "event")
		}
		if job != "" {
			m.jobState[job] = state
		}
		m.push(tabJobs, fmt.Sprintf("%s  %-12s %s", ts, job, state))
	case "reactive_events":
		m.push(tabReactive, fmt.Sprintf("%s  %-10s %s %.2f SOL → %s%%", ts,
			truncate(str(ev.Data, "mint"), 10), str(ev.Data, "side"),
			num(ev.Data, "observedSol"), fmt.Sprintf("%.0f", num(ev.Data, "responsePct"))))
	case "logs":
		m.push(tabLogs, fmt.Sprintf("%s  [%s] %s", ts, str(ev.Data, "level"), str(ev.Data, "message")))
	case "balance_updates":
		m.push(tabLogs, fmt.Sprintf("%s  balance %s %.4f", ts,
			truncate(str(ev.Data, "address"), 8), num(ev.Data, "amount")))
	}
}

func renderTxStatus(data map[string]interface{}) string {
	status := str(data, "status")
	switch status {
	case "confirmed":
		return styleGood.Render(status) + " " + truncate(str(data, "signature"), 16)
	case "failed":
		return styleBad.Render(status) + " " + truncate(str(data, "error"), 40)
	}
	return styleWarn.Render(status)
}

func (m *Model) push(t tab, line string) {
	m.lines[t] = append(m.lines[t], line)
	if len(m.lines[t]) > maxLines {
		m.lines[t] = m.lines[t][len(m.lines[t])-maxLines:]
	}
}

func (m *Model) refreshViewport() {
	if !m.ready {
		return
	}
	if m.active == tabJobs && len(m.jobState) > 0 {
		m.vp.SetContent(m.renderJobs())
		return
	}
	content := strings.Join(m.lines[m.active], "\n")
	m.vp.SetContent(content)
	m.vp.GotoBottom()
}

func (m *Model) renderJobs() string {
	names := make([]string, 0, len(m.jobState))
	for name := range m.jobState {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(styleHeader.Render("Job           State") + "\n")
	for _, name := range names {
		state := m.jobState[name]
		styled := state
		switch state {
		case "started":
			styled = styleGood.Render(state)
		case "stopped", "tick_failed", "breaker_open":
			styled = styleBad.Render(state)
		}
		b.WriteString(fmt.Sprintf("%-13s %s\n", name, styled))
	}
	b.WriteString("\n" + styleFooter.Render("event log:") + "\n")
	b.WriteString(strings.Join(m.lines[tabJobs], "\n"))
	return b.String()
}

func (m Model) View() string {
	if !m.ready {
		return "connecting..."
	}

	var tabs []string
	for i, name := range tabNames {
		style := styleTab
		if tab(i) == m.active {
			style = styleTabOn
		}
		tabs = append(tabs, style.Render(fmt.Sprintf("[%d] %s", i+1, name)))
	}

	header := styleHeader.Render("FLYWHEEL CONSOLE") + "  " + strings.Join(tabs, " ")
	status := fmt.Sprintf("events: %d  uptime: %s", m.events, time.Since(m.started).Round(time.Second))
	if m.lastErr != "" {
		status += "  " + styleBad.Render("bus: "+m.lastErr)
	}
	footer := styleFooter.Render(status + "  [q] quit")

	return header + "\n\n" + m.vp.View() + "\n" + footer
}

func str(data map[string]interface{}, k string) string {
	if data == nil {
		return ""
	}
	if v, ok := data[k].(string); ok {
		return v
	}
	return ""
}

func num(data map[string]interface{}, k string) float64 {
	if data == nil {
		return 0
	}
	if v, ok := data[k].(float64); ok {
		return v
	}
	return 0
}

func truncate(s string, max int) string {
	if runewidth.StringWidth(s) <= max {
		return s
	}
	return runewidth.Truncate(s, max, "…")
}
