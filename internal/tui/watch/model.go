package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/querygate/internal/events"
)

const (
	healthInterval    = 2 * time.Second
	reconnectInterval = 3 * time.Second
)

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	client *client

	width  int
	height int

	health   HealthState
	tracker  *Tracker
	eventLog []string
	pulse    Pulse

	sessions table.Model
	stream   viewport.Model

	theme     Theme
	hubEvents chan events.Event
	lastError string
}

// New creates a watch model for the API at apiURL.
func New(apiURL, token string) *Model {
	sessions := table.New(
		table.WithColumns([]table.Column{
			{Title: "SESSION", Width: 34},
			{Title: "PENDING", Width: 8},
			{Title: "RUNNING", Width: 8},
			{Title: "INTERRUPT", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(6),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).BorderBottom(true).BorderStyle(lipgloss.NormalBorder())
	sessions.SetStyles(styles)

	return &Model{
		client:    newClient(apiURL, token),
		tracker:   NewTracker(),
		sessions:  sessions,
		stream:    viewport.New(80, 10),
		theme:     NewDefaultTheme(),
		hubEvents: make(chan events.Event, 100),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.client.subscribe(0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.client.fetchHealth,
		m.client.fetchSessions,
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.stream, cmd = m.stream.Update(msg)
			return m, cmd
		}
		var cmd tea.Cmd
		m.sessions, cmd = m.sessions.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()

	case tickMsg:
		m.pulse.Tick()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		if m.tracker.Apply(e) {
			m.pulse.Event(time.Now())
			m.eventLog = append([]string{formatEvent(e, m.theme)}, m.eventLog...)
			if len(m.eventLog) > maxEventLog {
				m.eventLog = m.eventLog[:maxEventLog]
			}
			m.stream.SetContent(strings.Join(m.eventLog, "\n"))
		}
		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health = HealthState{
			Status:        msg.Status,
			UptimeSeconds: msg.UptimeSeconds,
			Capacity:      msg.Dispatch.Capacity,
			Occupied:      msg.Dispatch.Occupied,
			Waiting:       msg.Dispatch.Waiting,
			Sessions:      msg.Sessions,
			HistoryDepth:  msg.HistoryDepth,
			Connected:     true,
			LastCheck:     time.Now(),
		}
		m.lastError = ""
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg { return m.client.fetchHealth() })

	case sessionsMsg:
		m.sessions.SetRows(sessionRows(msg))
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg { return m.client.fetchSessions() })

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(reconnectInterval, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.client.subscribe(m.tracker.LastID(), m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(reconnectInterval, func(time.Time) tea.Msg { return m.client.fetchHealth() })
	}

	return m, nil
}

func (m *Model) resize() {
	inner := m.width - 8
	if inner < 20 {
		inner = 20
	}
	m.sessions.SetWidth(inner)
	m.stream.Width = inner
	h := m.height - 20
	if h < 3 {
		h = 3
	}
	m.stream.Height = h
}

func sessionRows(list []sessionSummary) []table.Row {
	rows := make([]table.Row, 0, len(list))
	for _, s := range list {
		flag := ""
		if s.Interrupted {
			flag = "yes"
		}
		rows = append(rows, table.Row{
			s.SessionID,
			fmt.Sprintf("%d", s.Pending),
			fmt.Sprintf("%d", s.Running),
			flag,
		})
	}
	return rows
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to querygate..."
	}
	now := time.Now()
	innerWidth := m.width - 4

	header := renderHeader(m.health, m.tracker, m.pulse, m.theme, m.width, now)
	sessions := m.theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("SESSIONS"),
		m.sessions.View(),
	))

	streamBody := m.stream.View()
	if len(m.eventLog) == 0 {
		streamBody = m.theme.Dim.Render("  Waiting for events...")
	}
	stream := m.theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("EVENT STREAM"),
		streamBody,
	))

	parts := []string{header, sessions, stream}
	if m.lastError != "" {
		parts = append(parts, m.theme.Failed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [↑/↓] Sessions • [PgUp/PgDn] Events"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
