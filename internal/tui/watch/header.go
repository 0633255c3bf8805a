package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

type HealthState struct {
	Status        string
	UptimeSeconds int64
	Capacity      int
	Occupied      int
	Waiting       int
	Sessions      int
	HistoryDepth  int
	Connected     bool
	LastCheck     time.Time
}

// Pulse flips on every tick and lights up on events, fading over ten seconds.
type Pulse struct {
	frame     int
	lastEvent time.Time
}

func (p *Pulse) Tick()              { p.frame ^= 1 }
func (p *Pulse) Event(at time.Time) { p.lastEvent = at }

func (p Pulse) Render(theme Theme, now time.Time) string {
	glyph := []string{"⟲", "⟳"}[p.frame]
	lit := 0
	if !p.lastEvent.IsZero() {
		lit = 5 - int(now.Sub(p.lastEvent)/(2*time.Second))
		if lit < 0 {
			lit = 0
		}
	}
	var b strings.Builder
	b.WriteString(theme.Highlight.Render(glyph))
	b.WriteString(" ")
	for i := 0; i < 5; i++ {
		if i < lit {
			b.WriteString(theme.Active.Render("●"))
		} else {
			b.WriteString(theme.Inactive.Render("○"))
		}
	}
	return b.String()
}

func renderHeader(h HealthState, tr *Tracker, pulse Pulse, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	status := theme.Completed.Render("HEALTHY")
	switch {
	case !h.Connected:
		status = theme.Failed.Render("CONNECTING")
	case h.Status != "ok" && h.Status != "":
		status = theme.Failed.Render("DEGRADED")
	}

	title := fmt.Sprintf(" QUERYGATE WATCH %s", pulse.Render(theme, now))
	clock := theme.Dim.Render(now.Format("15:04:05"))
	pad := innerWidth - lipgloss.Width(title) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	slots := fmt.Sprintf(" %s  up %s  slots %d/%d  waiting %d  sessions %d  history %d",
		status,
		formatDuration(time.Duration(h.UptimeSeconds)*time.Second),
		h.Occupied, h.Capacity, h.Waiting, h.Sessions, h.HistoryDepth,
	)
	totals := fmt.Sprintf(" %s %d  %s %d  %s %d",
		theme.Completed.Render("completed"), tr.Total("completed"),
		theme.Interrupted.Render("interrupted"), tr.Total("interrupted"),
		theme.Failed.Render("failed"), tr.Total("failed"),
	)

	return theme.Border.Width(innerWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left, titleLine, slots, totals),
	)
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
