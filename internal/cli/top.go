package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/vigil-daemon/vigil/internal/activity"
	"github.com/vigil-daemon/vigil/internal/client"
	"github.com/vigil-daemon/vigil/internal/wire"
)

func init() {
	rootCmd.AddCommand(topCmd)
}

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Live full-screen view of activity state and timers",
	RunE:  runTop,
}

func runTop(cmd *cobra.Command, args []string) error {
	vc, _, err := vigildClient()
	if err != nil {
		return err
	}
	nc, _, err := nudgedClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newTopModel(ctx, cancel, vc.Watch(ctx), nc)
	out, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	if err != nil {
		return err
	}

	// The stream only closes on its own for unrecoverable errors, like
	// a protocol version mismatch.
	if fm, ok := out.(topModel); ok && fm.closed && fm.lastErr != nil {
		return fm.lastErr
	}
	return nil
}

// Messages delivered to the top model.
type topEventMsg struct{ ev client.Event }

type topClosedMsg struct{}

type topTimersMsg struct {
	timers []wire.TimerInfo
	err    error
}

type topTickMsg time.Time

// topModel is the bubbletea model behind vigilctl top.
type topModel struct {
	events <-chan client.Event
	nudge  *client.Client
	ctx    context.Context
	cancel context.CancelFunc
	keys   keyMap

	width  int
	height int

	connected bool
	synced    bool
	closed    bool
	lastErr   error

	state    activity.State
	stateAt  time.Time
	seq      uint64
	lastTick time.Time

	timers  []wire.TimerInfo
	nudgeUp bool

	now time.Time
}

func newTopModel(ctx context.Context, cancel context.CancelFunc, events <-chan client.Event, nudge *client.Client) topModel {
	return topModel{
		events: events,
		nudge:  nudge,
		ctx:    ctx,
		cancel: cancel,
		keys:   defaultKeyMap(),
		state:  activity.Idle,
		now:    time.Now(),
	}
}

func (m topModel) Init() tea.Cmd {
	return tea.Batch(m.waitEvent(), m.fetchTimers(), topTick())
}

// waitEvent blocks on the watch stream and hands the next event to
// Update, which re-arms it.
func (m topModel) waitEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return topClosedMsg{}
		}
		return topEventMsg{ev}
	}
}

func (m topModel) fetchTimers() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, requestTimeout)
		defer cancel()
		timers, err := m.nudge.TimerList(ctx)
		return topTimersMsg{timers, err}
	}
}

func (m topModel) resetTimers() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, requestTimeout)
		defer cancel()
		if err := m.nudge.ResetAllTimers(ctx); err != nil {
			return topTimersMsg{nil, err}
		}
		timers, err := m.nudge.TimerList(ctx)
		return topTimersMsg{timers, err}
	}
}

func topTick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return topTickMsg(t)
	})
}

func (m topModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case topEventMsg:
		m = m.applyEvent(msg.ev)
		return m, m.waitEvent()

	case topClosedMsg:
		m.closed = true
		return m, tea.Quit

	case topTimersMsg:
		m.nudgeUp = msg.err == nil
		if msg.err == nil {
			m.timers = msg.timers
		}
		return m, nil

	case topTickMsg:
		m.now = time.Time(msg)
		return m, tea.Batch(topTick(), m.fetchTimers())
	}
	return m, nil
}

func (m topModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.cancel()
		return m, tea.Quit
	case key.Matches(msg, m.keys.Refresh):
		return m, m.fetchTimers()
	case key.Matches(msg, m.keys.ResetAll):
		return m, m.resetTimers()
	}
	return m, nil
}

func (m topModel) applyEvent(ev client.Event) topModel {
	switch ev.Kind {
	case client.EventSnapshot:
		m.connected = true
		m.synced = true
		m.lastErr = nil
		m.state = ev.Snapshot.State
		m.stateAt = ev.Snapshot.At
		if m.stateAt.IsZero() {
			m.stateAt = time.Now()
		}
		m.seq = ev.Snapshot.Seq
		m.lastTick = ev.Snapshot.LastTickAt
	case client.EventTransition:
		m.state = ev.Transition.State
		m.stateAt = ev.Transition.At
		m.seq = ev.Transition.Seq
	case client.EventDisconnected:
		m.connected = false
		m.lastErr = ev.Err
	}
	return m
}

func (m topModel) View() string {
	if m.width == 0 {
		return ""
	}

	boxWidth := min(m.width-2, 60)

	header := styleHeader.Render("vigil") + styleDimmed.Render("  activity monitor")

	sections := []string{
		header,
		styleBorder.Width(boxWidth).Padding(0, 1).Render(m.statusSection()),
		styleBorder.Width(boxWidth).Padding(0, 1).Render(m.timersSection()),
		styleDimmed.Render("  r:refresh  R:reset timers  q:quit"),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m topModel) statusSection() string {
	if !m.synced {
		return styleDimmed.Render("connecting to vigild...")
	}

	stateLine := lipgloss.NewStyle().
		Bold(true).
		Foreground(stateColor(m.state)).
		Render(fmt.Sprintf("%s %s", stateGlyph(m.state), m.state))
	stateLine += fmt.Sprintf("  for %s", clock(m.now.Sub(m.stateAt)))

	tick := "(none)"
	if !m.lastTick.IsZero() {
		tick = m.lastTick.Format("15:04:05")
	}
	detail := styleDimmed.Render(fmt.Sprintf("seq %d   last tick %s", m.seq, tick))

	lines := []string{stateLine, detail}
	if !m.connected {
		lines = append(lines, styleDanger.Render("disconnected, retrying..."))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m topModel) timersSection() string {
	title := styleDimmed.Render("TIMERS")

	if !m.nudgeUp {
		return lipgloss.JoinVertical(lipgloss.Left, title, styleDimmed.Render("nudged unreachable"))
	}
	if len(m.timers) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, title, styleDimmed.Render("no reminder timers"))
	}

	lines := []string{title}
	for _, ti := range m.timers {
		line := fmt.Sprintf("%-10s %s %s/%s", ti.Name, meter(ti, 16, "█", "░"), clock(ti.Elapsed), clock(ti.Interval))
		switch {
		case ti.Paused:
			line = styleDimmed.Render(line + "  paused")
		case ti.Fired:
			line = styleDanger.Render(line + "  fired")
		}
		lines = append(lines, line)
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
