package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/beamops/beamalign/internal/align"
	"github.com/beamops/beamalign/internal/engine"
)

// App is the operator console: a fixed panel of mirror slots, goal
// fields and an image pane, all fed by the binding groups, plus the
// engine controls. Live values arrive through subscription callbacks
// on other goroutines; the app repaints on a timer tick.
type App struct {
	ctx    context.Context
	orch   *align.Orchestrator
	panel  *Panel
	status *StatusLog

	focus int
	width int
}

// New builds the console around an orchestrator and the panel whose
// widgets its groups are bound to.
func New(ctx context.Context, orch *align.Orchestrator, panel *Panel, status *StatusLog) *App {
	return &App{ctx: ctx, orch: orch, panel: panel, status: status}
}

type tickMsg time.Time

type runDoneMsg struct{ err error }

type slitDoneMsg struct{ err error }

type saveDoneMsg struct {
	what string
	err  error
}

func tick() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (a *App) Init() tea.Cmd {
	return tick()
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch m := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = m.Width
	case tickMsg:
		return a, tick()
	case runDoneMsg:
		if m.err != nil {
			a.status.Errorf("alignment: %v", m.err)
		}
	case slitDoneMsg:
		if m.err != nil {
			a.status.Errorf("slit check: %v", m.err)
		}
	case saveDoneMsg:
		if m.err != nil {
			a.status.Errorf("save %s: %v", m.what, m.err)
		} else {
			a.status.Statusf("%s saved", m.what)
		}
	case tea.KeyMsg:
		return a.handleKey(m)
	}
	return a, nil
}

func (a *App) handleKey(m tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.String() {
	case "q", "ctrl+c":
		a.orch.Close()
		return a, tea.Quit
	case "tab":
		a.focus = (a.focus + 1) % align.MaxSlots
	case "shift+tab":
		a.focus = (a.focus + align.MaxSlots - 1) % align.MaxSlots
	case "n":
		a.orch.SelectProcedure(next(a.orch.Procedures(), a.orch.ActiveProcedure()))
	case "c":
		a.orch.SelectImager(next(a.orch.ImagerNames(), a.orch.DisplayedImager()))
	case "s":
		return a, a.startCmd()
	case "p":
		a.orch.Pause()
	case "a":
		a.orch.Abort()
	case "t":
		a.panel.GoalToggles[a.focus].Toggle()
	case "f":
		return a, a.slitCheckCmd()
	case "v":
		return a, a.saveCmd("goals")
	case "m":
		return a, a.saveCmd("mirrors")
	case "backspace":
		a.panel.GoalFields[a.focus].Backspace()
		a.panel.Image.UpdateDeltas()
	case "esc":
		a.panel.GoalFields[a.focus].Clear()
		a.panel.Image.UpdateDeltas()
	default:
		if len(m.Runes) > 0 {
			a.panel.GoalFields[a.focus].Type(string(m.Runes))
			a.panel.Image.UpdateDeltas()
		}
	}
	return a, nil
}

// startCmd submits the active procedure off the bubbletea goroutine;
// Start blocks until every group of the procedure finishes.
func (a *App) startCmd() tea.Cmd {
	return func() tea.Msg {
		return runDoneMsg{err: a.orch.Start(a.ctx)}
	}
}

func (a *App) slitCheckCmd() tea.Cmd {
	a.status.Statusf("slit check started")
	return func() tea.Msg {
		return slitDoneMsg{err: a.orch.RunSlitCheck(a.ctx, true)}
	}
}

func (a *App) saveCmd(what string) tea.Cmd {
	return func() tea.Msg {
		var err error
		if what == "goals" {
			err = a.orch.SaveGoals(a.ctx)
		} else {
			err = a.orch.SaveMirrors(a.ctx)
		}
		return saveDoneMsg{what: what, err: err}
	}
}

// styles
var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
	activeStyle = lipgloss.NewStyle().Bold(true).Reverse(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

func (a *App) View() string {
	out := titleStyle.Render("Beam Alignment Console") + "\n"
	out += fmt.Sprintf("State: %s   Auto-select: %s\n", a.renderState(), onOff(a.orch.Guard().Enabled()))
	out += "Procedure: " + a.renderChoices(a.orch.Procedures(), a.orch.ActiveProcedure()) + "\n"
	out += "Camera:    " + a.renderChoices(a.orch.ImagerNames(), a.orch.DisplayedImager()) + "\n\n"

	out += a.renderSlots()
	out += "\n" + a.renderImagePane()

	out += "\n[s] Start  [p] Pause  [a] Abort  [n] Procedure  [c] Camera  [f] Slit check\n"
	out += "[tab] Next goal  [t] Slit toggle  [v] Save goals  [m] Save mirrors  [q] Quit\n"
	if tail := a.status.Tail(); len(tail) > 0 {
		out += "\n" + strings.Join(tail, "\n") + "\n"
	}
	return out
}

func (a *App) renderState() string {
	st := a.orch.State()
	if st == engine.Running || st == engine.Paused {
		return activeStyle.Render(string(st))
	}
	return string(st)
}

func (a *App) renderChoices(names []string, active string) string {
	parts := make([]string, 0, len(names))
	for _, n := range names {
		if n == active {
			parts = append(parts, activeStyle.Render(n))
		} else {
			parts = append(parts, n)
		}
	}
	return strings.Join(parts, "  ")
}

func (a *App) renderSlots() string {
	out := ""
	for i := 0; i < align.MaxSlots; i++ {
		label := a.panel.MirrorLabels[i].Text()
		if label == "" {
			out += dimStyle.Render(fmt.Sprintf("slot %d: (empty)", i+1)) + "\n"
			continue
		}
		readback := a.panel.MirrorCells[i][0].Text()
		setpoint := a.panel.MirrorCells[i][1].Text()
		out += fmt.Sprintf("%-8s pitch %-14s set %-14s", label, orDash(readback), orDash(setpoint))

		marker := " "
		if i == a.focus {
			marker = "▶"
		}
		goal := a.panel.GoalFields[i].Text()
		cursor := ""
		if i == a.focus {
			cursor = "▏"
		}
		out += fmt.Sprintf("  %s goal [%s%s]", marker, goal, cursor)
		if a.panel.GoalToggles[i].Enabled() {
			box := "[ ]"
			if a.panel.GoalToggles[i].Checked() {
				box = "[x]"
			}
			out += "  slits " + box
		}
		out += "\n"
	}
	return out
}

func (a *App) renderImagePane() string {
	label := a.panel.ImageLabel.Text()
	if label == "" {
		return dimStyle.Render("no camera displayed") + "\n"
	}
	out := fmt.Sprintf("%s  centroid (%s, %s)", label,
		orDash(a.panel.CentX.Text()), orDash(a.panel.CentY.Text()))
	if dx := a.panel.DeltaX.Text(); dx != "" {
		out += "  goal delta " + dx
	}
	if s := a.panel.SlitLabel.Text(); s != "" {
		out += fmt.Sprintf("\n%s  x %s  y %s", s,
			orDash(a.panel.SlitCells[0].Text()), orDash(a.panel.SlitCells[1].Text()))
	}
	return out + "\n"
}

func next(names []string, current string) string {
	if len(names) == 0 {
		return current
	}
	for i, n := range names {
		if n == current {
			return names[(i+1)%len(names)]
		}
	}
	return names[0]
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
