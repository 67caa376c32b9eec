// Package tui is the live solve monitor: an adaptive run streams its
// step attempts into a terminal view showing progress, step sizes and
// the evolving solution estimate.
package tui

import (
	"context"
	"fmt"
	"math"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/probode/probode/internal/ode"
	"github.com/probode/probode/internal/solve"
	"github.com/probode/probode/internal/solver"
)

var (
	cyan    = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	white   = lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
	dim     = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	dimmer  = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
	green   = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	yellow  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	red     = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	magenta = lipgloss.NewStyle().Foreground(lipgloss.Color("213"))
)

type stepMsg solve.StepEvent

type doneMsg struct {
	sol *solve.Solution
	err error
}

type model struct {
	problem string
	t0, t1  float64

	events <-chan tea.Msg
	cancel context.CancelFunc

	t, dt, norm float64
	u           []float64
	accepted    int
	rejected    int

	uHist  []float64
	dtHist []float64

	done bool
	sol  *solve.Solution
	err  error

	width  int
	height int
}

func newModel(problem string, t0, t1 float64, events <-chan tea.Msg, cancel context.CancelFunc) model {
	return model{
		problem: problem,
		t0:      t0,
		t1:      t1,
		events:  events,
		cancel:  cancel,
		uHist:   make([]float64, 0, 256),
		dtHist:  make([]float64, 0, 256),
		width:   80,
		height:  24,
	}
}

func (m model) Init() tea.Cmd { return m.wait() }

func (m model) wait() tea.Cmd {
	return func() tea.Msg { return <-m.events }
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "escape":
			m.cancel()
			return m, tea.Quit
		}
		return m, nil
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case stepMsg:
		m.t, m.dt, m.norm, m.u = msg.T, msg.Dt, msg.Norm, msg.U
		if msg.Accepted {
			m.accepted++
			if len(m.u) > 0 {
				m.uHist = append(m.uHist, m.u[0])
			}
			m.dtHist = append(m.dtHist, math.Log10(msg.Dt))
		} else {
			m.rejected++
		}
		return m, m.wait()
	case doneMsg:
		m.done = true
		m.sol = msg.sol
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(dimmer.Render("    ╺━━━━━━━━━━━━━━━━━━━━━━━━╸") + "\n")
	b.WriteString("          " + cyan.Render("p r o b o d e") + "\n")
	b.WriteString(dimmer.Render("    ╺━━━━━━━━━━━━━━━━━━━━━━━━╸") + "\n\n")

	status := green.Render("● solving")
	if m.done {
		if m.err != nil {
			status = red.Render("✕ " + m.err.Error())
		} else {
			status = green.Render("✓ done")
		}
	}
	b.WriteString(fmt.Sprintf("   %s  %s\n\n", cyan.Render(m.problem), status))

	span := m.t1 - m.t0
	progress := 0.0
	if span > 0 {
		progress = (m.t - m.t0) / span
	}
	if progress > 1 {
		progress = 1
	}
	if progress < 0 {
		progress = 0
	}
	barWidth := 36
	filled := int(progress * float64(barWidth))
	bar := cyan.Render(strings.Repeat("━", filled)) + dimmer.Render(strings.Repeat("─", barWidth-filled))
	b.WriteString(fmt.Sprintf("   %s %s\n\n", bar, dim.Render(fmt.Sprintf("t=%.3g/%.3g", m.t, m.t1))))

	b.WriteString("   " + dim.Render("accepted ") + white.Render(fmt.Sprintf("%-6d", m.accepted)) +
		dim.Render("rejected ") + yellow.Render(fmt.Sprintf("%-6d", m.rejected)) +
		dim.Render("dt ") + magenta.Render(fmt.Sprintf("%.2e", m.dt)) +
		dim.Render("  norm ") + magenta.Render(fmt.Sprintf("%.3f", m.norm)) + "\n\n")

	if len(m.u) > 0 {
		var stateStr strings.Builder
		stateStr.WriteString("   ")
		for i, v := range m.u {
			if i >= 4 {
				break
			}
			stateStr.WriteString(dim.Render(fmt.Sprintf("u%d=", i)))
			stateStr.WriteString(white.Render(fmt.Sprintf("%.4g", v)))
			stateStr.WriteString("  ")
		}
		b.WriteString(stateStr.String() + "\n")
	}

	if len(m.uHist) > 1 {
		b.WriteString(fmt.Sprintf("   %s %s\n", dim.Render("u₀"), cyan.Render(sparkline(m.uHist, 36))))
	}
	if len(m.dtHist) > 1 {
		b.WriteString(fmt.Sprintf("   %s %s\n", dim.Render("dt"), magenta.Render(sparkline(m.dtHist, 36))))
	}

	b.WriteString("\n" + dim.Render("   q quit") + "\n")
	return b.String()
}

func sparkline(data []float64, width int) string {
	if len(data) == 0 {
		return ""
	}
	chars := []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}
	minVal, maxVal := data[0], data[0]
	for _, v := range data {
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
	}
	rang := maxVal - minVal
	if rang == 0 {
		rang = 1
	}
	step := len(data) / width
	if step < 1 {
		step = 1
	}
	var sb strings.Builder
	for i := 0; i < width && i*step < len(data); i++ {
		v := data[i*step]
		idx := int((v - minVal) / rang * 7)
		if idx > 7 {
			idx = 7
		}
		if idx < 0 {
			idx = 0
		}
		sb.WriteRune(chars[idx])
	}
	return sb.String()
}

// RunLive solves the problem while showing the monitor, returning the
// finished solution.
func RunLive(ctx context.Context, sv *solver.Solver, ivp ode.IVP, opts solve.Options) (*solve.Solution, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan tea.Msg, 256)
	opts.Observer = func(ev solve.StepEvent) {
		select {
		case events <- stepMsg(ev):
		default:
		}
	}

	go func() {
		sol, err := solve.AdaptiveSaveEverySteps(ctx, sv, ivp, opts)
		events <- doneMsg{sol: sol, err: err}
	}()

	m := newModel(ivp.Name, ivp.T0, ivp.T1, events, cancel)
	p := tea.NewProgram(m, tea.WithAltScreen())
	final, err := p.Run()
	if err != nil {
		return nil, err
	}
	fm := final.(model)
	if fm.err != nil {
		return nil, fm.err
	}
	if fm.sol == nil {
		return nil, context.Canceled
	}
	return fm.sol, nil
}
