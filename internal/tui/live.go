// Package tui is a terminal live view of a closed-loop run: a schematic of
// the rotary pendulum driven by the incoming samples, a scrolling history
// of the arm angle, and per-solve statistics.
package tui

import (
	"fmt"
	"math"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"

	"github.com/swingup/furuta/internal/mpc"
)

var (
	titleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	doneStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
)

const (
	canvasW = 33
	canvasH = 13
	armLen  = 11.0
)

// Run displays the live view until the step channel closes or the user
// quits. The producer owns the channel and must close it when done.
func Run(modelName string, steps <-chan mpc.Step) error {
	p := tea.NewProgram(newLive(modelName, steps))
	_, err := p.Run()
	return err
}

type stepMsg mpc.Step

type doneMsg struct{}

type live struct {
	name    string
	steps   <-chan mpc.Step
	last    mpc.Step
	history []float64
	seen    int
	done    bool
}

func newLive(name string, steps <-chan mpc.Step) *live {
	return &live{name: name, steps: steps, history: make([]float64, 0, 120)}
}

func (l *live) listen() tea.Cmd {
	return func() tea.Msg {
		s, ok := <-l.steps
		if !ok {
			return doneMsg{}
		}
		return stepMsg(s)
	}
}

func (l *live) Init() tea.Cmd { return l.listen() }

func (l *live) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return l, tea.Quit
		}
	case stepMsg:
		l.last = mpc.Step(msg)
		l.seen++
		l.history = append(l.history, l.last.State[0])
		if len(l.history) > 120 {
			l.history = l.history[1:]
		}
		return l, l.listen()
	case doneMsg:
		l.done = true
		return l, nil
	}
	return l, nil
}

func (l *live) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("furuta closed loop: "+l.name) + "\n\n")

	if l.seen == 0 {
		b.WriteString(dimStyle.Render("waiting for first solve...") + "\n")
		return b.String()
	}

	b.WriteString(l.drawPendulum(l.last.State))
	b.WriteString("\n")

	if len(l.history) > 1 {
		b.WriteString(asciigraph.Plot(l.history,
			asciigraph.Height(6),
			asciigraph.Caption("theta1 [rad]"),
			asciigraph.Precision(2)))
		b.WriteString("\n\n")
	}

	b.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		dimStyle.Render("t ="), valueStyle.Render(fmt.Sprintf("%6.2f s", l.last.Time)),
		dimStyle.Render("u0 ="), valueStyle.Render(fmt.Sprintf("%+.3f", l.last.Control[0])),
		dimStyle.Render("solve ="), valueStyle.Render(l.last.SolveTime.String())))

	if l.done {
		b.WriteString(doneStyle.Render("\nrun finished, press q to exit\n"))
	} else {
		b.WriteString(dimStyle.Render("\nq to quit\n"))
	}
	return b.String()
}

// drawPendulum renders two schematic panels side by side: the arm angle
// theta1 seen from above and the pendulum angle theta2 seen from the side
// (theta2 = 0 hanging straight down).
func (l *live) drawPendulum(state []float64) string {
	canvas := make([][]rune, canvasH)
	for i := range canvas {
		canvas[i] = make([]rune, 2*canvasW+3)
		for j := range canvas[i] {
			canvas[i][j] = ' '
		}
	}
	set := func(x, y int, c rune) {
		if x >= 0 && x < len(canvas[0]) && y >= 0 && y < canvasH {
			canvas[y][x] = c
		}
	}

	// Top view: arm rotating in the horizontal plane.
	cx, cy := canvasW/2, canvasH/2
	theta1 := state[0]
	ax := cx + int(armLen*math.Sin(theta1))
	ay := cy - int(armLen*math.Cos(theta1)*0.5) // terminal cells are tall
	line(set, cx, cy, ax, ay, '·')
	set(cx, cy, '+')
	set(ax, ay, 'O')

	// Side view: pendulum hanging off the arm tip.
	px, py := canvasW+2+canvasW/2, 2
	theta2 := state[1]
	bx := px + int(armLen*math.Sin(theta2))
	by := py + int(armLen*math.Cos(theta2)*0.8)
	line(set, px, py, bx, by, '·')
	set(px, py, '+')
	set(bx, by, 'O')

	var b strings.Builder
	b.WriteString(dimStyle.Render(pad("top view (theta1)", canvasW+2)+"side view (theta2)") + "\n")
	for _, row := range canvas {
		b.WriteString(string(row) + "\n")
	}
	return b.String()
}

func pad(s string, w int) string {
	if len(s) >= w {
		return s
	}
	return s + strings.Repeat(" ", w-len(s))
}

func line(set func(int, int, rune), x1, y1, x2, y2 int, c rune) {
	dx, dy := abs(x2-x1), abs(y2-y1)
	sx, sy := 1, 1
	if x1 > x2 {
		sx = -1
	}
	if y1 > y2 {
		sy = -1
	}
	err := dx - dy
	for {
		set(x1, y1, c)
		if x1 == x2 && y1 == y2 {
			return
		}
		e2 := 2 * err
		if e2 > -dy {
			err -= dy
			x1 += sx
		}
		if e2 < dx {
			err += dx
			y1 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
