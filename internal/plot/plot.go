// Package plot renders solved trajectories, either as PNG files through
// gonum/plot or as quick terminal graphs.
package plot

import (
	"fmt"

	"github.com/guptarohit/asciigraph"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Line is one sampled signal. Dots draws markers at every sample instead
// of a connected line, which is how the coarse control grid is shown on
// top of a refined trajectory.
type Line struct {
	Name   string
	Times  []float64
	Values []float64
	Dots   bool
}

// Save writes a time plot of the given signals to a PNG file.
func Save(path, title, yLabel string, lines []Line) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "time [s]"
	p.Y.Label.Text = yLabel
	p.Add(plotter.NewGrid())

	for i, l := range lines {
		xys := make(plotter.XYs, len(l.Times))
		for j := range l.Times {
			xys[j].X = l.Times[j]
			xys[j].Y = l.Values[j]
		}
		if l.Dots {
			sc, err := plotter.NewScatter(xys)
			if err != nil {
				return fmt.Errorf("plot: %s: %w", l.Name, err)
			}
			sc.GlyphStyle.Color = plotutil.Color(i)
			sc.GlyphStyle.Radius = vg.Points(2)
			p.Add(sc)
			p.Legend.Add(l.Name, sc)
		} else {
			ln, err := plotter.NewLine(xys)
			if err != nil {
				return fmt.Errorf("plot: %s: %w", l.Name, err)
			}
			ln.Color = plotutil.Color(i)
			p.Add(ln)
			p.Legend.Add(l.Name, ln)
		}
	}
	return p.Save(7*vg.Inch, 4*vg.Inch, path)
}

// SaveXY writes a planar path plot, such as the end-effector trace.
func SaveXY(path, title, xLabel, yLabel string, xs, ys []float64) error {
	if len(xs) != len(ys) {
		return fmt.Errorf("plot: mismatched path lengths %d and %d", len(xs), len(ys))
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xLabel
	p.Y.Label.Text = yLabel
	p.Add(plotter.NewGrid())

	xys := make(plotter.XYs, len(xs))
	for i := range xs {
		xys[i].X = xs[i]
		xys[i].Y = ys[i]
	}
	ln, err := plotter.NewLine(xys)
	if err != nil {
		return err
	}
	ln.Color = plotutil.Color(0)
	p.Add(ln)
	return p.Save(5*vg.Inch, 5*vg.Inch, path)
}

// Terminal renders a signal as an ASCII graph for quick inspection
// without leaving the shell.
func Terminal(values []float64, caption string, height int) string {
	if height <= 0 {
		height = 10
	}
	return asciigraph.Plot(values,
		asciigraph.Height(height),
		asciigraph.Caption(caption),
		asciigraph.Precision(3),
	)
}
