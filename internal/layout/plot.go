// Package layout renders the strip layout and scan batches for inspection.
package layout

import (
	"fmt"
	"image/color"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/adaptive.scan/internal/geometry"
)

// Cell is one measurable cell at its stage position.
type Cell struct {
	Region int
	Point  geometry.Point
	XY     geometry.XY
}

// Cells places every cell of every region at its forward-transformed centre.
func Cells(regions []geometry.Region, cellSize float64) ([]Cell, error) {
	var cells []Cell
	for i, r := range regions {
		tr, err := geometry.NewStripTransform(r, cellSize)
		if err != nil {
			return nil, fmt.Errorf("region %d: %w", i, err)
		}
		for _, ti := range r.TiFractions {
			p := geometry.Point{Ti: ti, Temperature: r.Temperature, AnnealingTime: r.AnnealingTime, Thickness: r.Thickness}
			xy, err := tr.Forward(p)
			if err != nil {
				return nil, fmt.Errorf("region %d: %w", i, err)
			}
			cells = append(cells, Cell{Region: i, Point: p, XY: xy})
		}
	}
	return cells, nil
}

// PlotRegions draws every cell coloured by Ti fraction with one label per
// strip and saves the figure. The format follows the file extension.
func PlotRegions(regions []geometry.Region, cellSize float64, path string) error {
	cells, err := Cells(regions, cellSize)
	if err != nil {
		return err
	}
	if len(cells) == 0 {
		return fmt.Errorf("no regions to plot")
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Sample layout (%d strips, %d cells)", len(regions), len(cells))
	p.X.Label.Text = "x (mm)"
	p.Y.Label.Text = "y (mm)"
	p.Add(plotter.NewGrid())

	xys := make(plotter.XYs, len(cells))
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, c := range cells {
		xys[i] = plotter.XY{X: c.XY.X, Y: c.XY.Y}
		lo = math.Min(lo, c.Point.Ti)
		hi = math.Max(hi, c.Point.Ti)
	}
	if hi == lo {
		hi = lo + 1
	}

	cmap := moreland.SmoothBlueRed()
	cmap.SetMin(lo)
	cmap.SetMax(hi)

	sc, err := plotter.NewScatter(xys)
	if err != nil {
		return err
	}
	sc.GlyphStyleFunc = func(i int) draw.GlyphStyle {
		c, err := cmap.At(cells[i].Point.Ti)
		if err != nil {
			c = color.Black
		}
		return draw.GlyphStyle{Color: c, Radius: vg.Points(3), Shape: draw.CircleGlyph{}}
	}
	p.Add(sc)

	// One label at the first cell of each strip.
	var (
		labelXYs plotter.XYs
		labels   []string
	)
	seen := -1
	for _, c := range cells {
		if c.Region == seen {
			continue
		}
		seen = c.Region
		r := regions[c.Region]
		labelXYs = append(labelXYs, plotter.XY{X: c.XY.X, Y: c.XY.Y})
		labels = append(labels, fmt.Sprintf("%d°C / %d s / t%d", r.Temperature, r.AnnealingTime, r.Thickness))
	}
	lb, err := plotter.NewLabels(plotter.XYLabels{XYs: labelXYs, Labels: labels})
	if err != nil {
		return err
	}
	lb.Offset = vg.Point{X: vg.Points(4), Y: vg.Points(4)}
	p.Add(lb)

	if err := p.Save(10*vg.Inch, 8*vg.Inch, path); err != nil {
		return fmt.Errorf("save layout plot: %w", err)
	}
	return nil
}
