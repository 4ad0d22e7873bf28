package reconstruct

import (
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/siloscan/siloscan/internal/fsutil"
)

// maxPlotPoints caps the raw cloud drawn in diagnostics.
const maxPlotPoints = 20000

// SavePlot writes the diagnostic PNG of res to path on fsys.
func SavePlot(fsys fsutil.FileSystem, path, title string, res *Result) error {
	if res == nil {
		return fmt.Errorf("nil result")
	}
	f, err := fsys.Create(path)
	if err != nil {
		return fmt.Errorf("save plot: %w", err)
	}
	if err := WritePlot(f, title, res); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WritePlot renders a top-view PNG of a reconstruction: the denoised cloud,
// the extracted surface and the fitted wall circle.
func WritePlot(w io.Writer, title string, res *Result) error {
	if res == nil {
		return fmt.Errorf("nil result")
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "x (" + res.LengthUnit + ")"
	p.Y.Label.Text = "y (" + res.LengthUnit + ")"

	raw := topView(res.Denoised, maxPlotPoints)
	if len(raw) > 0 {
		s, err := plotter.NewScatter(raw)
		if err != nil {
			return err
		}
		s.GlyphStyle.Color = color.RGBA{R: 160, G: 160, B: 160, A: 255}
		s.GlyphStyle.Radius = vg.Points(0.5)
		p.Add(s)
		p.Legend.Add("denoised", s)
	}

	surf := topView(res.Surface, maxPlotPoints)
	if len(surf) > 0 {
		s, err := plotter.NewScatter(surf)
		if err != nil {
			return err
		}
		s.GlyphStyle.Color = color.RGBA{R: 30, G: 120, B: 200, A: 255}
		s.GlyphStyle.Radius = vg.Points(1)
		p.Add(s)
		p.Legend.Add("surface", s)
	}

	if res.Circle.R > 0 {
		ring := rimRing(res.Circle, 180, 0)
		xys := make(plotter.XYs, 0, len(ring)+1)
		for _, q := range ring {
			xys = append(xys, plotter.XY{X: q.X, Y: q.Y})
		}
		xys = append(xys, xys[0])
		l, err := plotter.NewLine(xys)
		if err != nil {
			return err
		}
		l.Color = color.RGBA{R: 220, G: 40, B: 40, A: 255}
		l.Width = vg.Points(1.5)
		p.Add(l)
		p.Legend.Add(fmt.Sprintf("wall r=%.2f", res.Circle.R), l)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	wt, err := p.WriterTo(6*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("render plot: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("write plot: %w", err)
	}
	return nil
}

func topView(pts []Point, limit int) plotter.XYs {
	step := 1
	if len(pts) > limit {
		step = (len(pts) + limit - 1) / limit
	}
	xys := make(plotter.XYs, 0, len(pts)/step+1)
	for i := 0; i < len(pts); i += step {
		xys = append(xys, plotter.XY{X: pts[i].X, Y: pts[i].Y})
	}
	return xys
}
