package report

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
	"k8s.io/klog/v2"
)

// Group is a contiguous range of channels drawn on one figure.
type Group struct {
	Title       string
	LabelPrefix string
	FileName    string
	From, To    int // channel range [From, To)
}

// InnerWinding is the first half of channels columns.
func InnerWinding(channels int) Group {
	return Group{
		Title:       "Rac Error Distribution in Inner Winding",
		LabelPrefix: "inner_layer_",
		FileName:    "Fig_Rac_Ls.png",
		From:        0,
		To:          channels / 2,
	}
}

// OuterWinding is the second half of channels columns.
func OuterWinding(channels int) Group {
	return Group{
		Title:       "Rac Error Distribution in Outer Winding",
		LabelPrefix: "outer_layer_",
		FileName:    "Fig_Rac_Lp.png",
		From:        channels / 2,
		To:          channels,
	}
}

// HistogramOptions controls how figures are rendered.
type HistogramOptions struct {
	Bins   int
	DPI    int
	Width  vg.Length
	Height vg.Length
	Alpha  float64
}

func (o HistogramOptions) withDefaults() HistogramOptions {
	if o.Bins <= 0 {
		o.Bins = 20
	}
	if o.DPI <= 0 {
		o.DPI = 600
	}
	if o.Width <= 0 {
		o.Width = 8 * vg.Inch
	}
	if o.Height <= 0 {
		o.Height = 5 * vg.Inch
	}
	if o.Alpha <= 0 {
		o.Alpha = 0.6
	}
	return o
}

// channelColors samples a perceptual colormap once per channel so that every
// channel keeps its color across figures.
func channelColors(n int, alpha float64) []color.Color {
	cm := moreland.Kindlmann()
	cm.SetMin(0)
	cm.SetMax(1)
	cm.SetAlpha(alpha)
	if n < 2 {
		n = 2
	}
	return cm.Palette(n).Colors()
}

// finite drops NaN and infinite values.
func finite(vs []float64) plotter.Values {
	out := make(plotter.Values, 0, len(vs))
	for _, v := range vs {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}

// Histogram draws one density-normalized histogram per channel of g onto a
// single figure written to dir/g.FileName. Channels without applicable errors
// are skipped.
func Histogram(t *ErrorTable, g Group, dir string, opts HistogramOptions) (string, error) {
	opts = opts.withDefaults()
	_, cols := t.Dims()
	if g.From < 0 || g.To > cols || g.From >= g.To {
		return "", errors.Errorf("channel range [%d,%d) is invalid for %d channels", g.From, g.To, cols)
	}
	colors := channelColors(cols, opts.Alpha)

	p := plot.New()
	p.Title.Text = g.Title
	p.X.Label.Text = "Error(%)"
	p.Y.Label.Text = "Distribution"
	p.Add(plotter.NewGrid())

	drawn := 0
	for j := g.From; j < g.To; j++ {
		vals := finite(t.Channel(j))
		if len(vals) == 0 {
			klog.V(1).Infof("%s: channel %d has no applicable errors, skipped", g.FileName, j)
			continue
		}
		h, err := plotter.NewHist(vals, opts.Bins)
		if err != nil {
			return "", errors.Wrapf(err, "histogram of channel %d", j)
		}
		h.Normalize(1)
		h.FillColor = colors[j]
		h.LineStyle.Color = color.Black
		h.LineStyle.Width = vg.Points(0.5)
		p.Add(h)
		p.Legend.Add(fmt.Sprintf("%s%d", g.LabelPrefix, j-g.From+1), h)
		drawn++
	}
	if drawn == 0 {
		klog.Warningf("%s: no channel has applicable errors, writing an empty figure", g.FileName)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "mkdir %s", dir)
	}
	path := filepath.Join(dir, g.FileName)
	if err := savePNG(p, path, opts); err != nil {
		return "", err
	}
	return path, nil
}

// savePNG renders p at the requested size and resolution.
func savePNG(p *plot.Plot, path string, opts HistogramOptions) error {
	c := vgimg.NewWith(vgimg.UseWH(opts.Width, opts.Height), vgimg.UseDPI(opts.DPI))
	p.Draw(draw.New(c))

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	if _, err := (vgimg.PngCanvas{Canvas: c}).WriteTo(f); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	return errors.Wrapf(f.Close(), "close %s", path)
}
