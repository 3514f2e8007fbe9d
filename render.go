package main

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"

	colorful "github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Scatter-plot rendering for the feature-space projections. One PNG per
// plot: each group (a domain or a class) gets its own color, with a
// legend in the top-right corner. Kept deliberately simple; anything
// fancier belongs in a notebook, not the trainer.

const (
	plotSize   = 900
	plotMargin = 40
	pointR     = 3
)

// ScatterGroup names a subset of the projected points.
type ScatterGroup struct {
	Name    string
	Indices []int
}

// RenderScatter draws the (n, 2) coordinates as a colored scatter plot
// and writes it as a PNG.
func RenderScatter(coords *Tensor, groups []ScatterGroup, title, path string) error {
	if len(coords.shape) != 2 || coords.shape[1] != 2 {
		return fmt.Errorf("render: want (n, 2) coordinates, got %v", coords.shape)
	}
	n := coords.shape[0]
	if n == 0 {
		return fmt.Errorf("render: no points")
	}

	minX, maxX := math.Inf(1), math.Inf(-1)
	minY, maxY := math.Inf(1), math.Inf(-1)
	for i := 0; i < n; i++ {
		x, y := coords.data[i*2], coords.data[i*2+1]
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}
	// Degenerate spreads (all points identical) still need a finite scale.
	if maxX-minX < 1e-12 {
		maxX = minX + 1
	}
	if maxY-minY < 1e-12 {
		maxY = minY + 1
	}

	img := image.NewRGBA(image.Rect(0, 0, plotSize, plotSize))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}

	span := float64(plotSize - 2*plotMargin)
	toPx := func(x, y float64) (int, int) {
		px := plotMargin + int(span*(x-minX)/(maxX-minX))
		// Flip y so "up" in the data is up on the screen.
		py := plotSize - plotMargin - int(span*(y-minY)/(maxY-minY))
		return px, py
	}

	colors := groupPalette(len(groups))
	for gi, g := range groups {
		c := colors[gi]
		for _, idx := range g.Indices {
			px, py := toPx(coords.data[idx*2], coords.data[idx*2+1])
			fillCircle(img, px, py, pointR, c)
		}
	}

	drawLabel(img, plotMargin, 20, color.Black, title)
	legendY := 40
	for gi, g := range groups {
		boxX := plotSize - 180
		for dy := 0; dy < 10; dy++ {
			for dx := 0; dx < 10; dx++ {
				img.Set(boxX+dx, legendY+dy-8, colors[gi])
			}
		}
		drawLabel(img, boxX+16, legendY, color.Black, g.Name)
		legendY += 16
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("render: encoding %s: %w", path, err)
	}
	return nil
}

// groupPalette spreads hues evenly so neighboring groups stay
// distinguishable, with fixed saturation and value for consistent plots
// across runs.
func groupPalette(n int) []color.RGBA {
	out := make([]color.RGBA, n)
	for i := range out {
		c := colorful.Hsv(float64(i)*360/float64(max(n, 1)), 0.75, 0.85)
		r, g, b := c.RGB255()
		out[i] = color.RGBA{R: r, G: g, B: b, A: 0xff}
	}
	return out
}

func fillCircle(img *image.RGBA, cx, cy, r int, c color.RGBA) {
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dy*dy <= r*r {
				img.SetRGBA(cx+dx, cy+dy, c)
			}
		}
	}
}

func drawLabel(img *image.RGBA, x, y int, c color.Color, text string) {
	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}
