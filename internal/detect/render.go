package detect

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/skyeye-pipeline/pkg/types"
)

var (
	boxColor    = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	footerColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	textBgColor = color.RGBA{R: 0, G: 0, B: 0, A: 160}
)

const (
	boxThickness = 3
	textPad      = 2
	footerMargin = 10
)

var face font.Face = basicfont.Face7x13

// overlay is what gets burned into one rendered image
type overlay struct {
	boxes    []Candidate
	position types.Position
	at       time.Time
	// confidence appended to the footer; negative omits it
	confidence float64
}

// render returns a new RGBA copy of src with the overlay drawn. src is not modified.
func render(src image.Image, o overlay) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, src, b.Min, draw.Src)

	for _, c := range o.boxes {
		drawBox(dst, c.BBox.Rect(), boxColor, boxThickness)

		label := fmt.Sprintf("%s: %.2f", c.Label, c.Confidence)
		y := c.BBox.Y1 - footerMargin
		if y-face.Metrics().Ascent.Ceil() < b.Min.Y {
			y = c.BBox.Y2 + face.Metrics().Ascent.Ceil() + textPad
		}
		drawText(dst, c.BBox.X1, y, label, boxColor)
	}

	footer := fmt.Sprintf("Date: %s | Lat: %.6f, Lon: %.6f",
		o.at.Format("2006-01-02 15:04:05"), o.position.Latitude, o.position.Longitude)
	if o.confidence >= 0 {
		footer += fmt.Sprintf(" | Confidence: %.2f", o.confidence)
	}
	drawText(dst, b.Min.X+footerMargin, b.Max.Y-footerMargin, footer, footerColor)
	return dst
}

func drawBox(dst draw.Image, r image.Rectangle, c color.Color, thickness int) {
	u := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness),
		image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y),
		image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(dst.Bounds()), u, image.Point{}, draw.Src)
	}
}

// drawText draws s with its baseline at (x, y) on a translucent backing.
func drawText(dst draw.Image, x, y int, s string, c color.Color) {
	d := &font.Drawer{Dst: dst, Src: image.NewUniform(c), Face: face}
	width := d.MeasureString(s).Ceil()
	m := face.Metrics()
	bg := image.Rect(x-textPad, y-m.Ascent.Ceil()-textPad, x+width+textPad, y+m.Descent.Ceil()+textPad)
	draw.Draw(dst, bg.Intersect(dst.Bounds()), image.NewUniform(textBgColor), image.Point{}, draw.Over)

	d.Dot = fixed.P(x, y)
	d.DrawString(s)
}
