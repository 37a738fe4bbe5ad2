package artifact

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	// premultiplied: white at ~45% and a soft shadow under it
	markColor   = color.RGBA{R: 115, G: 115, B: 115, A: 115}
	shadowColor = color.RGBA{A: 70}
	footerColor = color.RGBA{R: 150, G: 150, B: 150, A: 150}
)

// watermark stamps text across the bottom-right corner and the proof id
// in the bottom-left corner
func watermark(dst *image.RGBA, text string, imageID int64) {
	b := dst.Bounds()
	margin := max(4, b.Dx()/50)

	if text != "" {
		mark := renderText(text)
		r := fitWidth(mark.Bounds(), b.Dx()*45/100)
		r = r.Add(image.Pt(b.Max.X-margin-r.Dx(), b.Max.Y-margin-r.Dy()))
		offset := max(1, r.Dy()/12)
		stamp(dst, mark, r.Add(image.Pt(offset, offset)), shadowColor)
		stamp(dst, mark, r, markColor)
	}

	footer := renderText(fmt.Sprintf("Proof ID: %d", imageID))
	r := fitWidth(footer.Bounds(), b.Dx()*20/100)
	r = r.Add(image.Pt(b.Min.X+margin, b.Max.Y-margin-r.Dy()))
	stamp(dst, footer, r, footerColor)
}

// renderText draws text into an alpha mask at the font's native size
func renderText(text string) *image.Alpha {
	face := basicfont.Face7x13
	d := &font.Drawer{Face: face}
	metrics := face.Metrics()

	w := d.MeasureString(text).Ceil()
	h := metrics.Height.Ceil()
	mask := image.NewAlpha(image.Rect(0, 0, w+2, h+2))

	d.Dst = mask
	d.Src = image.Opaque
	d.Dot = fixed.P(1, 1+metrics.Ascent.Ceil())
	d.DrawString(text)
	return mask
}

// fitWidth scales r to width, keeping its aspect ratio
func fitWidth(r image.Rectangle, width int) image.Rectangle {
	width = max(1, width)
	height := max(1, r.Dy()*width/max(1, r.Dx()))
	return image.Rect(0, 0, width, height)
}

func stamp(dst *image.RGBA, mask *image.Alpha, r image.Rectangle, c color.Color) {
	scaled := image.NewAlpha(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), mask, mask.Bounds(), draw.Src, nil)
	draw.DrawMask(dst, r, image.NewUniform(c), image.Point{}, scaled, image.Point{}, draw.Over)
}
