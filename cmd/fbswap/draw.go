//go:build linux

package main

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// frameImage wraps one 32bpp frame of the mapped buffer as an image.
func frameImage(pix []byte, w, h int) *image.RGBA {
	return &image.RGBA{Pix: pix[:w*h*4], Stride: w * 4, Rect: image.Rect(0, 0, w, h)}
}

// label is the banner drawn into each frame, rendered small and scaled up.
type label struct {
	small *image.RGBA
	scale int
}

func newLabel(scale int) *label {
	// 7x13 glyphs; room for 24 characters.
	return &label{small: image.NewRGBA(image.Rect(0, 0, 24*7, 16)), scale: scale}
}

// render paints dst with bg and the banner for frame n at generation gen.
func (l *label) render(dst *image.RGBA, bg color.RGBA, n int, gen uint64) {
	draw.Draw(dst, dst.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)

	draw.Draw(l.small, l.small.Bounds(), image.Transparent, image.Point{}, draw.Src)
	d := font.Drawer{
		Dst:  l.small,
		Src:  image.White,
		Face: basicfont.Face7x13,
		Dot:  fixed.P(2, 12),
	}
	d.DrawString(fmt.Sprintf("frame %d gen %d", n, gen))

	sb := l.small.Bounds()
	r := image.Rect(16, 16, 16+sb.Dx()*l.scale, 16+sb.Dy()*l.scale).Intersect(dst.Bounds())
	draw.NearestNeighbor.Scale(dst, r, l.small, sb, draw.Over, nil)
}

// palette alternates so a missed swap shows as a stuck colour.
var palette = [2]color.RGBA{
	{R: 0x10, G: 0x30, B: 0x80, A: 0xff},
	{R: 0x80, G: 0x20, B: 0x10, A: 0xff},
}
