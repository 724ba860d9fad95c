// Package convert turns images into panel frames.
package convert

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// Fit returns img as a Width x Height grey image. Images of another size
// are scaled to fit, keeping the aspect ratio, and centred on white.
func Fit(img image.Image) *image.Gray {
	b := img.Bounds()
	dst := image.NewGray(image.Rect(0, 0, Width, Height))
	if b.Dx() == Width && b.Dy() == Height {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
		return dst
	}
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	if b.Empty() {
		return dst
	}

	w, h := Width, b.Dy()*Width/b.Dx()
	if h > Height {
		w, h = b.Dx()*Height/b.Dy(), Height
	}
	x0 := (Width - w) / 2
	y0 := (Height - h) / 2
	draw.CatmullRom.Scale(dst, image.Rect(x0, y0, x0+w, y0+h), img, b, draw.Over, nil)
	return dst
}

// Frame fits img and packs it.
func Frame(img image.Image) ([]byte, error) {
	return Pack(Fit(img))
}
