package compiler

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
)

// solidPNG renders a w x h solid-color PNG for mask-merge tests.
func solidPNG(w, h int, r, g, b, a uint8) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	c := color.NRGBA{R: r, G: g, B: b, A: a}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
