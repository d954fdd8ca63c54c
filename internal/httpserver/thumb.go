package httpserver

import (
	"bytes"
	"image"
	"image/jpeg"
	"os"

	// decoders
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// makeThumb decodes the image at absPath and returns a JPEG no larger than
// max pixels on its longest edge.
func makeThumb(absPath string, max int) ([]byte, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, os.ErrInvalid
	}
	if max <= 0 {
		max = 256
	}

	nw, nh := fitWithin(w, h, max)
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var out bytes.Buffer
	enc := jpeg.Options{Quality: 82}
	if err := jpeg.Encode(&out, dst, &enc); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// fitWithin scales (w, h) down so the longest edge is at most max,
// preserving aspect ratio. Never returns a dimension below 1.
func fitWithin(w, h, max int) (int, int) {
	nw, nh := w, h
	if w >= h && w > max {
		nw = max
		nh = h * max / w
	} else if h > w && h > max {
		nh = max
		nw = w * max / h
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}
