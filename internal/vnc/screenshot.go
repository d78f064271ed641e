package vnc

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
)

// Screenshot is a decoded framebuffer snapshot: RGBA pixels in row-major
// order, one (R,G,B,A) quadruple per pixel.
type Screenshot struct {
	Width  int
	Height int
	Pixels []byte
}

// Equal reports whether two screenshots hold byte-identical pixels,
// used by the writer to suppress duplicate frames.
func (s *Screenshot) Equal(other *Screenshot) bool {
	if other == nil {
		return false
	}
	if s.Width != other.Width || s.Height != other.Height {
		return false
	}
	return bytes.Equal(s.Pixels, other.Pixels)
}

// Crop returns the sub-rectangle [x,y,x+w,y+h) as a new Screenshot. Out of
// range rectangles are clamped to the source bounds.
func (s *Screenshot) Crop(x, y, w, h int) *Screenshot {
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}
	if x+w > s.Width {
		w = s.Width - x
	}
	if y+h > s.Height {
		h = s.Height - y
	}
	if w < 0 {
		w = 0
	}
	if h < 0 {
		h = 0
	}
	out := &Screenshot{Width: w, Height: h, Pixels: make([]byte, w*h*4)}
	for row := 0; row < h; row++ {
		srcOff := ((y+row)*s.Width + x) * 4
		dstOff := row * w * 4
		copy(out.Pixels[dstOff:dstOff+w*4], s.Pixels[srcOff:srcOff+w*4])
	}
	return out
}

// ToImage converts the screenshot to a stdlib image.Image for encoding.
func (s *Screenshot) ToImage() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, s.Width, s.Height))
	copy(img.Pix, s.Pixels)
	return img
}

// EncodePNG encodes the screenshot as PNG bytes via image/png.
func (s *Screenshot) EncodePNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, s.ToImage()); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePNG loads a Screenshot from PNG bytes, converting whatever color
// model the file uses into RGBA.
func DecodePNG(data []byte) (*Screenshot, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode png: %w", err)
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	pixels := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, a := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			off := (y*w + x) * 4
			pixels[off] = byte(r >> 8)
			pixels[off+1] = byte(g >> 8)
			pixels[off+2] = byte(b >> 8)
			pixels[off+3] = byte(a >> 8)
		}
	}
	return &Screenshot{Width: w, Height: h, Pixels: pixels}, nil
}

// Similarity returns 1 - mean absolute per-channel pixel difference over
// the R, G and B channels (alpha is ignored) between two equal-sized
// screenshots, normalized to [0,1]. Mismatched dimensions report 0
// similarity.
func Similarity(a, b *Screenshot) float32 {
	if a.Width != b.Width || a.Height != b.Height || len(a.Pixels) == 0 {
		return 0
	}
	var total uint64
	n := 0
	for i := 0; i < len(a.Pixels); i++ {
		if i%4 == 3 {
			continue // alpha
		}
		diff := int(a.Pixels[i]) - int(b.Pixels[i])
		if diff < 0 {
			diff = -diff
		}
		total += uint64(diff)
		n++
	}
	mean := float64(total) / float64(n)
	return float32(1 - mean/255)
}
