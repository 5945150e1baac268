package sampling

import (
	"image"
	"math"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// Encoder turns image neighbourhoods into network vectors for one Geometry.
// Every vector is built in the fixed row-major order of the offset lists, and every
// channel is scaled to [0, 1].
type Encoder struct {
	geo     Geometry
	disc    []image.Point
	outputs []image.Point
}

// NewEncoder precomputes the offset lists for g
func NewEncoder(g Geometry) *Encoder {
	e := &Encoder{geo: g, disc: Disc(g.Radius)}
	if g.Colorize() {
		e.outputs = Disc(g.ColorizeRadius)
	} else {
		e.outputs = Ring(g.Radius, g.Radius+1)
	}
	return e
}

// Geometry returns the layout the encoder was built for
func (e *Encoder) Geometry() Geometry { return e.geo }

// InputOffsets returns the disc offsets read for every input vector
func (e *Encoder) InputOffsets() []image.Point { return e.disc }

// OutputOffsets returns the ring (prediction) or chroma disc (colorisation) offsets
func (e *Encoder) OutputOffsets() []image.Point { return e.outputs }

// Fits reports whether every pixel read or written around (x, y) lies inside bounds
func (e *Encoder) Fits(bounds image.Rectangle, x, y int) bool {
	m := e.geo.Margin()
	return x-m >= bounds.Min.X && y-m >= bounds.Min.Y && x+m < bounds.Max.X && y+m < bounds.Max.Y
}

// InputFits reports whether the input disc around (x, y) lies inside bounds. The output
// offsets may still leave it.
func (e *Encoder) InputFits(bounds image.Rectangle, x, y int) bool {
	r := e.geo.Radius
	return x-r >= bounds.Min.X && y-r >= bounds.Min.Y && x+r < bounds.Max.X && y+r < bounds.Max.Y
}

// EncodeSample fills a training pair centred on (x, y). It returns false when the
// neighbourhood does not fit inside the image.
func (e *Encoder) EncodeSample(img *image.NRGBA, x, y int, in, out []float64) bool {
	if !e.Fits(img.Rect, x, y) {
		return false
	}
	if e.geo.Colorize() {
		for i, p := range e.disc {
			in[i] = ValueAt(img, x+p.X, y+p.Y)
		}
		for i, p := range e.outputs {
			h, s := ChromaAt(img, x+p.X, y+p.Y)
			out[2*i] = h
			out[2*i+1] = s
		}
		return true
	}
	for i, p := range e.disc {
		putRGB(in, i, RGBAt(img, x+p.X, y+p.Y))
	}
	for i, p := range e.outputs {
		putRGB(out, i, RGBAt(img, x+p.X, y+p.Y))
	}
	return true
}

// EncodeValue fills a colorisation input vector from the value channel around (x, y)
func (e *Encoder) EncodeValue(img *image.NRGBA, x, y int, in []float64) bool {
	if !e.Fits(img.Rect, x, y) {
		return false
	}
	for i, p := range e.disc {
		in[i] = ValueAt(img, x+p.X, y+p.Y)
	}
	return true
}

// Substitution configures how erased input pixels may be replaced by a valid neighbour
type Substitution struct {
	Enabled bool
	Max     int
}

var neighbours = []image.Point{
	{-1, -1}, {0, -1}, {1, -1},
	{-1, 0}, {1, 0},
	{-1, 1}, {0, 1}, {1, 1},
}

// EncodeMasked fills a prediction input vector around (x, y), treating pixels whose mask
// red channel is non-zero as erased. Without substitution any erased input pixel rejects
// the centre. With substitution an erased pixel borrows the colour of its valid
// 8-neighbour nearest to the centre, up to sub.Max times per vector. Only the input disc
// has to fit inside img.
func (e *Encoder) EncodeMasked(img, mask *image.NRGBA, x, y int, in []float64, sub Substitution) bool {
	if !e.InputFits(img.Rect, x, y) {
		return false
	}
	used := 0
	for i, p := range e.disc {
		px, py := x+p.X, y+p.Y
		if !Erased(mask, px, py) {
			putRGB(in, i, RGBAt(img, px, py))
			continue
		}
		if !sub.Enabled || used >= sub.Max {
			return false
		}
		q, ok := nearestValid(img.Rect, mask, px, py, x, y)
		if !ok {
			return false
		}
		used++
		putRGB(in, i, RGBAt(img, q.X, q.Y))
	}
	return true
}

// nearestValid picks the non-erased 8-neighbour of (px, py) closest to the centre (cx, cy)
func nearestValid(bounds image.Rectangle, mask *image.NRGBA, px, py, cx, cy int) (image.Point, bool) {
	best := image.Point{}
	bestDist := -1
	for _, n := range neighbours {
		q := image.Pt(px+n.X, py+n.Y)
		if !q.In(bounds) || Erased(mask, q.X, q.Y) {
			continue
		}
		dx, dy := q.X-cx, q.Y-cy
		if d := dx*dx + dy*dy; bestDist < 0 || d < bestDist {
			best, bestDist = q, d
		}
	}
	return best, bestDist >= 0
}

// EncodeIdentity fills an identity pair: one colour broadcast over every input and output
// position. It is only meaningful for prediction geometry.
func (e *Encoder) EncodeIdentity(rgb [3]float64, in, out []float64) {
	for i := range e.disc {
		putRGB(in, i, rgb)
	}
	for i := range e.outputs {
		putRGB(out, i, rgb)
	}
}

// Erased reports whether (x, y) is marked missing. A nil mask erases nothing.
func Erased(mask *image.NRGBA, x, y int) bool {
	if mask == nil {
		return false
	}
	return mask.Pix[mask.PixOffset(x, y)] != 0
}

// SetErased marks or clears (x, y) in mask
func SetErased(mask *image.NRGBA, x, y int, erased bool) {
	i := mask.PixOffset(x, y)
	if erased {
		mask.Pix[i], mask.Pix[i+1], mask.Pix[i+2], mask.Pix[i+3] = 255, 255, 255, 255
	} else {
		mask.Pix[i], mask.Pix[i+1], mask.Pix[i+2], mask.Pix[i+3] = 0, 0, 0, 255
	}
}

// RGBAt returns the pixel at (x, y) scaled to [0, 1]
func RGBAt(img *image.NRGBA, x, y int) [3]float64 {
	i := img.PixOffset(x, y)
	return [3]float64{
		float64(img.Pix[i]) / 255,
		float64(img.Pix[i+1]) / 255,
		float64(img.Pix[i+2]) / 255,
	}
}

// SetRGB writes a [0, 1] colour to (x, y), clamping and rounding each channel
func SetRGB(img *image.NRGBA, x, y int, c [3]float64) {
	i := img.PixOffset(x, y)
	img.Pix[i] = ToByte(c[0])
	img.Pix[i+1] = ToByte(c[1])
	img.Pix[i+2] = ToByte(c[2])
	img.Pix[i+3] = 255
}

// ValueAt returns the HSV value channel at (x, y)
func ValueAt(img *image.NRGBA, x, y int) float64 {
	c := RGBAt(img, x, y)
	return max(c[0], c[1], c[2])
}

// ChromaAt returns hue (scaled to [0, 1)) and saturation at (x, y)
func ChromaAt(img *image.NRGBA, x, y int) (float64, float64) {
	c := RGBAt(img, x, y)
	h, s, _ := colorful.Color{R: c[0], G: c[1], B: c[2]}.Hsv()
	return h / 360, s
}

// FromHSV rebuilds a [0, 1] RGB colour from a scaled hue, saturation and value.
// Hue wraps around so 1.0 and 0.0 are the same colour.
func FromHSV(h, s, v float64) [3]float64 {
	h -= math.Floor(h)
	c := colorful.Hsv(h*360, clamp01(s), clamp01(v)).Clamped()
	return [3]float64{c.R, c.G, c.B}
}

// ToByte converts a [0, 1] channel to a byte
func ToByte(v float64) uint8 {
	return uint8(clamp01(v)*255 + 0.5)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func putRGB(dst []float64, i int, c [3]float64) {
	dst[3*i] = c[0]
	dst[3*i+1] = c[1]
	dst[3*i+2] = c[2]
}
