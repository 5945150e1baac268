package sampling

import (
	"errors"
	"fmt"
	"image"
)

// ErrNoRadius is returned when no radius reproduces a pair of vector widths
var ErrNoRadius = errors.New("sampling: no radius matches vector widths")

// MaxRadius bounds the search in RadiusFromCounts
const MaxRadius = 64

// Geometry describes the input/output vector layout for one radius configuration.
// ColorizeRadius is zero when the model predicts pixels rather than colours.
type Geometry struct {
	Radius         int
	ColorizeRadius int
	Inputs         int
	Outputs        int
}

// NewGeometry computes vector widths for a prediction model (colorizeRadius == 0)
// or a colorisation model (0 < colorizeRadius <= radius)
func NewGeometry(radius, colorizeRadius int) (Geometry, error) {
	if radius < 1 {
		return Geometry{}, fmt.Errorf("radius must be >= 1 (got %d)", radius)
	}
	if colorizeRadius < 0 || colorizeRadius > radius {
		return Geometry{}, fmt.Errorf("colorize radius must be in [0, %d] (got %d)", radius, colorizeRadius)
	}
	ni, no := CountsFromRadius(radius, colorizeRadius)
	return Geometry{Radius: radius, ColorizeRadius: colorizeRadius, Inputs: ni, Outputs: no}, nil
}

// Colorize reports whether the geometry is a colorisation layout
func (g Geometry) Colorize() bool {
	return g.ColorizeRadius > 0
}

// Margin is the distance from a centre pixel to the farthest pixel it reads or writes
func (g Geometry) Margin() int {
	if g.Colorize() {
		return g.Radius
	}
	return g.Radius + 1
}

func (g Geometry) String() string {
	if g.Colorize() {
		return fmt.Sprintf("colorize r=%d r2=%d (%d -> %d)", g.Radius, g.ColorizeRadius, g.Inputs, g.Outputs)
	}
	return fmt.Sprintf("predict r=%d (%d -> %d)", g.Radius, g.Inputs, g.Outputs)
}

// Disc returns offsets with dx²+dy² <= r², row-major over the bounding square
func Disc(r int) []image.Point {
	var pts []image.Point
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dy*dy <= r*r {
				pts = append(pts, image.Pt(dx, dy))
			}
		}
	}
	return pts
}

// Ring returns offsets with r1² < dx²+dy² <= r2², row-major over the bounding square
func Ring(r1, r2 int) []image.Point {
	var pts []image.Point
	for dy := -r2; dy <= r2; dy++ {
		for dx := -r2; dx <= r2; dx++ {
			d := dx*dx + dy*dy
			if d > r1*r1 && d <= r2*r2 {
				pts = append(pts, image.Pt(dx, dy))
			}
		}
	}
	return pts
}

// CountsFromRadius returns (ni, no) for the given radii
func CountsFromRadius(radius, colorizeRadius int) (int, int) {
	if colorizeRadius > 0 {
		return len(Disc(radius)), 2 * len(Disc(colorizeRadius))
	}
	return 3 * len(Disc(radius)), 3 * len(Ring(radius, radius+1))
}

// RadiusFromCounts searches increasing radii until the lattice counts match (ni, no)
func RadiusFromCounts(ni, no int, colorize bool) (int, int, error) {
	for d := 1; d <= MaxRadius; d++ {
		disc := len(Disc(d))
		if !colorize {
			if 3*disc == ni && 3*len(Ring(d, d+1)) == no {
				return d, 0, nil
			}
			if 3*disc > ni {
				break
			}
			continue
		}
		if disc != ni {
			if disc > ni {
				break
			}
			continue
		}
		for d2 := 1; d2 <= d; d2++ {
			if 2*len(Disc(d2)) == no {
				return d, d2, nil
			}
		}
		break
	}
	return 0, 0, fmt.Errorf("%w: ni=%d no=%d colorize=%v", ErrNoRadius, ni, no, colorize)
}
