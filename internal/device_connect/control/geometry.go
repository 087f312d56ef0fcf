package control

import (
	"errors"
	"math"

	"github.com/babelcloud/gbox/packages/mirror/internal/device_connect/video"
)

// ErrRotationMismatch is returned when points or frames of different
// rotations are combined.
var ErrRotationMismatch = errors.New("rotation mismatch")

// ScalePointR is a point in normalized [0,1]x[0,1] surface coordinates,
// tagged with the rotation it was captured under.
type ScalePointR struct {
	X float64
	Y float64
	R int
}

// NewScalePointR clamps x and y into [0,1].
func NewScalePointR(x, y float64, r int) ScalePointR {
	return ScalePointR{X: clamp01(x), Y: clamp01(y), R: r}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func (p ScalePointR) Add(q ScalePointR) (ScalePointR, error) {
	if p.R != q.R {
		return ScalePointR{}, ErrRotationMismatch
	}
	return NewScalePointR(p.X+q.X, p.Y+q.Y, p.R), nil
}

func (p ScalePointR) Sub(q ScalePointR) (ScalePointR, error) {
	if p.R != q.R {
		return ScalePointR{}, ErrRotationMismatch
	}
	return ScalePointR{X: p.X - q.X, Y: p.Y - q.Y, R: p.R}, nil
}

// Distance is the euclidean distance in normalized units.
func (p ScalePointR) Distance(q ScalePointR) (float64, error) {
	if p.R != q.R {
		return 0, ErrRotationMismatch
	}
	return math.Hypot(p.X-q.X, p.Y-q.Y), nil
}

// ToPixel maps the point onto c, whose rotation must match the point's.
func (p ScalePointR) ToPixel(c video.Coordinate) (x, y int32, err error) {
	if c.Rotation() != p.R {
		return 0, 0, ErrRotationMismatch
	}
	px := int32(math.Round(p.X * float64(c.Width-1)))
	py := int32(math.Round(p.Y * float64(c.Height-1)))
	return px, py, nil
}
