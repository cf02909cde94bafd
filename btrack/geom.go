package btrack

import (
	"math"

	"github.com/pkg/errors"
)

// Point is a position in the imaging volume
type Point struct {
	X float64
	Y float64
	Z float64
}

// Coords returns the first n coordinates of the point (n <= 3)
func (p Point) Coords(n int) []float64 {
	all := [3]float64{p.X, p.Y, p.Z}
	out := make([]float64, n)
	copy(out, all[:n])
	return out
}

func euclideanDistance(p1, p2 Point) float64 {
	return math.Sqrt(math.Pow(p1.X-p2.X, 2) + math.Pow(p1.Y-p2.Y, 2) + math.Pow(p1.Z-p2.Z, 2))
}

// lerp interpolates between two points, factor in [0, 1]
func lerp(a, b Point, factor float64) Point {
	return Point{
		X: a.X + factor*(b.X-a.X),
		Y: a.Y + factor*(b.Y-a.Y),
		Z: a.Z + factor*(b.Z-a.Z),
	}
}

// Interval is a closed range [Lo, Hi] along one axis
type Interval struct {
	Lo float64 `json:"lo"`
	Hi float64 `json:"hi"`
}

// Contains reports whether v lies inside the interval
func (iv Interval) Contains(v float64) bool {
	return v >= iv.Lo && v <= iv.Hi
}

// defaultDepth is used as the Z extent of two dimensional volumes.
var defaultDepth = Interval{Lo: -1e5, Hi: 1e5}

// ImagingVolume is the per-axis bounding box of the imaged region
type ImagingVolume struct {
	X Interval `json:"x"`
	Y Interval `json:"y"`
	Z Interval `json:"z"`
}

// NewImagingVolume creates a volume from two or three (lo, hi) pairs.
// Two dimensional volumes get a very deep Z axis.
func NewImagingVolume(axes ...Interval) (ImagingVolume, error) {
	switch len(axes) {
	case 2:
		return ImagingVolume{X: axes[0], Y: axes[1], Z: defaultDepth}, nil
	case 3:
		return ImagingVolume{X: axes[0], Y: axes[1], Z: axes[2]}, nil
	default:
		return ImagingVolume{}, errors.Wrapf(ErrDimensionMismatch, "imaging volume needs 2 or 3 axes, got %d", len(axes))
	}
}

// volumeFromPoints returns the bounding box of the points
func volumeFromPoints(points []Point) ImagingVolume {
	if len(points) == 0 {
		return ImagingVolume{X: defaultDepth, Y: defaultDepth, Z: defaultDepth}
	}
	vol := ImagingVolume{
		X: Interval{Lo: points[0].X, Hi: points[0].X},
		Y: Interval{Lo: points[0].Y, Hi: points[0].Y},
		Z: Interval{Lo: points[0].Z, Hi: points[0].Z},
	}
	for _, p := range points[1:] {
		vol.X.Lo, vol.X.Hi = minFloat64(vol.X.Lo, p.X), maxFloat64(vol.X.Hi, p.X)
		vol.Y.Lo, vol.Y.Hi = minFloat64(vol.Y.Lo, p.Y), maxFloat64(vol.Y.Hi, p.Y)
		vol.Z.Lo, vol.Z.Hi = minFloat64(vol.Z.Lo, p.Z), maxFloat64(vol.Z.Hi, p.Z)
	}
	// flat data in z (2D) should not make every object sit on the border
	if vol.Z.Lo == vol.Z.Hi {
		vol.Z = defaultDepth
	}
	return vol
}

// Contains reports whether the point lies inside the volume
func (vol ImagingVolume) Contains(p Point) bool {
	return vol.X.Contains(p.X) && vol.Y.Contains(p.Y) && vol.Z.Contains(p.Z)
}

// DistanceToBorder returns the distance from p to the nearest face of the volume.
// Points outside the volume are at distance 0.
func (vol ImagingVolume) DistanceToBorder(p Point) float64 {
	if !vol.Contains(p) {
		return 0
	}
	d := math.Min(p.X-vol.X.Lo, vol.X.Hi-p.X)
	d = math.Min(d, math.Min(p.Y-vol.Y.Lo, vol.Y.Hi-p.Y))
	d = math.Min(d, math.Min(p.Z-vol.Z.Lo, vol.Z.Hi-p.Z))
	return d
}

// NearBorder reports whether p is within margin of (or beyond) the border
func (vol ImagingVolume) NearBorder(p Point, margin float64) bool {
	return vol.DistanceToBorder(p) <= margin
}
