package core

import "math"

// Vec3 is a position or velocity in simulation-world coordinates, metres.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// DistanceTo returns the straight-line distance between two points.
func (v Vec3) DistanceTo(other Vec3) float64 {
	dx := v.X - other.X
	dy := v.Y - other.Y
	dz := v.Z - other.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Norm returns the Euclidean norm of the vector.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Sub returns v - other.
func (v Vec3) Sub(other Vec3) Vec3 {
	return Vec3{X: v.X - other.X, Y: v.Y - other.Y, Z: v.Z - other.Z}
}

// Add returns v + other.
func (v Vec3) Add(other Vec3) Vec3 {
	return Vec3{X: v.X + other.X, Y: v.Y + other.Y, Z: v.Z + other.Z}
}

// Scale returns v scaled by s.
func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{X: v.X * s, Y: v.Y * s, Z: v.Z * s}
}

// HeadingDelta returns the absolute raw difference between two headings in
// degrees. It deliberately does not fold across the 0°/360° boundary;
// HeadingExceeds accounts for wrap-around instead.
func HeadingDelta(a, b float64) float64 {
	return math.Abs(a - b)
}

// HeadingExceeds reports whether a raw heading delta crosses the threshold.
// A delta beyond 360°−threshold also counts, so a wrap jump like 358°→2°
// is treated the same as a small change away from the boundary.
func HeadingExceeds(delta, threshold float64) bool {
	return delta > threshold || delta > 360.0-threshold
}
