package model

import "math"

// Vec3 is a position in world coordinates. Passed by value.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Point2 is a point (or direction) on the XZ plane.
type Point2 struct {
	X float64 `json:"x"`
	Z float64 `json:"z"`
}

// IsZero reports whether both components are exactly zero.
func (p Point2) IsZero() bool {
	return p.X == 0 && p.Z == 0
}

// Finite reports whether both components are finite numbers.
func (p Point2) Finite() bool {
	return isFinite(p.X) && isFinite(p.Z)
}

// Bounds is the world rectangle on the XZ plane.
type Bounds struct {
	MinX float64 `json:"minX"`
	MaxX float64 `json:"maxX"`
	MinZ float64 `json:"minZ"`
	MaxZ float64 `json:"maxZ"`
}

// BoundsFromSize centres a sizeX × sizeZ rectangle on the origin.
func BoundsFromSize(sizeX, sizeZ float64) Bounds {
	return Bounds{
		MinX: -sizeX / 2,
		MaxX: sizeX / 2,
		MinZ: -sizeZ / 2,
		MaxZ: sizeZ / 2,
	}
}

// Valid reports whether every edge is finite and the rectangle is not inverted.
func (b Bounds) Valid() bool {
	if !isFinite(b.MinX) || !isFinite(b.MaxX) || !isFinite(b.MinZ) || !isFinite(b.MaxZ) {
		return false
	}
	return b.MinX <= b.MaxX && b.MinZ <= b.MaxZ
}

// Clamp pulls pos into the rectangle. Y is left untouched.
func (b Bounds) Clamp(pos Vec3) Vec3 {
	pos.X = clamp(pos.X, b.MinX, b.MaxX)
	pos.Z = clamp(pos.Z, b.MinZ, b.MaxZ)
	return pos
}

// ClampPoint is Clamp for a planar point.
func (b Bounds) ClampPoint(p Point2) Point2 {
	return Point2{X: clamp(p.X, b.MinX, b.MaxX), Z: clamp(p.Z, b.MinZ, b.MaxZ)}
}

// Contains reports whether pos lies inside the rectangle (edges included).
func (b Bounds) Contains(pos Vec3) bool {
	return pos.X >= b.MinX && pos.X <= b.MaxX && pos.Z >= b.MinZ && pos.Z <= b.MaxZ
}

// Chunk is a cell of the visibility grid.
type Chunk struct {
	CX int `json:"cx"`
	CZ int `json:"cz"`
}

// ChunkOf returns the grid cell containing pos for the given cell size.
func ChunkOf(pos Vec3, chunkSize float64) Chunk {
	return Chunk{
		CX: int(math.Floor(pos.X / chunkSize)),
		CZ: int(math.Floor(pos.Z / chunkSize)),
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
