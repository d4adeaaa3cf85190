package spatial

import "math"

// Quadrant indices. The order is also the summation order of the force walk.
const (
	NW = iota
	NE
	SW
	SE
)

// MinHalfSize is the smallest half-size BoundingRegion will produce, so a
// store whose bodies all sit on one point still gets a usable region.
const MinHalfSize = 1.0

// Region is an axis-aligned square described by its center and half side length.
//
// World coordinates follow screen convention: y grows downward, so "north"
// is the smaller-y half.
type Region struct {
	Center Vec2
	Half   float64
}

// Size returns the side length of the region.
func (r Region) Size() float64 {
	return 2 * r.Half
}

// Contains reports whether p lies inside the region. The low edges are
// inclusive and the high edges exclusive, matching Quadrant's tie rule.
func (r Region) Contains(p Vec2) bool {
	return p.X >= r.Center.X-r.Half && p.X < r.Center.X+r.Half &&
		p.Y >= r.Center.Y-r.Half && p.Y < r.Center.Y+r.Half
}

// Quadrant returns the child quadrant p falls into. A point exactly on a
// bisector belongs to the east and/or south side.
func (r Region) Quadrant(p Vec2) int {
	q := NW
	if p.X >= r.Center.X {
		q |= NE
	}
	if p.Y >= r.Center.Y {
		q |= SW
	}
	return q
}

// Child returns the sub-region for quadrant q.
func (r Region) Child(q int) Region {
	h := r.Half / 2
	c := r.Center
	if q&NE != 0 {
		c.X += h
	} else {
		c.X -= h
	}
	if q&SW != 0 {
		c.Y += h
	} else {
		c.Y -= h
	}
	return Region{Center: c, Half: h}
}

// BoundingRegion returns the smallest square enclosing every position,
// grown by padding (a fraction of the half size) so that no body sits on
// the outer boundary. Non-finite positions are ignored.
func BoundingRegion(positions []Vec2, padding float64) Region {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range positions {
		if !p.IsFinite() {
			continue
		}
		minX = math.Min(minX, p.X)
		maxX = math.Max(maxX, p.X)
		minY = math.Min(minY, p.Y)
		maxY = math.Max(maxY, p.Y)
	}
	if math.IsInf(minX, 1) {
		return Region{Half: MinHalfSize}
	}

	center := Vec2{(minX + maxX) / 2, (minY + maxY) / 2}
	half := math.Max(maxX-minX, maxY-minY) / 2
	if padding < 0 {
		padding = 0
	}
	half += half * padding
	if half < MinHalfSize {
		half = MinHalfSize
	}
	// Nudge by one ulp so the max edge is strictly inside (high edges are exclusive).
	half = math.Nextafter(half, math.Inf(1))
	return Region{Center: center, Half: half}
}
