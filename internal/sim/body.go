package sim

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gravtree/internal/config"
	"gravtree/internal/sim/spatial"
)

// ErrNonFinite is returned by Store.Validate when a body holds NaN or Inf.
var ErrNonFinite = errors.New("non-finite body state")

// Body is a point mass.
type Body struct {
	Pos  spatial.Vec2
	Vel  spatial.Vec2
	Acc  spatial.Vec2 // acceleration applied in the last step
	Mass float64
}

// IsFinite reports whether every component of the body is finite.
func (b Body) IsFinite() bool {
	return b.Pos.IsFinite() && b.Vel.IsFinite() && b.Acc.IsFinite() &&
		!math.IsNaN(b.Mass) && !math.IsInf(b.Mass, 0)
}

// Store is the fixed-length, double-buffered body collection.
//
// The front buffer is the committed state. A step writes the next state into
// the back buffer and Commit swaps them, so an abandoned step leaves the
// front untouched.
type Store struct {
	front []Body
	back  []Body

	// Flat views for the spatial index, refreshed by Gather.
	pos  []spatial.Vec2
	mass []float64
}

// NewStore copies bodies into a new store.
func NewStore(bodies []Body) *Store {
	s := &Store{
		front: make([]Body, len(bodies)),
		back:  make([]Body, len(bodies)),
		pos:   make([]spatial.Vec2, len(bodies)),
		mass:  make([]float64, len(bodies)),
	}
	copy(s.front, bodies)
	return s
}

// Len returns the number of bodies.
func (s *Store) Len() int {
	return len(s.front)
}

// Bodies returns the committed state. Callers must not modify it.
func (s *Store) Bodies() []Body {
	return s.front
}

// Gather refreshes and returns the flat position and mass views of the
// committed state.
func (s *Store) Gather() ([]spatial.Vec2, []float64) {
	for i := range s.front {
		s.pos[i] = s.front[i].Pos
		s.mass[i] = s.front[i].Mass
	}
	return s.pos, s.mass
}

// Back returns the buffer the next state is written into.
func (s *Store) Back() []Body {
	return s.back
}

// Commit makes the back buffer the committed state.
func (s *Store) Commit() {
	s.front, s.back = s.back, s.front
}

// Validate returns an error wrapping ErrNonFinite naming the first body with
// a NaN or infinite component.
func (s *Store) Validate() error {
	for i := range s.front {
		if !s.front[i].IsFinite() {
			return fmt.Errorf("body %d: %w", i, ErrNonFinite)
		}
	}
	return nil
}

// Diagnostics are conserved-quantity measurements of the committed state.
type Diagnostics struct {
	Momentum      spatial.Vec2 `json:"momentum"`
	KineticEnergy float64      `json:"kineticEnergy"`
	CenterOfMass  spatial.Vec2 `json:"centerOfMass"`
	TotalMass     float64      `json:"totalMass"`
}

// Diagnose measures the committed state.
func (s *Store) Diagnose() Diagnostics {
	return Diagnose(s.front)
}

// Diagnose measures a body slice.
func Diagnose(bodies []Body) Diagnostics {
	var d Diagnostics
	var weighted spatial.Vec2
	for _, b := range bodies {
		d.Momentum = d.Momentum.Add(b.Vel.Scale(b.Mass))
		d.KineticEnergy += 0.5 * b.Mass * b.Vel.LenSq()
		d.TotalMass += b.Mass
		weighted = weighted.Add(b.Pos.Scale(b.Mass))
	}
	if d.TotalMass > 0 {
		d.CenterOfMass = weighted.Scale(1 / d.TotalMass)
	}
	return d
}

// =============================================================================
// INITIAL CONDITIONS
// =============================================================================

// GenerateBodies creates the initial distribution described by cfg using rng.
// With a central mass, body 0 is the central body at the origin and the
// remaining BodyCount-1 bodies are distributed around it.
func GenerateBodies(cfg config.SimConfig, rng *rand.Rand) []Body {
	bodies := make([]Body, 0, cfg.BodyCount)

	n := cfg.BodyCount
	if cfg.CentralMass > 0 {
		bodies = append(bodies, Body{Mass: cfg.CentralMass})
		n--
	}

	for i := 0; i < n; i++ {
		var r float64
		switch cfg.Distribution {
		case config.DistributionRing:
			// 10% wide annulus at the outer radius
			r = cfg.SpatialRadius * (0.9 + 0.1*rng.Float64())
		default:
			// sqrt gives a uniform density over the disk area
			r = cfg.SpatialRadius * math.Sqrt(rng.Float64())
		}
		a := rng.Float64() * 2 * math.Pi
		bodies = append(bodies, Body{
			Pos:  spatial.Vec2{X: r * math.Cos(a), Y: r * math.Sin(a)},
			Mass: cfg.BodyMass,
		})
	}

	if cfg.OrbitalVelocities {
		SetOrbitalVelocities(bodies, cfg.G)
	}
	return bodies
}

// BodiesFromScenario converts explicit scenario bodies.
func BodiesFromScenario(specs []config.BodySpec) []Body {
	bodies := make([]Body, len(specs))
	for i, s := range specs {
		bodies[i] = Body{
			Pos:  spatial.Vec2{X: s.Pos[0], Y: s.Pos[1]},
			Vel:  spatial.Vec2{X: s.Vel[0], Y: s.Vel[1]},
			Mass: s.Mass,
		}
	}
	return bodies
}

// SetOrbitalVelocities gives every body at rest a circular velocity around
// the barycenter, using the mass enclosed within its radius. Bodies that
// already move, or sit on the barycenter, are left alone.
func SetOrbitalVelocities(bodies []Body, g float64) {
	if len(bodies) < 2 {
		return
	}
	com := Diagnose(bodies).CenterOfMass

	idx := make([]int, len(bodies))
	for i := range idx {
		idx[i] = i
	}
	radius := func(i int) float64 { return bodies[i].Pos.Sub(com).Len() }
	sort.SliceStable(idx, func(a, b int) bool { return radius(idx[a]) < radius(idx[b]) })

	var enclosed float64
	for _, i := range idx {
		b := &bodies[i]
		r := radius(i)
		if r > 0 && b.Vel == (spatial.Vec2{}) && enclosed > 0 {
			dir := b.Pos.Sub(com).Normalize()
			// perpendicular to the radius vector
			b.Vel = spatial.Vec2{X: -dir.Y, Y: dir.X}.Scale(math.Sqrt(g * enclosed / r))
		}
		enclosed += b.Mass
	}
}
