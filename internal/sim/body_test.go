package sim

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gravtree/internal/config"
	"gravtree/internal/sim/spatial"
)

// TestIntegrateSemiImplicit verifies velocity is updated before position
func TestIntegrateSemiImplicit(t *testing.T) {
	b := Body{Pos: spatial.Vec2{X: 1, Y: 2}, Vel: spatial.Vec2{X: 3, Y: 0}, Mass: 1}
	got := Integrate(b, spatial.Vec2{X: 0, Y: 2}, 0.5)

	if got.Vel != (spatial.Vec2{X: 3, Y: 1}) {
		t.Errorf("Expected velocity (3, 1), got %v", got.Vel)
	}
	// Position uses the new velocity
	if got.Pos != (spatial.Vec2{X: 2.5, Y: 2.5}) {
		t.Errorf("Expected position (2.5, 2.5), got %v", got.Pos)
	}
	if got.Acc != (spatial.Vec2{X: 0, Y: 2}) || got.Mass != 1 {
		t.Errorf("Expected acc recorded and mass kept, got %+v", got)
	}
}

// TestStoreCommitSwapsBuffers verifies writes to the back buffer only show after Commit
func TestStoreCommitSwapsBuffers(t *testing.T) {
	s := NewStore([]Body{{Mass: 1}, {Mass: 2}})

	s.Back()[0] = Body{Pos: spatial.Vec2{X: 9, Y: 9}, Mass: 1}
	s.Back()[1] = Body{Mass: 2}
	if s.Bodies()[0].Pos != (spatial.Vec2{}) {
		t.Fatal("Back buffer write leaked into committed state")
	}

	s.Commit()
	if s.Bodies()[0].Pos != (spatial.Vec2{X: 9, Y: 9}) {
		t.Errorf("Expected committed position (9, 9), got %v", s.Bodies()[0].Pos)
	}

	pos, mass := s.Gather()
	if pos[0] != (spatial.Vec2{X: 9, Y: 9}) || mass[1] != 2 {
		t.Errorf("Gather returned stale views: %v %v", pos, mass)
	}
}

// TestStoreValidate verifies non-finite components are reported with the index
func TestStoreValidate(t *testing.T) {
	tests := []struct {
		name string
		body Body
		ok   bool
	}{
		{"finite", Body{Pos: spatial.Vec2{X: 1, Y: 1}, Mass: 1}, true},
		{"nan position", Body{Pos: spatial.Vec2{X: math.NaN()}, Mass: 1}, false},
		{"inf velocity", Body{Vel: spatial.Vec2{Y: math.Inf(-1)}, Mass: 1}, false},
		{"nan acceleration", Body{Acc: spatial.Vec2{X: math.NaN()}, Mass: 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore([]Body{{Mass: 1}, tt.body})
			err := s.Validate()
			if tt.ok && err != nil {
				t.Errorf("Expected valid store, got %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrNonFinite) {
				t.Errorf("Expected ErrNonFinite, got %v", err)
			}
		})
	}
}

// TestDiagnose checks momentum, kinetic energy and center of mass
func TestDiagnose(t *testing.T) {
	d := Diagnose([]Body{
		{Pos: spatial.Vec2{X: 0, Y: 0}, Vel: spatial.Vec2{X: 1, Y: 0}, Mass: 2},
		{Pos: spatial.Vec2{X: 6, Y: 0}, Vel: spatial.Vec2{X: 0, Y: -2}, Mass: 1},
	})

	if d.Momentum != (spatial.Vec2{X: 2, Y: -2}) {
		t.Errorf("Expected momentum (2, -2), got %v", d.Momentum)
	}
	if d.KineticEnergy != 3 {
		t.Errorf("Expected kinetic energy 3, got %g", d.KineticEnergy)
	}
	if d.CenterOfMass != (spatial.Vec2{X: 2, Y: 0}) || d.TotalMass != 3 {
		t.Errorf("Expected COM (2, 0) mass 3, got %v mass %g", d.CenterOfMass, d.TotalMass)
	}
}

// TestGenerateBodies checks distribution bounds and the central body
func TestGenerateBodies(t *testing.T) {
	tests := []struct {
		name         string
		distribution string
		central      float64
		minR         float64
	}{
		{"disk", config.DistributionDisk, 0, 0},
		{"ring", config.DistributionRing, 0, 900},
		{"disk with central mass", config.DistributionDisk, 500, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultSim()
			cfg.BodyCount = 200
			cfg.Distribution = tt.distribution
			cfg.CentralMass = tt.central

			bodies := GenerateBodies(cfg, rand.New(rand.NewSource(1)))
			if len(bodies) != 200 {
				t.Fatalf("Expected 200 bodies, got %d", len(bodies))
			}

			first := 0
			if tt.central > 0 {
				if bodies[0].Mass != tt.central || bodies[0].Pos != (spatial.Vec2{}) {
					t.Errorf("Expected central body at origin, got %+v", bodies[0])
				}
				first = 1
			}
			for i, b := range bodies[first:] {
				r := b.Pos.Len()
				if r > cfg.SpatialRadius+1e-9 || r < tt.minR-1e-9 {
					t.Fatalf("Body %d at radius %g outside [%g, %g]", i, r, tt.minR, cfg.SpatialRadius)
				}
				if b.Mass != cfg.BodyMass {
					t.Fatalf("Body %d mass %g, want %g", i, b.Mass, cfg.BodyMass)
				}
			}
		})
	}
}

// TestGenerateBodiesDeterministic checks the same seed gives the same bodies
func TestGenerateBodiesDeterministic(t *testing.T) {
	cfg := config.DefaultSim()
	cfg.BodyCount = 50
	a := GenerateBodies(cfg, rand.New(rand.NewSource(3)))
	b := GenerateBodies(cfg, rand.New(rand.NewSource(3)))
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("Body %d differs", i)
		}
	}
}

// TestSetOrbitalVelocities checks circular speed around a dominant central mass
func TestSetOrbitalVelocities(t *testing.T) {
	bodies := []Body{
		{Pos: spatial.Vec2{X: 0, Y: 0}, Mass: 1e6},
		{Pos: spatial.Vec2{X: 100, Y: 0}, Mass: 1e-6},
		{Pos: spatial.Vec2{X: 0, Y: 50}, Mass: 1e-6, Vel: spatial.Vec2{X: 7, Y: 0}},
	}
	SetOrbitalVelocities(bodies, 1)

	v := bodies[1].Vel
	want := math.Sqrt(1e6 / 100)
	if math.Abs(v.Len()-want) > 1e-3*want {
		t.Errorf("Expected orbital speed %g, got %g", want, v.Len())
	}
	if dot := v.X*bodies[1].Pos.X + v.Y*bodies[1].Pos.Y; math.Abs(dot) > 1e-6*want*100 {
		t.Errorf("Expected velocity perpendicular to radius, got %v", v)
	}
	if bodies[2].Vel != (spatial.Vec2{X: 7, Y: 0}) {
		t.Errorf("Moving body should keep its velocity, got %v", bodies[2].Vel)
	}
}

// TestBodiesFromScenario converts explicit bodies
func TestBodiesFromScenario(t *testing.T) {
	bodies := BodiesFromScenario([]config.BodySpec{
		{Mass: 2, Pos: [2]float64{1, 2}, Vel: [2]float64{3, 4}},
	})
	want := Body{Pos: spatial.Vec2{X: 1, Y: 2}, Vel: spatial.Vec2{X: 3, Y: 4}, Mass: 2}
	if len(bodies) != 1 || bodies[0] != want {
		t.Errorf("Expected %+v, got %+v", want, bodies)
	}
}
