package sim

import (
	"math/rand"
	"testing"

	"gravtree/internal/sim/spatial"
)

func randomPositions(n int, seed int64) ([]spatial.Vec2, []float64) {
	rng := rand.New(rand.NewSource(seed))
	pos := make([]spatial.Vec2, n)
	mass := make([]float64, n)
	for i := range pos {
		pos[i] = spatial.Vec2{X: rng.Float64()*2000 - 1000, Y: rng.Float64()*2000 - 1000}
		mass[i] = 1 + rng.Float64()
	}
	return pos, mass
}

// TestForcePoolMatchesSequential verifies parallel results are bit-identical
func TestForcePoolMatchesSequential(t *testing.T) {
	tests := []struct {
		name    string
		bodies  int
		workers int
	}{
		{"below threshold", 10, 4},
		{"one worker", 500, 1},
		{"four workers", 1000, 4},
		{"uneven chunks", 1001, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos, mass := randomPositions(tt.bodies, int64(tt.bodies))
			tree := spatial.Build(pos, mass, spatial.BoundingRegion(pos, 0.05), spatial.BuildOptions{})
			params := spatial.ForceParams{G: 1, Theta: 0.5, MinDistance: 0.01}

			seq := make([]spatial.Vec2, len(pos))
			accelerationRange(tree, pos, seq, params, 0, len(pos))

			pool := NewForcePool(tt.workers)
			pool.Start()
			defer pool.Stop()

			par := make([]spatial.Vec2, len(pos))
			pool.Accelerations(tree, pos, par, params)

			for i := range seq {
				if seq[i] != par[i] {
					t.Fatalf("Body %d: parallel %v != sequential %v", i, par[i], seq[i])
				}
			}
		})
	}
}

// TestForcePoolStoppedFallsBack verifies a stopped pool still computes
func TestForcePoolStoppedFallsBack(t *testing.T) {
	pos, mass := randomPositions(200, 1)
	tree := spatial.Build(pos, mass, spatial.BoundingRegion(pos, 0.05), spatial.BuildOptions{})
	params := spatial.ForceParams{G: 1, Theta: 0.5, MinDistance: 0.01}

	pool := NewForcePool(4)
	pool.Start()
	pool.Stop()
	pool.Stop() // double stop must not panic

	if pool.IsRunning() {
		t.Fatal("Expected pool to be stopped")
	}

	out := make([]spatial.Vec2, len(pos))
	pool.Accelerations(tree, pos, out, params)
	if out[17] != tree.Acceleration(17, pos[17], params) {
		t.Errorf("Fallback result differs from direct walk")
	}
}

// TestNewForcePoolWorkerCount checks the default and the cap
func TestNewForcePoolWorkerCount(t *testing.T) {
	if n := NewForcePool(0).NumWorkers(); n < 1 || n > 16 {
		t.Errorf("Expected 1..16 default workers, got %d", n)
	}
	if n := NewForcePool(64).NumWorkers(); n != 16 {
		t.Errorf("Expected cap of 16, got %d", n)
	}
}

func BenchmarkForcePool_10000(b *testing.B) {
	pos, mass := randomPositions(10000, 1)
	tree := spatial.Build(pos, mass, spatial.BoundingRegion(pos, 0.05), spatial.BuildOptions{})
	params := spatial.ForceParams{G: 1, Theta: 0.5, MinDistance: 0.01}
	out := make([]spatial.Vec2, len(pos))

	pool := NewForcePool(0)
	pool.Start()
	defer pool.Stop()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pool.Accelerations(tree, pos, out, params)
	}
}
