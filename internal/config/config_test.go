package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestDefaultSimIsValid ensures the shipped defaults pass validation
func TestDefaultSimIsValid(t *testing.T) {
	if err := DefaultSim().Validate(); err != nil {
		t.Fatalf("Default config rejected: %v", err)
	}
}

// TestValidateRejectsEachField verifies every range check fires on its own
func TestValidateRejectsEachField(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SimConfig)
		field  string
	}{
		{"zero bodies", func(c *SimConfig) { c.BodyCount = 0 }, "body_count"},
		{"negative bodies", func(c *SimConfig) { c.BodyCount = -3 }, "body_count"},
		{"zero radius", func(c *SimConfig) { c.SpatialRadius = 0 }, "spatial_radius"},
		{"nan radius", func(c *SimConfig) { c.SpatialRadius = math.NaN() }, "spatial_radius"},
		{"negative G", func(c *SimConfig) { c.G = -1 }, "G must"},
		{"zero theta", func(c *SimConfig) { c.Theta = 0 }, "theta"},
		{"theta too large", func(c *SimConfig) { c.Theta = 1.6 }, "theta"},
		{"zero dt", func(c *SimConfig) { c.Dt = 0 }, "dt"},
		{"infinite dt", func(c *SimConfig) { c.Dt = math.Inf(1) }, "dt"},
		{"zero min distance", func(c *SimConfig) { c.MinDistance = 0 }, "min_distance"},
		{"infinite min distance", func(c *SimConfig) { c.MinDistance = math.Inf(1) }, "min_distance"},
		{"nan min distance", func(c *SimConfig) { c.MinDistance = math.NaN() }, "min_distance"},
		{"zero depth", func(c *SimConfig) { c.MaxDepth = 0 }, "max_depth"},
		{"negative padding", func(c *SimConfig) { c.Padding = -0.1 }, "padding"},
		{"infinite padding", func(c *SimConfig) { c.Padding = math.Inf(1) }, "padding"},
		{"zero body mass", func(c *SimConfig) { c.BodyMass = 0 }, "body_mass"},
		{"infinite body mass", func(c *SimConfig) { c.BodyMass = math.Inf(1) }, "body_mass"},
		{"negative central mass", func(c *SimConfig) { c.CentralMass = -5 }, "central_mass"},
		{"infinite central mass", func(c *SimConfig) { c.CentralMass = math.Inf(1) }, "central_mass"},
		{"unknown distribution", func(c *SimConfig) { c.Distribution = "spiral" }, "distribution"},
		{"zero tick rate", func(c *SimConfig) { c.TickRate = 0 }, "tick_rate"},
		{"negative workers", func(c *SimConfig) { c.Workers = -1 }, "workers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultSim()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Expected ErrInvalidConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("Expected error to mention %q, got %v", tt.field, err)
			}
		})
	}
}

// TestValidateBoundaryTheta checks theta=1.5 is accepted
func TestValidateBoundaryTheta(t *testing.T) {
	cfg := DefaultSim()
	cfg.Theta = 1.5
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected theta=1.5 to be valid, got %v", err)
	}
}

// TestValidateReportsAllFields checks multiple problems are joined
func TestValidateReportsAllFields(t *testing.T) {
	cfg := DefaultSim()
	cfg.BodyCount = 0
	cfg.Dt = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected an error")
	}
	for _, want := range []string{"body_count", "dt"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected %q in %v", want, err)
		}
	}
}

// TestSimFromEnv checks overrides and that malformed values are ignored
func TestSimFromEnv(t *testing.T) {
	t.Setenv("SIM_BODY_COUNT", "250")
	t.Setenv("SIM_THETA", "0.8")
	t.Setenv("SIM_DT", "not-a-number")
	t.Setenv("SIM_DISTRIBUTION", "RING")
	t.Setenv("SIM_ORBITAL_VELOCITIES", "true")
	t.Setenv("SIM_SEED", "99")

	cfg := SimFromEnv()

	if cfg.BodyCount != 250 {
		t.Errorf("Expected 250 bodies, got %d", cfg.BodyCount)
	}
	if cfg.Theta != 0.8 {
		t.Errorf("Expected theta 0.8, got %g", cfg.Theta)
	}
	if cfg.Dt != DefaultSim().Dt {
		t.Errorf("Expected malformed dt to keep default, got %g", cfg.Dt)
	}
	if cfg.Distribution != DistributionRing {
		t.Errorf("Expected ring distribution, got %q", cfg.Distribution)
	}
	if !cfg.OrbitalVelocities || cfg.Seed != 99 {
		t.Errorf("Expected orbital velocities and seed 99, got %v %d", cfg.OrbitalVelocities, cfg.Seed)
	}
}

// TestTickInterval checks the host loop period
func TestTickInterval(t *testing.T) {
	cfg := DefaultSim()
	cfg.TickRate = 20
	if got := cfg.TickInterval(); got != 50*time.Millisecond {
		t.Errorf("Expected 50ms, got %v", got)
	}
}

// TestParseScenario checks bodies fix the count and sim fields override the base
func TestParseScenario(t *testing.T) {
	doc := []byte(`
name: binary
sim:
  G: 2
  dt: 0.5
bodies:
  - {mass: 1, pos: [0, 0]}
  - {mass: 3, pos: [10, 0], vel: [0, 1]}
`)
	sc, err := ParseScenario(doc, DefaultSim())
	if err != nil {
		t.Fatalf("ParseScenario: %v", err)
	}

	if sc.Name != "binary" {
		t.Errorf("Expected name binary, got %q", sc.Name)
	}
	if sc.Sim.BodyCount != 2 {
		t.Errorf("Expected body count 2, got %d", sc.Sim.BodyCount)
	}
	if sc.Sim.G != 2 || sc.Sim.Dt != 0.5 {
		t.Errorf("Expected G=2 dt=0.5, got G=%g dt=%g", sc.Sim.G, sc.Sim.Dt)
	}
	if sc.Sim.Theta != DefaultSim().Theta {
		t.Errorf("Expected theta to keep the base value, got %g", sc.Sim.Theta)
	}
	if sc.Bodies[1].Vel != [2]float64{0, 1} {
		t.Errorf("Expected velocity (0,1), got %v", sc.Bodies[1].Vel)
	}
}

// TestParseScenarioRejects checks invalid documents wrap ErrInvalidConfig
func TestParseScenarioRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"zero mass", "bodies:\n  - {mass: 0, pos: [0, 0]}\n"},
		{"bad theta", "sim:\n  theta: 3\n"},
		{"malformed yaml", "bodies: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.doc), DefaultSim())
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

// TestLoadScenarioFile checks reading from disk
func TestLoadScenarioFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "solo.yaml")
	if err := os.WriteFile(path, []byte("bodies:\n  - {mass: 5, pos: [1, 2]}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	sc, err := LoadScenario(path, DefaultSim())
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	if len(sc.Bodies) != 1 || sc.Bodies[0].Pos != [2]float64{1, 2} {
		t.Errorf("Unexpected bodies %+v", sc.Bodies)
	}

	if _, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"), DefaultSim()); err == nil {
		t.Error("Expected an error for a missing file")
	}
}
