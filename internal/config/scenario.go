package config

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// BodySpec is one explicitly placed body in a scenario file.
type BodySpec struct {
	Mass float64    `yaml:"mass"`
	Pos  [2]float64 `yaml:"pos"`
	Vel  [2]float64 `yaml:"vel"`
}

// Scenario is a YAML description of a run. Sim overrides the base
// configuration field by field; when Bodies is non-empty it replaces the
// generated distribution and fixes the body count.
//
//	name: binary
//	sim:
//	  G: 1
//	  dt: 0.5
//	bodies:
//	  - {mass: 1, pos: [0, 0]}
//	  - {mass: 1, pos: [10, 0]}
type Scenario struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Sim         SimConfig  `yaml:"sim"`
	Bodies      []BodySpec `yaml:"bodies"`
}

// LoadScenario reads and validates a scenario file on top of base.
func LoadScenario(path string, base SimConfig) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("read scenario: %w", err)
	}
	sc, err := ParseScenario(data, base)
	if err != nil {
		return Scenario{}, fmt.Errorf("scenario %s: %w", path, err)
	}
	return sc, nil
}

// ParseScenario decodes a scenario document on top of base and validates it.
func ParseScenario(data []byte, base SimConfig) (Scenario, error) {
	sc := Scenario{Sim: base}
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return Scenario{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if len(sc.Bodies) > 0 {
		sc.Sim.BodyCount = len(sc.Bodies)
	}
	for i, b := range sc.Bodies {
		if !(b.Mass > 0) || math.IsInf(b.Mass, 0) {
			return Scenario{}, fmt.Errorf("%w: body %d mass must be > 0, got %g", ErrInvalidConfig, i, b.Mass)
		}
		for _, v := range [...]float64{b.Pos[0], b.Pos[1], b.Vel[0], b.Vel[1]} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return Scenario{}, fmt.Errorf("%w: body %d has a non-finite coordinate", ErrInvalidConfig, i)
			}
		}
	}

	if err := sc.Sim.Validate(); err != nil {
		return Scenario{}, err
	}
	return sc, nil
}
