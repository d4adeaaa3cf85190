// Package config provides centralized configuration management.
// Every tunable of the simulator, the HTTP server and the renderer lives here.
//
// Each section has a Default*() constructor and a *FromEnv() variant that
// applies environment overrides on top of the defaults.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidConfig is wrapped by every validation error.
var ErrInvalidConfig = errors.New("invalid configuration")

// Initial body distributions.
const (
	DistributionDisk = "disk" // uniform inside a disk of SpatialRadius
	DistributionRing = "ring" // thin annulus at SpatialRadius
)

// =============================================================================
// SIMULATION CONFIGURATION
// =============================================================================

// SimConfig holds every parameter of the simulation core.
// It is passed explicitly to the engine; nothing reads process globals.
type SimConfig struct {
	BodyCount     int     `json:"body_count" yaml:"body_count"`
	SpatialRadius float64 `json:"spatial_radius" yaml:"spatial_radius"`
	G             float64 `json:"G" yaml:"G"`
	Theta         float64 `json:"theta" yaml:"theta"`
	Dt            float64 `json:"dt" yaml:"dt"`

	MinDistance float64 `json:"min_distance" yaml:"min_distance"` // force clamp
	MaxDepth    int     `json:"max_depth" yaml:"max_depth"`       // quadtree depth cap
	Padding     float64 `json:"padding" yaml:"padding"`           // bounding region growth fraction

	BodyMass          float64 `json:"body_mass" yaml:"body_mass"`
	CentralMass       float64 `json:"central_mass" yaml:"central_mass"` // 0 disables the central body
	Distribution      string  `json:"distribution" yaml:"distribution"`
	OrbitalVelocities bool    `json:"orbital_velocities" yaml:"orbital_velocities"`
	Seed              int64   `json:"seed" yaml:"seed"`

	TickRate        int  `json:"tick_rate" yaml:"tick_rate"` // steps per second in the host loop
	Workers         int  `json:"workers" yaml:"workers"`     // 0 = NumCPU
	CheckInvariants bool `json:"check_invariants" yaml:"check_invariants"`
}

// DefaultSim returns the default simulation configuration.
func DefaultSim() SimConfig {
	return SimConfig{
		BodyCount:     1000,
		SpatialRadius: 1000,
		G:             1.0,
		Theta:         0.5,
		Dt:            1.0,

		MinDistance: 1.0,
		MaxDepth:    48,
		Padding:     0.05,

		BodyMass:     1.0,
		CentralMass:  0,
		Distribution: DistributionDisk,
		Seed:         1,

		TickRate: 30,
		Workers:  0,
	}
}

// SimFromEnv returns simulation configuration with environment variable overrides.
// Environment variables take precedence over defaults. Malformed values are
// ignored; range checking is left to Validate.
func SimFromEnv() SimConfig {
	cfg := DefaultSim()

	if v, ok := lookupInt("SIM_BODY_COUNT"); ok {
		cfg.BodyCount = v
	}
	if v, ok := lookupFloat("SIM_RADIUS"); ok {
		cfg.SpatialRadius = v
	}
	if v, ok := lookupFloat("SIM_G"); ok {
		cfg.G = v
	}
	if v, ok := lookupFloat("SIM_THETA"); ok {
		cfg.Theta = v
	}
	if v, ok := lookupFloat("SIM_DT"); ok {
		cfg.Dt = v
	}
	if v, ok := lookupFloat("SIM_MIN_DISTANCE"); ok {
		cfg.MinDistance = v
	}
	if v, ok := lookupInt("SIM_MAX_DEPTH"); ok {
		cfg.MaxDepth = v
	}
	if v, ok := lookupFloat("SIM_CENTRAL_MASS"); ok {
		cfg.CentralMass = v
	}
	if v := os.Getenv("SIM_DISTRIBUTION"); v != "" {
		cfg.Distribution = strings.ToLower(v)
	}
	if os.Getenv("SIM_ORBITAL_VELOCITIES") == "true" {
		cfg.OrbitalVelocities = true
	}
	if v, ok := lookupInt("SIM_SEED"); ok {
		cfg.Seed = int64(v)
	}
	if v, ok := lookupInt("SIM_TICK_RATE"); ok {
		cfg.TickRate = v
	}
	if v, ok := lookupInt("SIM_WORKERS"); ok {
		cfg.Workers = v
	}
	if os.Getenv("SIM_CHECK_INVARIANTS") == "true" {
		cfg.CheckInvariants = true
	}

	return cfg
}

// TickInterval returns the host loop period.
func (c SimConfig) TickInterval() time.Duration {
	if c.TickRate <= 0 {
		return time.Second
	}
	return time.Second / time.Duration(c.TickRate)
}

// Validate checks every field and reports all offending ones at once.
func (c SimConfig) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.BodyCount <= 0 {
		add("body_count must be > 0, got %d", c.BodyCount)
	}
	if !(c.SpatialRadius > 0) || math.IsInf(c.SpatialRadius, 0) {
		add("spatial_radius must be > 0, got %g", c.SpatialRadius)
	}
	if !(c.G > 0) || math.IsInf(c.G, 0) {
		add("G must be > 0, got %g", c.G)
	}
	if !(c.Theta > 0 && c.Theta <= 1.5) {
		add("theta must be in (0, 1.5], got %g", c.Theta)
	}
	if !(c.Dt > 0) || math.IsInf(c.Dt, 0) {
		add("dt must be > 0, got %g", c.Dt)
	}
	if !(c.MinDistance > 0) || math.IsInf(c.MinDistance, 0) {
		add("min_distance must be > 0, got %g", c.MinDistance)
	}
	if c.MaxDepth < 1 {
		add("max_depth must be >= 1, got %d", c.MaxDepth)
	}
	if !(c.Padding >= 0) || math.IsInf(c.Padding, 0) {
		add("padding must be >= 0, got %g", c.Padding)
	}
	if !(c.BodyMass > 0) || math.IsInf(c.BodyMass, 0) {
		add("body_mass must be > 0, got %g", c.BodyMass)
	}
	if !(c.CentralMass >= 0) || math.IsInf(c.CentralMass, 0) {
		add("central_mass must be >= 0, got %g", c.CentralMass)
	}
	if c.Distribution != DistributionDisk && c.Distribution != DistributionRing {
		add("distribution must be %q or %q, got %q", DistributionDisk, DistributionRing, c.Distribution)
	}
	if c.TickRate <= 0 {
		add("tick_rate must be > 0, got %d", c.TickRate)
	}
	if c.Workers < 0 {
		add("workers must be >= 0, got %d", c.Workers)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// =============================================================================
// SERVER CONFIGURATION
// =============================================================================

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port          int
	DebugAddr     string        // metrics + pprof, localhost only
	BroadcastRate time.Duration // websocket state broadcast period
	MaxBodiesSent int           // cap on bodies in one /api/state or ws payload
	ControlToken  string        // bearer token for control routes, empty = open
}

// DefaultServer returns the default server configuration.
func DefaultServer() ServerConfig {
	return ServerConfig{
		Port:          3000,
		DebugAddr:     "localhost:6060",
		BroadcastRate: 100 * time.Millisecond,
		MaxBodiesSent: 5000,
	}
}

// ServerFromEnv returns server configuration with environment variable overrides.
func ServerFromEnv() ServerConfig {
	cfg := DefaultServer()

	if p := getEnvInt("PORT", 0); p > 0 {
		cfg.Port = p
	}
	if a := os.Getenv("DEBUG_ADDR"); a != "" {
		cfg.DebugAddr = a
	}
	if n := getEnvInt("MAX_BODIES_SENT", 0); n > 0 {
		cfg.MaxBodiesSent = n
	}
	cfg.ControlToken = os.Getenv("CONTROL_TOKEN")

	return cfg
}

// =============================================================================
// RENDER CONFIGURATION
// =============================================================================

// RenderConfig holds off-screen renderer settings.
type RenderConfig struct {
	Width       int
	Height      int
	WorldRadius float64 // 0 = auto-fit to the bodies every frame
	OutputDir   string
	ShowHUD     bool
}

// DefaultRender returns the default render configuration.
func DefaultRender() RenderConfig {
	return RenderConfig{
		Width:     1280,
		Height:    720,
		OutputDir: "frames",
		ShowHUD:   true,
	}
}

// RenderFromEnv returns render configuration with environment variable overrides.
func RenderFromEnv() RenderConfig {
	cfg := DefaultRender()

	if w := getEnvInt("RENDER_WIDTH", 0); w > 0 {
		cfg.Width = w
	}
	if h := getEnvInt("RENDER_HEIGHT", 0); h > 0 {
		cfg.Height = h
	}
	if r := getEnvFloat("RENDER_WORLD_RADIUS", -1); r >= 0 {
		cfg.WorldRadius = r
	}
	if d := os.Getenv("RENDER_OUTPUT_DIR"); d != "" {
		cfg.OutputDir = d
	}
	if os.Getenv("RENDER_HUD") == "false" {
		cfg.ShowHUD = false
	}

	return cfg
}

// =============================================================================
// COMPLETE APP CONFIGURATION
// =============================================================================

// AppConfig holds the complete application configuration.
type AppConfig struct {
	Sim      SimConfig
	Server   ServerConfig
	Render   RenderConfig
	Scenario string // optional YAML scenario path (SIM_SCENARIO)
	EventLog string // optional JSONL event log path (EVENT_LOG)
	IPC      bool   // publish snapshots over IPC (IPC_ENABLED)
}

// Load returns the complete configuration with environment overrides.
func Load() AppConfig {
	return AppConfig{
		Sim:      SimFromEnv(),
		Server:   ServerFromEnv(),
		Render:   RenderFromEnv(),
		Scenario: os.Getenv("SIM_SCENARIO"),
		EventLog: os.Getenv("EVENT_LOG"),
		IPC:      os.Getenv("IPC_ENABLED") == "true",
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func getEnvInt(key string, defaultVal int) int {
	if v, ok := lookupInt(key); ok {
		return v
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v, ok := lookupFloat(key); ok {
		return v
	}
	return defaultVal
}

func lookupInt(key string) (int, bool) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i, true
		}
	}
	return 0, false
}

func lookupFloat(key string) (float64, bool) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}
