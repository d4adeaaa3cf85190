// Package sim drives the Barnes–Hut simulation: the body store, the
// integrator and the frame loop that builds the index, approximates forces
// and integrates every step.
package sim

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"gravtree/internal/config"
	"gravtree/internal/sim/spatial"
)

// Phase is the Frame Driver state.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseBuildingIndex
	PhaseApproximatingForces
	PhaseIntegrating
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseBuildingIndex:
		return "building_index"
	case PhaseApproximatingForces:
		return "approximating_forces"
	case PhaseIntegrating:
		return "integrating"
	default:
		return "unknown"
	}
}

// StepStats describes one committed step.
type StepStats struct {
	Frame      uint64            `json:"frame"`
	Build      time.Duration     `json:"buildNs"`
	Force      time.Duration     `json:"forceNs"`
	Integrate  time.Duration     `json:"integrateNs"`
	Total      time.Duration     `json:"totalNs"`
	Tree       spatial.TreeStats `json:"tree"`
	Region     spatial.Region    `json:"region"`
	AccelFixes int               `json:"accelRecoveries"` // accelerations replaced by zero
	Frozen     int               `json:"frozenBodies"`    // bodies that kept their previous state
}

// Recoveries returns the total number of per-body recoveries in the step.
func (s StepStats) Recoveries() int {
	return s.AccelFixes + s.Frozen
}

// Engine is the Frame Driver. It owns the body store and the spatial index
// and runs one build/force/integrate iteration per Step.
type Engine struct {
	mu sync.RWMutex

	cfg     config.SimConfig
	params  spatial.ForceParams
	store   *Store
	initial []Body // explicit bodies from a scenario; nil means generated

	tree *spatial.Quadtree
	acc  []spatial.Vec2
	pool *ForcePool

	phase  atomic.Int32
	frame  uint64
	paused bool

	running  bool
	ticker   *time.Ticker
	stopChan chan struct{}
	done     chan struct{}

	lastStats       StepStats
	totalRecoveries uint64

	snapshots  *SnapshotPublisher
	eventLog   *EventLog
	logLimiter *rate.Limiter // recovery log lines

	seed int64

	onStep func(StepStats)
}

// NewEngine validates cfg and creates an engine with a generated distribution.
func NewEngine(cfg config.SimConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	bodies := GenerateBodies(cfg, rand.New(rand.NewSource(cfg.Seed)))
	return newEngine(cfg, bodies, nil)
}

// NewEngineWithBodies creates an engine over explicit bodies. The body count
// of cfg is replaced by len(bodies); Reset restores these bodies.
func NewEngineWithBodies(cfg config.SimConfig, bodies []Body) (*Engine, error) {
	cfg.BodyCount = len(bodies)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for i, b := range bodies {
		if !b.IsFinite() || !(b.Mass > 0) {
			return nil, fmt.Errorf("%w: body %d must be finite with mass > 0", config.ErrInvalidConfig, i)
		}
	}
	initial := append([]Body(nil), bodies...)
	return newEngine(cfg, bodies, initial)
}

// NewEngineFromScenario creates an engine from a loaded scenario, using its
// explicit bodies when present.
func NewEngineFromScenario(sc config.Scenario) (*Engine, error) {
	if len(sc.Bodies) == 0 {
		return NewEngine(sc.Sim)
	}
	return NewEngineWithBodies(sc.Sim, BodiesFromScenario(sc.Bodies))
}

func newEngine(cfg config.SimConfig, bodies []Body, initial []Body) (*Engine, error) {
	e := &Engine{
		cfg: cfg,
		params: spatial.ForceParams{
			G:           cfg.G,
			Theta:       cfg.Theta,
			MinDistance: cfg.MinDistance,
		},
		store:      NewStore(bodies),
		initial:    initial,
		tree:       spatial.NewQuadtree(len(bodies), spatial.BuildOptions{MaxDepth: cfg.MaxDepth}),
		acc:        make([]spatial.Vec2, len(bodies)),
		pool:       NewForcePool(cfg.Workers),
		snapshots:  NewSnapshotPublisher(len(bodies)),
		eventLog:   NewEventLog(),
		logLimiter: rate.NewLimiter(1, 1),
		seed:       cfg.Seed,
	}
	if err := e.store.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	e.pool.Start()
	e.produceSnapshot()
	return e, nil
}

// Start begins the host loop, calling Step once per tick until Stop.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopChan = make(chan struct{})
	e.done = make(chan struct{})
	e.ticker = time.NewTicker(e.cfg.TickInterval())
	ticker, stop, done := e.ticker, e.stopChan, e.done
	e.eventLog.EmitSimple(EventTypeStart, e.frame, SourceControl, nil)
	e.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-ticker.C:
				e.tick()
			case <-stop:
				return
			}
		}
	}()

	log.Printf("🪐 Simulation started at %d TPS with %d bodies", e.cfg.TickRate, e.store.Len())
}

// Stop stops the host loop and waits for the in-flight step to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.ticker.Stop()
	close(e.stopChan)
	done := e.done
	e.eventLog.EmitSimple(EventTypeStop, e.frame, SourceControl, nil)
	e.mu.Unlock()

	<-done
	log.Println("🛑 Simulation stopped")
}

// Close stops the loop, the force workers and the event log.
func (e *Engine) Close() {
	e.Stop()
	e.pool.Stop()
	e.eventLog.Stop()
}

func (e *Engine) tick() {
	e.mu.RLock()
	paused := e.paused
	e.mu.RUnlock()
	if paused {
		return
	}

	if _, err := e.Step(context.Background()); err != nil {
		log.Printf("⚠️ Step failed: %v", err)
	}
}

// Step runs one full iteration: build the index, approximate every body's
// acceleration, integrate into the back buffer and commit. It returns
// ctx.Err() without touching the committed state if ctx is done before the
// commit.
func (e *Engine) Step(ctx context.Context) (StepStats, error) {
	e.mu.Lock()
	stats, err := e.step(ctx)
	onStep := e.onStep
	e.mu.Unlock()

	if err == nil && onStep != nil {
		onStep(stats)
	}
	return stats, err
}

func (e *Engine) step(ctx context.Context) (StepStats, error) {
	defer e.setPhase(PhaseIdle)

	if err := ctx.Err(); err != nil {
		return StepStats{}, err
	}

	start := time.Now()
	stats := StepStats{Frame: e.frame + 1}

	e.setPhase(PhaseBuildingIndex)
	pos, mass := e.store.Gather()
	stats.Region = spatial.BoundingRegion(pos, e.cfg.Padding)
	e.tree.Rebuild(pos, mass, stats.Region)
	stats.Tree = e.tree.Stats()
	if e.cfg.CheckInvariants {
		if err := e.tree.CheckInvariants(1e-9); err != nil {
			return stats, err
		}
	}
	stats.Build = time.Since(start)
	if err := ctx.Err(); err != nil {
		return stats, err
	}

	e.setPhase(PhaseApproximatingForces)
	t := time.Now()
	e.pool.Accelerations(e.tree, pos, e.acc, e.params)
	stats.Force = time.Since(t)
	if err := ctx.Err(); err != nil {
		return stats, err
	}

	e.setPhase(PhaseIntegrating)
	t = time.Now()
	front, back := e.store.Bodies(), e.store.Back()
	for i := range front {
		a := e.acc[i]
		if !a.IsFinite() {
			a = spatial.Vec2{}
			stats.AccelFixes++
			e.eventLog.EmitSimple(EventTypeRecovery, stats.Frame, SourceRecovery,
				RecoveryPayload{Body: i, Kind: RecoveryAcceleration})
		}
		next := Integrate(front[i], a, e.cfg.Dt)
		if !next.IsFinite() {
			next = front[i]
			stats.Frozen++
			e.eventLog.EmitSimple(EventTypeRecovery, stats.Frame, SourceRecovery,
				RecoveryPayload{Body: i, Kind: RecoveryState})
		}
		back[i] = next
	}
	stats.Integrate = time.Since(t)
	if err := ctx.Err(); err != nil {
		return stats, err
	}

	e.store.Commit()
	e.frame++
	if err := e.store.Validate(); err != nil {
		return stats, err
	}

	stats.Total = time.Since(start)
	e.lastStats = stats
	if n := stats.Recoveries(); n > 0 {
		e.totalRecoveries += uint64(n)
		if e.logLimiter.Allow() {
			log.Printf("🩹 Frame %d: %d accelerations zeroed, %d bodies frozen", stats.Frame, stats.AccelFixes, stats.Frozen)
		}
	}

	e.eventLog.EmitSimple(EventTypeStep, e.frame, SourceStep, StepPayload{
		Bodies:     stats.Tree.Bodies,
		Nodes:      stats.Tree.Nodes,
		Depth:      stats.Tree.Depth,
		Buckets:    stats.Tree.Buckets,
		Recoveries: stats.Recoveries(),
		DurationNs: stats.Total.Nanoseconds(),
		RegionSize: stats.Region.Size(),
	})
	e.produceSnapshot()
	return stats, nil
}

func (e *Engine) setPhase(p Phase) {
	e.phase.Store(int32(p))
}

// Phase returns the current Frame Driver phase.
func (e *Engine) Phase() Phase {
	return Phase(e.phase.Load())
}

// Pause stops the host loop from stepping. Step still works while paused.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		return
	}
	e.paused = true
	e.eventLog.EmitSimple(EventTypePause, e.frame, SourceControl, nil)
	e.produceSnapshot()
	log.Printf("⏸️ Simulation paused at frame %d", e.frame)
}

// Resume lets the host loop step again.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.paused {
		return
	}
	e.paused = false
	e.eventLog.EmitSimple(EventTypeResume, e.frame, SourceControl, nil)
	e.produceSnapshot()
	log.Printf("▶️ Simulation resumed at frame %d", e.frame)
}

// Reset restores the initial conditions and rewinds the frame counter.
// Generated distributions are regenerated from seed; explicit bodies are
// restored as given.
func (e *Engine) Reset(seed int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var bodies []Body
	if e.initial != nil {
		bodies = e.initial
	} else {
		bodies = GenerateBodies(e.cfg, rand.New(rand.NewSource(seed)))
	}
	e.store = NewStore(bodies)
	e.seed = seed
	e.frame = 0
	e.lastStats = StepStats{}
	e.totalRecoveries = 0

	e.eventLog.EmitSimple(EventTypeReset, 0, SourceControl, ResetPayload{Seed: seed, Bodies: len(bodies)})
	e.produceSnapshot()
	log.Printf("🔄 Simulation reset with seed %d (%d bodies)", seed, len(bodies))
}

// produceSnapshot publishes the committed state. Caller holds e.mu.
func (e *Engine) produceSnapshot() {
	snap := e.snapshots.Next()
	snap.Frame = e.frame
	snap.Seed = e.seed
	snap.Paused = e.paused
	snap.Stats = e.lastStats

	bodies := e.store.Bodies()
	for _, b := range bodies {
		snap.Bodies = append(snap.Bodies, BodySnapshot{
			X: b.Pos.X, Y: b.Pos.Y,
			VX: b.Vel.X, VY: b.Vel.Y,
			Mass: b.Mass,
		})
	}
	snap.Diagnostics = Diagnose(bodies)

	e.snapshots.Publish(snap)
}

// GetSnapshot returns the latest published snapshot. It is never modified
// after publication and is safe to hold across later steps.
func (e *Engine) GetSnapshot() *Snapshot {
	return e.snapshots.Latest()
}

// Bodies returns a copy of the committed body state.
func (e *Engine) Bodies() []Body {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Body(nil), e.store.Bodies()...)
}

// Diagnostics measures the committed state.
func (e *Engine) Diagnostics() Diagnostics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store.Diagnose()
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() config.SimConfig {
	return e.cfg
}

// Frame returns the number of committed steps since the last reset.
func (e *Engine) Frame() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.frame
}

// IsPaused reports whether the host loop is paused.
func (e *Engine) IsPaused() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.paused
}

// IsRunning reports whether the host loop is running.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// LastStats returns the stats of the last committed step.
func (e *Engine) LastStats() StepStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastStats
}

// TotalRecoveries returns the recoveries since the last reset.
func (e *Engine) TotalRecoveries() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.totalRecoveries
}

// Seed returns the seed of the current run.
func (e *Engine) Seed() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.seed
}

// SetOnStep registers a callback invoked after every committed step,
// outside the engine lock.
func (e *Engine) SetOnStep(fn func(StepStats)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onStep = fn
}

// StartEventLog initializes the event logging system
func (e *Engine) StartEventLog(filePath string) error {
	return e.eventLog.Start(filePath)
}

// StopEventLog gracefully stops the event logging system
func (e *Engine) StopEventLog() {
	e.eventLog.Stop()
}

// GetEventLogStats returns event log statistics for monitoring
func (e *Engine) GetEventLogStats() map[string]any {
	return e.eventLog.GetStats()
}

// EventLogCounts returns accepted and dropped event totals.
func (e *Engine) EventLogCounts() (total, dropped uint64) {
	return e.eventLog.GetTotalCount(), e.eventLog.GetDroppedCount()
}
