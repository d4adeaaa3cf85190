package sim

import (
	"sync/atomic"
	"time"
)

// BodySnapshot is an immutable copy of one body for rendering.
type BodySnapshot struct {
	X, Y   float64
	VX, VY float64
	Mass   float64
}

// Snapshot is a complete immutable simulation state for readers.
type Snapshot struct {
	Sequence  uint64    // Monotonic sequence for ordering
	Timestamp time.Time // When snapshot was created
	Frame     uint64    // Committed step this represents
	Seed      int64     // Seed of the current run

	Bodies []BodySnapshot

	Stats       StepStats
	Diagnostics Diagnostics
	Paused      bool
}

// Clone returns a deep copy the caller may modify.
func (s *Snapshot) Clone() Snapshot {
	c := *s
	c.Bodies = append([]BodySnapshot(nil), s.Bodies...)
	return c
}

// SnapshotPublisher hands the latest committed state to lock-free readers.
// Every publish builds a new Snapshot, so a pointer returned by Latest is
// never written again and readers may hold it for as long as they need.
type SnapshotPublisher struct {
	latest   atomic.Pointer[Snapshot]
	sequence uint64 // producer only, under the engine lock
	capacity int
}

// NewSnapshotPublisher creates a publisher for bodyCount bodies.
func NewSnapshotPublisher(bodyCount int) *SnapshotPublisher {
	return &SnapshotPublisher{capacity: bodyCount}
}

// Next returns an unpublished snapshot with its sequence and timestamp set
// (producer only).
func (p *SnapshotPublisher) Next() *Snapshot {
	p.sequence++
	return &Snapshot{
		Sequence:  p.sequence,
		Timestamp: time.Now(),
		Bodies:    make([]BodySnapshot, 0, p.capacity),
	}
}

// Publish makes snap the latest snapshot. snap must not be modified afterwards.
func (p *SnapshotPublisher) Publish(snap *Snapshot) {
	p.latest.Store(snap)
}

// Latest returns the most recently published snapshot, or nil before the first.
func (p *SnapshotPublisher) Latest() *Snapshot {
	return p.latest.Load()
}
