package render

import (
	"sync/atomic"

	"gravtree/internal/ipc"
	"gravtree/internal/sim"
)

// SnapshotSource supplies the latest committed state to draw.
// Lets the renderer work with either a local engine or IPC.
type SnapshotSource interface {
	GetSnapshot() *sim.Snapshot
}

// LocalEngineSource wraps an in-process engine.
type LocalEngineSource struct {
	engine *sim.Engine
}

// NewLocalEngineSource creates a SnapshotSource from a local engine
func NewLocalEngineSource(engine *sim.Engine) *LocalEngineSource {
	return &LocalEngineSource{engine: engine}
}

// GetSnapshot returns the engine's latest published snapshot
func (s *LocalEngineSource) GetSnapshot() *sim.Snapshot {
	return s.engine.GetSnapshot()
}

// IPCSnapshotSource converts snapshots as they arrive from a subscriber.
type IPCSnapshotSource struct {
	last atomic.Pointer[sim.Snapshot]
}

// NewIPCSnapshotSource registers itself as the subscriber's snapshot callback.
// Call before subscriber.Start.
func NewIPCSnapshotSource(subscriber *ipc.Subscriber) *IPCSnapshotSource {
	source := &IPCSnapshotSource{}
	subscriber.OnSnapshot(func(msg *ipc.SnapshotMessage) {
		source.last.Store(msg.ToSnapshot())
	})
	return source
}

// GetSnapshot returns the latest received snapshot, or nil before the first one
func (s *IPCSnapshotSource) GetSnapshot() *sim.Snapshot {
	return s.last.Load()
}
