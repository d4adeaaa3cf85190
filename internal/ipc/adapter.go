package ipc

import (
	"time"

	"gravtree/internal/sim"
)

// FromSnapshot copies a published snapshot into a wire message.
// The copy is safe to queue after the pool slot is reused.
func FromSnapshot(s *sim.Snapshot) *SnapshotMessage {
	msg := &SnapshotMessage{
		Sequence:      s.Sequence,
		Timestamp:     s.Timestamp.UnixNano(),
		Frame:         s.Frame,
		Seed:          s.Seed,
		Paused:        s.Paused,
		StepNanos:     int64(s.Stats.Total),
		TreeNodes:     s.Stats.Tree.Nodes,
		TreeDepth:     s.Stats.Tree.Depth,
		AccelFixes:    s.Stats.AccelFixes,
		Frozen:        s.Stats.Frozen,
		MomentumX:     s.Diagnostics.Momentum.X,
		MomentumY:     s.Diagnostics.Momentum.Y,
		KineticEnergy: s.Diagnostics.KineticEnergy,
		CenterX:       s.Diagnostics.CenterOfMass.X,
		CenterY:       s.Diagnostics.CenterOfMass.Y,
		TotalMass:     s.Diagnostics.TotalMass,
	}

	msg.Bodies = make([]BodyData, len(s.Bodies))
	for i, b := range s.Bodies {
		msg.Bodies[i] = BodyData{X: b.X, Y: b.Y, VX: b.VX, VY: b.VY, Mass: b.Mass}
	}
	return msg
}

// ToSnapshot converts a received message back into a sim.Snapshot so the
// renderer can draw local and remote state the same way.
func (msg *SnapshotMessage) ToSnapshot() *sim.Snapshot {
	snap := &sim.Snapshot{
		Sequence:  msg.Sequence,
		Timestamp: time.Unix(0, msg.Timestamp),
		Frame:     msg.Frame,
		Seed:      msg.Seed,
		Paused:    msg.Paused,
	}
	snap.Stats.Frame = msg.Frame
	snap.Stats.Total = time.Duration(msg.StepNanos)
	snap.Stats.Tree.Bodies = len(msg.Bodies)
	snap.Stats.Tree.Nodes = msg.TreeNodes
	snap.Stats.Tree.Depth = msg.TreeDepth
	snap.Stats.AccelFixes = msg.AccelFixes
	snap.Stats.Frozen = msg.Frozen

	snap.Diagnostics.Momentum.X = msg.MomentumX
	snap.Diagnostics.Momentum.Y = msg.MomentumY
	snap.Diagnostics.KineticEnergy = msg.KineticEnergy
	snap.Diagnostics.CenterOfMass.X = msg.CenterX
	snap.Diagnostics.CenterOfMass.Y = msg.CenterY
	snap.Diagnostics.TotalMass = msg.TotalMass

	snap.Bodies = make([]sim.BodySnapshot, len(msg.Bodies))
	for i, b := range msg.Bodies {
		snap.Bodies[i] = sim.BodySnapshot{X: b.X, Y: b.Y, VX: b.VX, VY: b.VY, Mass: b.Mass}
	}
	return snap
}
