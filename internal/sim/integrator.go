package sim

import "gravtree/internal/sim/spatial"

// Integrate advances b by dt with semi-implicit Euler: velocity first, then
// position from the new velocity. There is no damping, clamping or
// collision handling.
func Integrate(b Body, acc spatial.Vec2, dt float64) Body {
	b.Acc = acc
	b.Vel = b.Vel.Add(acc.Scale(dt))
	b.Pos = b.Pos.Add(b.Vel.Scale(dt))
	return b
}
