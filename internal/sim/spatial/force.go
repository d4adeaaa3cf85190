package spatial

import "math"

// ForceParams controls the force walk.
type ForceParams struct {
	G     float64 // gravitational constant
	Theta float64 // opening threshold for the s/d criterion
	// MinDistance clamps the separation used for the force magnitude so that
	// near-coincident bodies produce a finite acceleration.
	MinDistance float64
}

// Newton returns the acceleration at from caused by a point of the given mass
// at to: G*m/d² directed from from toward to.
//
// d² is clamped to MinDistance². An exactly zero separation has no direction
// and contributes nothing.
func Newton(from, to Vec2, mass float64, p ForceParams) Vec2 {
	delta := to.Sub(from)
	d2 := delta.LenSq()
	if d2 == 0 {
		return Vec2{}
	}
	d := math.Sqrt(d2)
	if min2 := p.MinDistance * p.MinDistance; d2 < min2 {
		d2 = min2
	}
	mag := p.G * mass / d2
	return delta.Scale(mag / d)
}

// Acceleration approximates the acceleration on body subject, located at at,
// by walking the whole tree from the root.
func (t *Quadtree) Acceleration(subject int, at Vec2, p ForceParams) Vec2 {
	if t.root == NoNode {
		return Vec2{}
	}
	return t.ApproximateForce(subject, at, t.root, t.nodes[t.root].Region.Size(), p)
}

// ApproximateForce returns the acceleration contribution of the subtree rooted
// at node, whose side length is size.
//
// An internal node is replaced by its aggregate when size/d < Theta, where d is
// the distance to its center of mass, unless the subject lies inside the
// node's region; then the node is always opened so the subject never attracts
// itself through an aggregate. Children are summed in nw, ne, sw, se order.
func (t *Quadtree) ApproximateForce(subject int, at Vec2, node NodeID, size float64, p ForceParams) Vec2 {
	n := &t.nodes[node]
	switch n.Kind {
	case Leaf:
		var acc Vec2
		for i := n.First; i < n.First+n.Count; i++ {
			if int(t.order[i]) == subject {
				continue
			}
			acc = acc.Add(Newton(at, t.pos[i], t.mass[i], p))
		}
		return acc

	case Internal:
		d := n.COM.Sub(at).Len()
		if d > 0 && size/d < p.Theta && !n.Region.Contains(at) {
			return Newton(at, n.COM, n.Mass, p)
		}
		half := size / 2
		var acc Vec2
		for _, c := range n.Children {
			acc = acc.Add(t.ApproximateForce(subject, at, c, half, p))
		}
		return acc
	}
	return Vec2{}
}
