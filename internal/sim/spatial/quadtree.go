package spatial

import (
	"errors"
	"fmt"
	"math"
)

// DefaultMaxDepth bounds subdivision. Bodies that are still sharing a node at
// this depth are coalesced into one leaf bucket.
const DefaultMaxDepth = 48

// ErrInvariant is returned by CheckInvariants when the tree aggregates are inconsistent.
var ErrInvariant = errors.New("quadtree invariant violated")

// NodeKind tags the variant stored in a Node.
type NodeKind uint8

const (
	// Empty represents a region containing no bodies.
	Empty NodeKind = iota
	// Leaf holds one body, or a bucket of coincident bodies.
	Leaf
	// Internal aggregates exactly four children.
	Internal
)

func (k NodeKind) String() string {
	switch k {
	case Empty:
		return "empty"
	case Leaf:
		return "leaf"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// NodeID indexes a node in the tree arena.
type NodeID int32

// NoNode is the sentinel for a missing node (the root of an unbuilt tree).
const NoNode NodeID = -1

// Node is one element of the arena.
//
// Fields by kind:
//   - Empty: Region only.
//   - Leaf: Region, Mass, COM and the span [First, First+Count) of body slots.
//   - Internal: Region, Mass, COM and Children in nw, ne, sw, se order.
type Node struct {
	Kind     NodeKind
	Region   Region
	Mass     float64
	COM      Vec2
	Children [4]NodeID
	First    int32
	Count    int32
}

// BuildOptions tunes construction.
type BuildOptions struct {
	MaxDepth int // 0 means DefaultMaxDepth
}

// TreeStats describes the shape of the last build.
type TreeStats struct {
	Bodies   int `json:"bodies"`
	Nodes    int `json:"nodes"`
	Internal int `json:"internal"`
	Leaves   int `json:"leaves"`
	Empty    int `json:"empty"`
	Buckets  int `json:"buckets"` // leaves holding more than one body
	Depth    int `json:"depth"`
}

// Quadtree is an arena-backed Barnes–Hut quadtree.
//
// The tree copies positions and masses into its own slots during a build and
// refers to bodies only by their index in the caller's slice. It is
// read-only between builds, so concurrent force walks are safe.
type Quadtree struct {
	nodes []Node
	root  NodeID
	opts  BuildOptions
	stats TreeStats

	// Body slots, permuted during partitioning. Leaf spans index into these.
	order []int32
	pos   []Vec2
	mass  []float64

	// Partition scratch, reused across builds.
	quad     []uint8
	tmpOrder []int32
	tmpPos   []Vec2
	tmpMass  []float64
}

// NewQuadtree returns an empty tree sized for capacity bodies.
func NewQuadtree(capacity int, opts BuildOptions) *Quadtree {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	return &Quadtree{
		root:     NoNode,
		opts:     opts,
		nodes:    make([]Node, 0, capacity*2+1),
		order:    make([]int32, 0, capacity),
		pos:      make([]Vec2, 0, capacity),
		mass:     make([]float64, 0, capacity),
		quad:     make([]uint8, 0, capacity),
		tmpOrder: make([]int32, 0, capacity),
		tmpPos:   make([]Vec2, 0, capacity),
		tmpMass:  make([]float64, 0, capacity),
	}
}

// Build constructs a new tree over the bodies. positions and masses must have
// equal length; neither is modified.
func Build(positions []Vec2, masses []float64, region Region, opts BuildOptions) *Quadtree {
	t := NewQuadtree(len(positions), opts)
	t.Rebuild(positions, masses, region)
	return t
}

// Rebuild discards the previous tree and builds a new one, reusing the arena.
func (t *Quadtree) Rebuild(positions []Vec2, masses []float64, region Region) {
	if len(positions) != len(masses) {
		panic(fmt.Sprintf("spatial: %d positions but %d masses", len(positions), len(masses)))
	}
	n := len(positions)

	t.nodes = t.nodes[:0]
	t.stats = TreeStats{Bodies: n}
	t.order = resize(t.order, n)
	t.pos = resize(t.pos, n)
	t.mass = resize(t.mass, n)
	t.quad = resize(t.quad, n)
	t.tmpOrder = resize(t.tmpOrder, n)
	t.tmpPos = resize(t.tmpPos, n)
	t.tmpMass = resize(t.tmpMass, n)

	for i := 0; i < n; i++ {
		t.order[i] = int32(i)
	}
	copy(t.pos, positions)
	copy(t.mass, masses)

	t.root = t.build(0, int32(n), region, 0)
	t.stats.Nodes = len(t.nodes)
}

func resize[T any](s []T, n int) []T {
	if cap(s) < n {
		return make([]T, n)
	}
	return s[:n]
}

// build creates the subtree for slots [lo, hi) inside region.
func (t *Quadtree) build(lo, hi int32, region Region, depth int) NodeID {
	id := NodeID(len(t.nodes))
	t.nodes = append(t.nodes, Node{
		Region:   region,
		Children: [4]NodeID{NoNode, NoNode, NoNode, NoNode},
	})
	if depth > t.stats.Depth {
		t.stats.Depth = depth
	}

	count := hi - lo
	if count == 0 {
		t.stats.Empty++
		return id
	}
	if count == 1 || depth >= t.opts.MaxDepth || t.coincident(lo, hi) {
		t.makeLeaf(id, lo, hi)
		return id
	}

	starts := t.partition(lo, hi, region)

	var children [4]NodeID
	for q := NW; q <= SE; q++ {
		children[q] = t.build(starts[q], starts[q+1], region.Child(q), depth+1)
	}

	// Aggregate after recursion: t.nodes may have been reallocated.
	var mass float64
	var weighted Vec2
	for _, c := range children {
		child := &t.nodes[c]
		if child.Kind == Empty {
			continue
		}
		mass += child.Mass
		weighted = weighted.Add(child.COM.Scale(child.Mass))
	}

	n := &t.nodes[id]
	n.Kind = Internal
	n.Children = children
	n.Mass = mass
	if mass > 0 {
		n.COM = weighted.Scale(1 / mass)
	} else {
		n.COM = t.meanPosition(lo, hi)
	}
	t.stats.Internal++
	return id
}

// partition reorders slots [lo, hi) stably by quadrant and returns the
// boundaries: quadrant q owns [starts[q], starts[q+1]).
func (t *Quadtree) partition(lo, hi int32, region Region) [5]int32 {
	var counts [4]int32
	for i := lo; i < hi; i++ {
		q := region.Quadrant(t.pos[i])
		t.quad[i] = uint8(q)
		counts[q]++
	}

	var starts [5]int32
	starts[0] = lo
	for q := 0; q < 4; q++ {
		starts[q+1] = starts[q] + counts[q]
	}

	next := [4]int32{starts[0], starts[1], starts[2], starts[3]}
	for i := lo; i < hi; i++ {
		q := t.quad[i]
		dst := next[q]
		next[q]++
		t.tmpOrder[dst] = t.order[i]
		t.tmpPos[dst] = t.pos[i]
		t.tmpMass[dst] = t.mass[i]
	}
	copy(t.order[lo:hi], t.tmpOrder[lo:hi])
	copy(t.pos[lo:hi], t.tmpPos[lo:hi])
	copy(t.mass[lo:hi], t.tmpMass[lo:hi])
	return starts
}

func (t *Quadtree) coincident(lo, hi int32) bool {
	p := t.pos[lo]
	for i := lo + 1; i < hi; i++ {
		if t.pos[i] != p {
			return false
		}
	}
	return true
}

func (t *Quadtree) makeLeaf(id NodeID, lo, hi int32) {
	var mass float64
	var weighted Vec2
	for i := lo; i < hi; i++ {
		mass += t.mass[i]
		weighted = weighted.Add(t.pos[i].Scale(t.mass[i]))
	}

	n := &t.nodes[id]
	n.Kind = Leaf
	n.First = lo
	n.Count = hi - lo
	n.Mass = mass
	if mass > 0 {
		n.COM = weighted.Scale(1 / mass)
	} else {
		n.COM = t.meanPosition(lo, hi)
	}

	t.stats.Leaves++
	if n.Count > 1 {
		t.stats.Buckets++
	}
}

func (t *Quadtree) meanPosition(lo, hi int32) Vec2 {
	var sum Vec2
	for i := lo; i < hi; i++ {
		sum = sum.Add(t.pos[i])
	}
	return sum.Scale(1 / float64(hi-lo))
}

// Root returns the root node, or NoNode before the first build.
func (t *Quadtree) Root() NodeID {
	return t.root
}

// Node returns a copy of the node with the given id.
func (t *Quadtree) Node(id NodeID) Node {
	return t.nodes[id]
}

// LeafBodies returns the body indices held by a leaf. The slice aliases the
// tree and is only valid until the next Rebuild.
func (t *Quadtree) LeafBodies(id NodeID) []int32 {
	n := &t.nodes[id]
	if n.Kind != Leaf {
		return nil
	}
	return t.order[n.First : n.First+n.Count]
}

// Stats returns statistics about the last build.
func (t *Quadtree) Stats() TreeStats {
	return t.stats
}

// TotalMass returns the aggregate mass at the root.
func (t *Quadtree) TotalMass() float64 {
	if t.root == NoNode {
		return 0
	}
	return t.nodes[t.root].Mass
}

// CheckInvariants verifies that every body sits in exactly one leaf and that
// every internal node's mass and center of mass match its children within
// the relative tolerance tol.
func (t *Quadtree) CheckInvariants(tol float64) error {
	if t.root == NoNode {
		return nil
	}
	seen := make([]bool, t.stats.Bodies)
	if err := t.checkNode(t.root, tol, seen); err != nil {
		return err
	}
	for i, ok := range seen {
		if !ok {
			return fmt.Errorf("%w: body %d is not in any leaf", ErrInvariant, i)
		}
	}
	return nil
}

func (t *Quadtree) checkNode(id NodeID, tol float64, seen []bool) error {
	n := &t.nodes[id]
	switch n.Kind {
	case Empty:
		if n.Mass != 0 {
			return fmt.Errorf("%w: empty node %d has mass %g", ErrInvariant, id, n.Mass)
		}
	case Leaf:
		for _, b := range t.order[n.First : n.First+n.Count] {
			if seen[b] {
				return fmt.Errorf("%w: body %d appears in more than one leaf", ErrInvariant, b)
			}
			seen[b] = true
		}
	case Internal:
		var mass float64
		var weighted Vec2
		for _, c := range n.Children {
			if c == NoNode {
				return fmt.Errorf("%w: internal node %d is missing a child", ErrInvariant, id)
			}
			if err := t.checkNode(c, tol, seen); err != nil {
				return err
			}
			child := &t.nodes[c]
			if child.Kind == Empty {
				continue
			}
			mass += child.Mass
			weighted = weighted.Add(child.COM.Scale(child.Mass))
		}
		if !within(n.Mass, mass, tol) {
			return fmt.Errorf("%w: node %d mass %g, children sum %g", ErrInvariant, id, n.Mass, mass)
		}
		if mass > 0 {
			com := weighted.Scale(1 / mass)
			scale := math.Max(n.Region.Half, 1)
			if math.Abs(com.X-n.COM.X) > tol*scale || math.Abs(com.Y-n.COM.Y) > tol*scale {
				return fmt.Errorf("%w: node %d center of mass %v, children give %v", ErrInvariant, id, n.COM, com)
			}
		}
	}
	return nil
}

func within(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}
