package behaviortree

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/outpost-games/worldserver/internal/ai/blackboard"
)

// frame tracks one open composite/decorator while building: its node index
// and how many children it still requires before End() is valid.
type frame struct {
	index       int
	minChildren int
}

// Builder assembles a Tree declaratively. Composite and decorator calls
// push a frame onto an internal stack; End() pops it. Validation errors
// (wrong child count, End() with nothing open, Build() with frames still
// open) are collected rather than raised immediately, so a caller can
// report every mistake in a malformed tree definition at once.
type Builder struct {
	nodes  []node
	stack  []frame
	errors *multierror.Error
}

// NewBuilder starts a fresh build.
func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) push(n node, minChildren int) *Builder {
	idx := len(b.nodes)
	b.nodes = append(b.nodes, n)
	if len(b.stack) > 0 {
		top := &b.stack[len(b.stack)-1]
		b.nodes[top.index].children = append(b.nodes[top.index].children, idx)
	}
	b.stack = append(b.stack, frame{index: idx, minChildren: minChildren})
	return b
}

// Sequence opens a sequence composite: succeeds once every child has, in
// order, failing and resetting its cursor as soon as one child fails.
func (b *Builder) Sequence(name string) *Builder {
	return b.push(node{kind: KindSequence, name: name}, 1)
}

// Selector opens a selector composite: succeeds as soon as one child
// does, in order, failing only once every child has failed.
func (b *Builder) Selector(name string) *Builder {
	return b.push(node{kind: KindSelector, name: name}, 1)
}

// Parallel opens a parallel composite ticking every unresolved child each
// pass, resolved by successPolicy/failurePolicy once children settle.
func (b *Builder) Parallel(successPolicy, failurePolicy ParallelPolicy, name string) *Builder {
	return b.push(node{kind: KindParallel, name: name, successPolicy: successPolicy, failurePolicy: failurePolicy}, 1)
}

// Repeat opens a repeater decorator. count < 0 repeats forever (always
// reporting running); count >= 0 repeats that many successes before
// reporting success, failing immediately if any iteration fails.
func (b *Builder) Repeat(count int, name string) *Builder {
	return b.push(node{kind: KindRepeater, name: name, repeatCount: count}, 1)
}

// Invert opens an inverter decorator: flips its single child's
// success/failure, passing running through unchanged.
func (b *Builder) Invert(name string) *Builder {
	return b.push(node{kind: KindInverter, name: name}, 1)
}

// Condition opens a condition decorator: evaluates cond before every tick
// of its single child, failing without ticking the child when false.
func (b *Builder) Condition(cond ConditionFunc, name string) *Builder {
	return b.push(node{kind: KindCondition, name: name, condition: cond}, 1)
}

// Action appends a leaf action node as a child of the currently open
// composite or decorator. Does not open a frame; no matching End().
func (b *Builder) Action(action ActionFunc, name string) *Builder {
	idx := len(b.nodes)
	b.nodes = append(b.nodes, node{kind: KindAction, name: name, action: action})
	if len(b.stack) == 0 {
		b.errors = multierror.Append(b.errors, fmt.Errorf("action %q has no open parent composite", name))
		return b
	}
	top := &b.stack[len(b.stack)-1]
	b.nodes[top.index].children = append(b.nodes[top.index].children, idx)
	return b
}

// End closes the most recently opened composite/decorator, validating it
// received at least its minimum required children.
func (b *Builder) End() *Builder {
	if len(b.stack) == 0 {
		b.errors = multierror.Append(b.errors, fmt.Errorf("End() called with no open node"))
		return b
	}
	top := b.stack[len(b.stack)-1]
	b.stack = b.stack[:len(b.stack)-1]

	n := &b.nodes[top.index]
	if len(n.children) < top.minChildren {
		b.errors = multierror.Append(b.errors, fmt.Errorf("node %q (%v) requires at least %d child(ren), got %d", n.name, n.kind, top.minChildren, len(n.children)))
	}
	switch n.kind {
	case KindInverter, KindCondition, KindRepeater:
		if len(n.children) > 1 {
			b.errors = multierror.Append(b.errors, fmt.Errorf("decorator %q accepts exactly one child, got %d", n.name, len(n.children)))
		}
	}
	return b
}

// Build finalizes the tree. Returns an error collecting every open frame
// and every validation failure recorded along the way; a non-nil error
// means the returned Tree is unusable and should be discarded.
func (b *Builder) Build() (*Tree, error) {
	for _, f := range b.stack {
		b.errors = multierror.Append(b.errors, fmt.Errorf("node %q left open, missing End()", b.nodes[f.index].name))
	}
	if len(b.nodes) == 0 {
		b.errors = multierror.Append(b.errors, fmt.Errorf("tree has no nodes"))
	}
	if b.errors != nil {
		return nil, b.errors.ErrorOrNil()
	}

	nodes := make([]node, len(b.nodes))
	copy(nodes, b.nodes)
	for i := range nodes {
		nodes[i].childStatus = make([]Status, len(nodes[i].children))
	}
	return &Tree{nodes: nodes, root: 0, Blackboard: blackboard.New()}, nil
}
