// Package behaviortree implements the per-entity behavior-tree decision
// engine: tagged-variant nodes (sequence, selector, parallel, inverter,
// repeater, condition, action) ticked once per AI update against a
// blackboard. Each Tree owns its nodes in a single arena slice; children
// are referenced by index rather than shared pointers, so a tree instance
// can be cloned by copying the slice without any pointer surgery.
package behaviortree

import "github.com/outpost-games/worldserver/internal/ai/blackboard"

// Status is the result of ticking a node once.
type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusSuccess
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	default:
		return "idle"
	}
}

// Kind discriminates the tagged-variant node payload.
type Kind int

const (
	KindSequence Kind = iota
	KindSelector
	KindParallel
	KindInverter
	KindRepeater
	KindCondition
	KindAction
)

// ParallelPolicy controls when a parallel node reports success or failure
// relative to its children's individual outcomes.
type ParallelPolicy int

const (
	// RequireOne reports success (or failure) as soon as one child does.
	// This is the success-first precedence: once any child has succeeded,
	// the parallel node succeeds even if other children are still running
	// or have since failed.
	RequireOne ParallelPolicy = iota
	// RequireAll reports success (or failure) only once every child has.
	RequireAll
)

// ActionFunc is a leaf behavior. actor is opaque to the tree; concrete
// behaviors type-assert it to whatever NPC-facing handle the caller wired
// in when building the tree.
type ActionFunc func(actor any, bb *blackboard.Blackboard) Status

// ConditionFunc gates a decorated subtree.
type ConditionFunc func(actor any, bb *blackboard.Blackboard) bool

// node is one arena slot. Children are indices into the owning Tree's
// nodes slice, never pointers, so trees are self-contained and copyable.
type node struct {
	kind Kind
	name string

	children []int

	action        ActionFunc
	condition     ConditionFunc
	repeatCount   int // -1 means infinite
	successPolicy ParallelPolicy
	failurePolicy ParallelPolicy

	// Mutable run state, reset by Tree.Reset.
	currentChild int
	childStatus  []Status
	repeatsDone  int
}

func (n *node) resetState() {
	n.currentChild = 0
	n.repeatsDone = 0
	for i := range n.childStatus {
		n.childStatus[i] = StatusIdle
	}
}

// Tree is one arena-owned instance of a behavior tree plus the blackboard
// scoped to it. Build it once via Builder, then Clone per-entity instance
// so independent NPCs never share composite run state.
type Tree struct {
	nodes      []node
	root       int
	Blackboard *blackboard.Blackboard
}

// Tick executes the tree from its root against actor, returning the
// root's resulting status.
func (t *Tree) Tick(actor any) Status {
	if len(t.nodes) == 0 {
		return StatusFailure
	}
	return t.execute(t.root, actor)
}

// Reset returns every node to idle and clears per-node run state. Safe to
// call on a tree that was never ticked (idempotent).
func (t *Tree) Reset() {
	for i := range t.nodes {
		t.nodes[i].resetState()
	}
}

// Clone returns a fresh Tree instance with its own node arena and
// blackboard, sharing no mutable state with t. Use one clone per NPC
// instance spawned from the same template.
func (t *Tree) Clone() *Tree {
	nodes := make([]node, len(t.nodes))
	copy(nodes, t.nodes)
	for i := range nodes {
		nodes[i].children = append([]int(nil), t.nodes[i].children...)
		nodes[i].childStatus = make([]Status, len(t.nodes[i].childStatus))
	}
	return &Tree{nodes: nodes, root: t.root, Blackboard: blackboard.New()}
}

func (t *Tree) execute(idx int, actor any) Status {
	n := &t.nodes[idx]
	switch n.kind {
	case KindSequence:
		return t.executeSequence(n, actor)
	case KindSelector:
		return t.executeSelector(n, actor)
	case KindParallel:
		return t.executeParallel(n, actor)
	case KindInverter:
		return t.executeInverter(n, actor)
	case KindRepeater:
		return t.executeRepeater(n, actor)
	case KindCondition:
		return t.executeCondition(n, actor)
	case KindAction:
		return t.executeAction(n, actor)
	default:
		return StatusFailure
	}
}

// executeSequence runs children in order until one fails or runs.
func (t *Tree) executeSequence(n *node, actor any) Status {
	if len(n.children) == 0 {
		return StatusSuccess
	}
	for n.currentChild < len(n.children) {
		status := t.execute(n.children[n.currentChild], actor)
		if status == StatusRunning {
			return StatusRunning
		}
		if status == StatusFailure {
			n.currentChild = 0
			return StatusFailure
		}
		n.currentChild++
	}
	n.currentChild = 0
	return StatusSuccess
}

// executeSelector runs children in order until one succeeds or runs.
func (t *Tree) executeSelector(n *node, actor any) Status {
	if len(n.children) == 0 {
		return StatusFailure
	}
	for n.currentChild < len(n.children) {
		status := t.execute(n.children[n.currentChild], actor)
		if status == StatusRunning {
			return StatusRunning
		}
		if status == StatusSuccess {
			n.currentChild = 0
			return StatusSuccess
		}
		n.currentChild++
	}
	n.currentChild = 0
	return StatusFailure
}

// executeParallel ticks every unresolved child this pass and resolves
// according to the success/failure policies. RequireOne checks success
// before failure, so a child that succeeds wins even if a sibling fails
// on the same tick.
func (t *Tree) executeParallel(n *node, actor any) Status {
	if len(n.children) == 0 {
		return StatusSuccess
	}
	if len(n.childStatus) != len(n.children) {
		n.childStatus = make([]Status, len(n.children))
	}

	for i, childIdx := range n.children {
		if n.childStatus[i] == StatusSuccess || n.childStatus[i] == StatusFailure {
			continue
		}
		n.childStatus[i] = t.execute(childIdx, actor)
	}

	var successCount, failureCount, runningCount int
	for _, status := range n.childStatus {
		switch status {
		case StatusSuccess:
			successCount++
		case StatusFailure:
			failureCount++
		case StatusRunning:
			runningCount++
		}
	}

	if n.successPolicy == RequireAll {
		if successCount == len(n.children) {
			return StatusSuccess
		}
	} else if successCount > 0 {
		return StatusSuccess
	}

	if n.failurePolicy == RequireAll {
		if failureCount == len(n.children) {
			return StatusFailure
		}
	} else if failureCount > 0 {
		return StatusFailure
	}

	if runningCount > 0 {
		return StatusRunning
	}
	return StatusSuccess
}

func (t *Tree) executeInverter(n *node, actor any) Status {
	if len(n.children) == 0 {
		return StatusFailure
	}
	switch status := t.execute(n.children[0], actor); status {
	case StatusSuccess:
		return StatusFailure
	case StatusFailure:
		return StatusSuccess
	default:
		return status
	}
}

// executeRepeater with an infinite count always reports running, resetting
// the child each time it settles so it runs fresh on the next tick.
// With a bounded count it keeps repeating on success, failing the repeat
// as soon as a single iteration fails.
func (t *Tree) executeRepeater(n *node, actor any) Status {
	if len(n.children) == 0 {
		return StatusFailure
	}
	child := n.children[0]

	if n.repeatCount < 0 {
		status := t.execute(child, actor)
		if status != StatusRunning {
			t.resetSubtree(child)
		}
		return StatusRunning
	}

	for n.repeatsDone < n.repeatCount {
		status := t.execute(child, actor)
		if status == StatusRunning {
			return StatusRunning
		}
		if status == StatusFailure {
			n.repeatsDone = 0
			return StatusFailure
		}
		n.repeatsDone++
		t.resetSubtree(child)
	}
	n.repeatsDone = 0
	return StatusSuccess
}

func (t *Tree) executeCondition(n *node, actor any) Status {
	if len(n.children) == 0 || n.condition == nil {
		return StatusFailure
	}
	if n.condition(actor, t.Blackboard) {
		return t.execute(n.children[0], actor)
	}
	return StatusFailure
}

func (t *Tree) executeAction(n *node, actor any) Status {
	if n.action == nil {
		return StatusFailure
	}
	return n.action(actor, t.Blackboard)
}

func (t *Tree) resetSubtree(idx int) {
	n := &t.nodes[idx]
	n.resetState()
	for _, c := range n.children {
		t.resetSubtree(c)
	}
}
