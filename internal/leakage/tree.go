// Package leakage implements the call-stack leakage analyzer: it merges
// every preprocessed trace into one consolidated call tree keyed by call
// stack, then scores each access site for how much its observed targets
// reveal about which test case produced them.
package leakage

import (
	"fmt"

	"github.com/Sumatoshi-tech/sidetrace/internal/trace"
)

// childKind discriminates the four shapes a call node's child can take.
type childKind uint8

const (
	childCall childKind = iota
	childAccess
	childBranch
	childSplit
)

// callKey identifies a call edge: the caller's site and the callee's
// entry site.
type callKey struct {
	callerImg int32
	callerOff uint32
	calleeImg int32
	calleeOff uint32
}

// branchKey identifies one concrete outcome of a conditional jump: the
// instruction site plus which destination it took. Two testcases taking
// the same jump to different destinations therefore produce distinct
// branchKeys at the same sequence position, which is exactly what should
// force the node to split — unlike a memory access, whose target varies
// without restructuring the tree.
type branchKey struct {
	srcImg int32
	srcOff uint32
	dstImg int32
	dstOff uint32
	taken  bool
}

// accessKind classifies a memory access by its resolved target class and
// direction, independent of the specific address.
type accessKind uint8

const (
	accessImageRead accessKind = iota
	accessImageWrite
	accessHeapRead
	accessHeapWrite
	accessStackRead
	accessStackWrite
)

// accessKey identifies a memory-access site: the instruction location
// plus the kind of access it performs.
type accessKey struct {
	instrImg int32
	instrOff uint32
	kind     accessKind
}

// accessSample is one observed (testcase, target) pair at an access site.
type accessSample struct {
	testcaseID int32
	target     uint64
}

// accessHistogram accumulates every sample seen at one access-site child,
// across every testcase that reached it.
type accessHistogram struct {
	samples []accessSample
}

// child is one entry in a call node's ordered child sequence. At most one
// of subtree/histogram/split is populated, selected by kind; a childBranch
// child populates none of them.
type child struct {
	kind childKind
	tags map[int32]struct{}

	call      callKey
	subtree   *callNode
	access    accessKey
	histogram *accessHistogram
	branch    branchKey
	split     *splitNode
}

// splitNode represents a control-flow divergence at this position: each
// alternative is a fresh child sequence tagged with the testcase IDs that
// followed it.
type splitNode struct {
	alternatives []*alternative
}

type alternative struct {
	tags map[int32]struct{}
	seq  *callNode
}

// callNode owns an ordered sequence of children. The root of the
// consolidated tree, every callee subtree, and every split alternative's
// continuation are all callNodes.
type callNode struct {
	children []*child
}

func newCallNode() *callNode { return &callNode{} }

// want describes the child a single trace event is asking a callNode to
// match or create at the current cursor position.
type want struct {
	kind   childKind
	call   callKey
	access accessKey
	branch branchKey
}

func (c *child) matchesWant(w want) bool {
	switch w.kind {
	case childCall:
		return c.kind == childCall && c.call == w.call
	case childAccess:
		return c.kind == childAccess && c.access == w.access
	case childBranch:
		return c.kind == childBranch && c.branch == w.branch
	default:
		return false
	}
}

func newChildFor(w want, testcaseID int32) *child {
	c := &child{kind: w.kind, tags: map[int32]struct{}{testcaseID: {}}}

	switch w.kind {
	case childCall:
		c.call = w.call
		c.subtree = newCallNode()
	case childAccess:
		c.access = w.access
		c.histogram = &accessHistogram{}
	case childBranch:
		c.branch = w.branch
	}

	return c
}

// merger replays one testcase's trace entries into the shared tree,
// descending through call/return pairs and splitting on divergence.
type merger struct {
	root       *callNode
	testcaseID int32
}

type frame struct {
	node *callNode
	pos  int
}

// merge walks entries in order, mutating the shared tree. The caller must
// serialize calls to merge against the same tree (or hold the analyzer's
// single-writer contract), since callNode/child are not internally
// synchronized.
func merge(root *callNode, testcaseID int32, entries []trace.Entry) error {
	m := &merger{root: root, testcaseID: testcaseID}
	stack := []frame{{node: root, pos: 0}}

	for _, e := range entries {
		switch v := e.(type) {
		case trace.Branch:
			switch v.Kind {
			case trace.BranchJump:
				top := &stack[len(stack)-1]

				w := want{kind: childBranch, branch: branchKey{
					srcImg: v.SrcImg, srcOff: v.SrcOff,
					dstImg: v.DstImg, dstOff: v.DstOff,
					taken: v.Taken,
				}}

				node, pos, _, err := m.matchOrAdvance(top.node, top.pos, w)
				if err != nil {
					return err
				}

				top.node, top.pos = node, pos
			case trace.BranchCall:
				top := &stack[len(stack)-1]

				w := want{kind: childCall, call: callKey{
					callerImg: v.SrcImg, callerOff: v.SrcOff,
					calleeImg: v.DstImg, calleeOff: v.DstOff,
				}}

				node, pos, c, err := m.matchOrAdvance(top.node, top.pos, w)
				if err != nil {
					return err
				}

				top.node, top.pos = node, pos
				stack = append(stack, frame{node: c.subtree, pos: 0})
			case trace.BranchReturn:
				if len(stack) > 1 {
					stack = stack[:len(stack)-1]
				}
			}

		case trace.ImageMemoryAccess:
			kind := accessImageRead
			if v.IsWrite {
				kind = accessImageWrite
			}

			if err := m.applyAccess(&stack[len(stack)-1], accessKey{instrImg: v.InstrImg, instrOff: v.InstrOff, kind: kind}, uint64(v.MemImg)<<32|uint64(v.MemOff)); err != nil {
				return err
			}

		case trace.HeapMemoryAccess:
			kind := accessHeapRead
			if v.IsWrite {
				kind = accessHeapWrite
			}

			if err := m.applyAccess(&stack[len(stack)-1], accessKey{instrImg: v.InstrImg, instrOff: v.InstrOff, kind: kind}, uint64(v.AllocID)<<32|uint64(v.MemOff)); err != nil {
				return err
			}

		case trace.StackMemoryAccess:
			kind := accessStackRead
			if v.IsWrite {
				kind = accessStackWrite
			}

			if err := m.applyAccess(&stack[len(stack)-1], accessKey{instrImg: v.InstrImg, instrOff: v.InstrOff, kind: kind}, uint64(v.MemOff)); err != nil {
				return err
			}

		case trace.HeapAllocation, trace.HeapFree, trace.StackAllocation:
			// Not part of the call-tree structure.
		}
	}

	return nil
}

func (m *merger) applyAccess(top *frame, key accessKey, target uint64) error {
	w := want{kind: childAccess, access: key}

	node, pos, c, err := m.matchOrAdvance(top.node, top.pos, w)
	if err != nil {
		return err
	}

	top.node, top.pos = node, pos
	c.histogram.samples = append(c.histogram.samples, accessSample{testcaseID: m.testcaseID, target: target})

	return nil
}

// matchOrAdvance matches w against node.children[pos], creating, splitting,
// or descending into a split's matching alternative as needed. It returns
// the (possibly different, if a split was entered) active node and the
// position a subsequent call should resume at, plus the matched child.
func (m *merger) matchOrAdvance(node *callNode, pos int, w want) (*callNode, int, *child, error) {
	if pos > len(node.children) {
		return nil, 0, nil, fmt.Errorf("leakage: cursor position %d beyond %d children", pos, len(node.children))
	}

	if pos == len(node.children) {
		c := newChildFor(w, m.testcaseID)
		node.children = append(node.children, c)

		return node, pos + 1, c, nil
	}

	existing := node.children[pos]

	switch {
	case existing.kind == childSplit:
		return m.enterSplit(existing, w)
	case existing.matchesWant(w):
		existing.tags[m.testcaseID] = struct{}{}

		return node, pos + 1, existing, nil
	default:
		return m.split(node, pos, existing, w)
	}
}

// enterSplit selects (or creates) the alternative matching w and recurses
// into its sequence at position 0.
func (m *merger) enterSplit(existing *child, w want) (*callNode, int, *child, error) {
	existing.tags[m.testcaseID] = struct{}{}

	var alt *alternative

	for _, a := range existing.split.alternatives {
		if len(a.seq.children) > 0 && a.seq.children[0].matchesWant(w) {
			alt = a

			break
		}
	}

	if alt == nil {
		alt = &alternative{tags: map[int32]struct{}{}, seq: newCallNode()}
		existing.split.alternatives = append(existing.split.alternatives, alt)
	}

	alt.tags[m.testcaseID] = struct{}{}

	return m.matchOrAdvance(alt.seq, 0, w)
}

// split converts node.children[pos] (a plain, non-split child that failed
// to match w) into a splitNode with two alternatives: the prior occupant,
// tagged with whichever testcases already reached it, and a fresh
// alternative for w tagged with the current testcase.
func (m *merger) split(node *callNode, pos int, existing *child, w want) (*callNode, int, *child, error) {
	oldAlt := &alternative{tags: existing.tags, seq: &callNode{children: []*child{existing}}}
	newChild := newChildFor(w, m.testcaseID)
	newAlt := &alternative{tags: map[int32]struct{}{m.testcaseID: {}}, seq: &callNode{children: []*child{newChild}}}

	tags := make(map[int32]struct{}, len(existing.tags)+1)
	for id := range existing.tags {
		tags[id] = struct{}{}
	}

	tags[m.testcaseID] = struct{}{}

	node.children[pos] = &child{
		kind: childSplit,
		tags: tags,
		split: &splitNode{
			alternatives: []*alternative{oldAlt, newAlt},
		},
	}

	return newAlt.seq, 1, newChild, nil
}
