// Package trace implements the canonical binary trace format: a
// discriminated union of fixed-payload entries, little-endian, no padding,
// plus the prefix/per-testcase file layout and lazy reader/writer pair that
// both reference preprocessors (internal/nativepre, internal/sourcepre) and
// the leakage analyzer (internal/leakage) consume.
package trace

import "fmt"

// Tag identifies a TraceEntry variant on the wire.
type Tag uint8

// Trace entry tags, per the canonical binary format.
const (
	TagImageMemoryAccess Tag = 1
	TagHeapMemoryAccess  Tag = 2
	TagStackMemoryAccess Tag = 3
	TagHeapAllocation    Tag = 4
	TagHeapFree          Tag = 5
	TagBranch            Tag = 6
	TagStackAllocation   Tag = 7
)

func (t Tag) String() string {
	switch t {
	case TagImageMemoryAccess:
		return "ImageMemoryAccess"
	case TagHeapMemoryAccess:
		return "HeapMemoryAccess"
	case TagStackMemoryAccess:
		return "StackMemoryAccess"
	case TagHeapAllocation:
		return "HeapAllocation"
	case TagHeapFree:
		return "HeapFree"
	case TagBranch:
		return "Branch"
	case TagStackAllocation:
		return "StackAllocation"
	default:
		return fmt.Sprintf("Tag(%d)", uint8(t))
	}
}

// BranchKind classifies a Branch entry.
type BranchKind uint8

// Branch kinds.
const (
	BranchJump   BranchKind = 0
	BranchCall   BranchKind = 1
	BranchReturn BranchKind = 2
)

func (k BranchKind) String() string {
	switch k {
	case BranchJump:
		return "Jump"
	case BranchCall:
		return "Call"
	case BranchReturn:
		return "Return"
	default:
		return fmt.Sprintf("BranchKind(%d)", uint8(k))
	}
}

// Entry is the sealed sum type of all trace entry variants. sealed()
// restricts implementations to this package; callers type-switch on the
// concrete type or call Tag() for dispatch without an allocation.
type Entry interface {
	Tag() Tag
	sealed()
}

// ImageMemoryAccess is a memory access resolved to a static image.
type ImageMemoryAccess struct {
	IsWrite   bool
	InstrImg  int32
	InstrOff  uint32
	MemImg    int32
	MemOff    uint32
}

func (ImageMemoryAccess) Tag() Tag { return TagImageMemoryAccess }
func (ImageMemoryAccess) sealed()  {}

// HeapMemoryAccess is a memory access resolved to a live heap allocation.
type HeapMemoryAccess struct {
	IsWrite  bool
	InstrImg int32
	InstrOff uint32
	AllocID  int32
	MemOff   uint32
}

func (HeapMemoryAccess) Tag() Tag { return TagHeapMemoryAccess }
func (HeapMemoryAccess) sealed()  {}

// StackMemoryAccess is a memory access resolved to the stack range.
type StackMemoryAccess struct {
	IsWrite  bool
	InstrImg int32
	InstrOff uint32
	MemOff   uint32
}

func (StackMemoryAccess) Tag() Tag { return TagStackMemoryAccess }
func (StackMemoryAccess) sealed()  {}

// HeapAllocation records a heap block coming into existence.
type HeapAllocation struct {
	ID      int32
	Size    uint32
	Address uint64
}

func (HeapAllocation) Tag() Tag { return TagHeapAllocation }
func (HeapAllocation) sealed()  {}

// HeapFree records a heap block being released.
type HeapFree struct {
	ID int32
}

func (HeapFree) Tag() Tag { return TagHeapFree }
func (HeapFree) sealed()  {}

// Branch records a control-flow transfer between two sites.
type Branch struct {
	SrcImg int32
	SrcOff uint32
	DstImg int32
	DstOff uint32
	Taken  bool
	Kind   BranchKind
}

func (Branch) Tag() Tag { return TagBranch }
func (Branch) sealed()  {}

// StackAllocation records a stack-pointer write (frame push or explicit
// stack-tracking sample).
type StackAllocation struct {
	InstrImg int32
	InstrOff uint32
	SP       uint64
}

func (StackAllocation) Tag() Tag { return TagStackAllocation }
func (StackAllocation) sealed()  {}
