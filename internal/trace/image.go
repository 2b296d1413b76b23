package trace

import "fmt"

// Image is a loaded code or pseudo-code region: `(id, start, end, name,
// interesting)`. IDs are dense and assigned in load order; `[Start, End]`
// intervals are disjoint across the whole image table.
type Image struct {
	ID          int32
	Start       uint64
	End         uint64
	Name        string
	Interesting bool
}

// Contains reports whether addr falls within [Start, End].
func (img Image) Contains(addr uint64) bool {
	return addr >= img.Start && addr <= img.End
}

// Offset returns addr expressed relative to Start. Panics if addr is
// outside the image; callers must check Contains first.
func (img Image) Offset(addr uint64) uint32 {
	if addr < img.Start || addr > img.End {
		panic(fmt.Sprintf("trace: address %#x outside image %q [%#x,%#x]", addr, img.Name, img.Start, img.End))
	}

	return uint32(addr - img.Start) //nolint:gosec // image spans are bounded by instrumentation, not attacker input
}
