package trace

// Prefix is the shared preamble recorded once before the first test case:
// the image table plus any setup-phase trace entries. Every per-testcase
// trace file references a Prefix and resumes allocation-ID assignment from
// where it left off.
type Prefix struct {
	Images      []Image
	Entries     []Entry
	Allocations *AllocationTable
}

// ImageAt returns the image covering addr, if any. Images are assumed
// sorted by Start and disjoint, as required by the native-tracer
// preprocessor's prefix-handling step.
func (p *Prefix) ImageAt(addr uint64) (Image, bool) {
	for _, img := range p.Images {
		if img.Contains(addr) {
			return img, true
		}
	}

	return Image{}, false
}

// NextAllocationID returns the ID the first per-testcase allocation must use.
func (p *Prefix) NextAllocationID() int32 {
	if p.Allocations == nil {
		return 0
	}

	return p.Allocations.NextID()
}
