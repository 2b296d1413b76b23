package nativepre

import (
	"log/slog"

	"github.com/Sumatoshi-tech/sidetrace/internal/trace"
	"github.com/Sumatoshi-tech/sidetrace/pkg/safeconv"
)

// walker holds the per-call state needed to translate one record stream:
// a pending-allocation-size stack, the live-allocation table (thread-local
// per testcase, seeded from the prefix), and the resolved image table.
type walker struct {
	images       []trace.Image
	resolve      func(addr uint64) (trace.Image, bool)
	stackMin     uint64
	stackMax     uint64
	trackStack   bool
	allocs       *trace.AllocationTable
	pendingSizes []uint64
	logger       *slog.Logger
}

// translate walks records in order and emits one canonical entry per
// record that survives filtering, preserving input order exactly.
func (w *walker) translate(records []rawRecord) []trace.Entry {
	entries := make([]trace.Entry, 0, len(records))

	for _, rec := range records {
		if e, ok := w.translateOne(rec); ok {
			entries = append(entries, e)
		}
	}

	return entries
}

func (w *walker) translateOne(rec rawRecord) (trace.Entry, bool) {
	switch rec.Type {
	case recAllocSize:
		w.pendingSizes = append(w.pendingSizes, rec.Param1)

		return nil, false

	case recAllocRet:
		return w.translateAllocRet(rec)

	case recFreeParam:
		return w.translateFree(rec)

	case recBranch:
		return w.translateBranch(rec)

	case recMemRead:
		return w.translateMemory(rec, false)

	case recMemWrite:
		return w.translateMemory(rec, true)

	case recStackPtr:
		w.trackStackPointer(rec)

		if !w.trackStack {
			return nil, false
		}

		return trace.StackAllocation{
			InstrImg: firstImageID(w.images, rec.Param1),
			InstrOff: 0,
			SP:       rec.Param2,
		}, true

	default:
		w.logger.Warn("nativepre: unknown record type", "type", rec.Type)

		return nil, false
	}
}

func (w *walker) trackStackPointer(rec rawRecord) {
	if w.stackMin == 0 && w.stackMax == 0 {
		w.stackMin, w.stackMax = rec.Param2, rec.Param2

		return
	}

	if rec.Param2 < w.stackMin {
		w.stackMin = rec.Param2
	}

	if rec.Param2 > w.stackMax {
		w.stackMax = rec.Param2
	}
}

func (w *walker) translateAllocRet(rec rawRecord) (trace.Entry, bool) {
	if len(w.pendingSizes) == 0 {
		w.logger.Warn("nativepre: alloc return with empty size stack", "address", rec.Param2)

		return nil, false
	}

	size := w.pendingSizes[len(w.pendingSizes)-1]
	w.pendingSizes = w.pendingSizes[:len(w.pendingSizes)-1]

	if _, live := w.allocs.ResolveLive(rec.Param2); live {
		w.logger.Warn("nativepre: double alloc return without intervening alloc size", "address", rec.Param2)

		return nil, false
	}

	a := w.allocs.Insert(rec.Param2, safeUint32(size))

	return trace.HeapAllocation{ID: a.ID, Size: a.Size, Address: a.Address}, true
}

func (w *walker) translateFree(rec rawRecord) (trace.Entry, bool) {
	a, ok := w.allocs.Free(rec.Param2)
	if !ok {
		w.logger.Warn("nativepre: free of unknown address", "address", rec.Param2)

		return nil, false
	}

	return trace.HeapFree{ID: a.ID}, true
}

func (w *walker) translateBranch(rec rawRecord) (trace.Entry, bool) {
	srcImg, srcOK := w.resolve(rec.Param1)
	dstImg, dstOK := w.resolve(rec.Param2)

	srcInteresting := srcOK && srcImg.Interesting
	dstInteresting := dstOK && dstImg.Interesting

	if !srcInteresting && !dstInteresting {
		return nil, false
	}

	kind := trace.BranchJump

	switch {
	case rec.Flag&flagCall != 0:
		kind = trace.BranchCall
	case rec.Flag&flagReturn != 0:
		kind = trace.BranchReturn
	}

	return trace.Branch{
		SrcImg: imageIDOrSentinel(srcOK, srcImg),
		SrcOff: offsetOrZero(srcOK, srcImg, rec.Param1),
		DstImg: imageIDOrSentinel(dstOK, dstImg),
		DstOff: offsetOrZero(dstOK, dstImg, rec.Param2),
		Taken:  rec.Flag&flagTaken != 0,
		Kind:   kind,
	}, true
}

func (w *walker) translateMemory(rec rawRecord, isWrite bool) (trace.Entry, bool) {
	instrImg, ok := w.resolve(rec.Param1)
	if !ok || !instrImg.Interesting {
		return nil, false
	}

	switch {
	case rec.Param2 >= w.stackMin && rec.Param2 <= w.stackMax:
		return trace.StackMemoryAccess{
			IsWrite:  isWrite,
			InstrImg: instrImg.ID,
			InstrOff: instrImg.Offset(rec.Param1),
			MemOff:   safeUint32(rec.Param2 - w.stackMin),
		}, true

	default:
		if memImg, ok := w.resolve(rec.Param2); ok {
			return trace.ImageMemoryAccess{
				IsWrite:  isWrite,
				InstrImg: instrImg.ID,
				InstrOff: instrImg.Offset(rec.Param1),
				MemImg:   memImg.ID,
				MemOff:   memImg.Offset(rec.Param2),
			}, true
		}

		if a, ok := w.allocs.ResolveLive(rec.Param2); ok {
			return trace.HeapMemoryAccess{
				IsWrite:  isWrite,
				InstrImg: instrImg.ID,
				InstrOff: instrImg.Offset(rec.Param1),
				AllocID:  a.ID,
				MemOff:   safeconv.MustUint64ToUint32(rec.Param2 - a.Address),
			}, true
		}

		w.logger.Warn("nativepre: memory access target resolves to neither image nor live allocation", "address", rec.Param2)

		return nil, false
	}
}

func firstImageID(images []trace.Image, addr uint64) int32 {
	for _, img := range images {
		if img.Contains(addr) {
			return img.ID
		}
	}

	return -1
}

func imageIDOrSentinel(ok bool, img trace.Image) int32 {
	if !ok {
		return -1
	}

	return img.ID
}

func offsetOrZero(ok bool, img trace.Image, addr uint64) uint32 {
	if !ok {
		return 0
	}

	return img.Offset(addr)
}

func safeUint32(v uint64) uint32 {
	if v > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}

	return uint32(v)
}
