package sourcepre

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/Sumatoshi-tech/sidetrace/internal/trace"
)

// walker holds the per-call state needed to translate one decompressed
// record stream into canonical entries: the pending-conditional slot, the
// last-seen pre-return site, the live call-stack of function names (used
// only to label MAP entries), and the thread-local object-allocation
// bookkeeping for this testcase's trace.
type walker struct {
	as  *addressSpace
	dic *dict

	pending    *site
	lastReturn *site
	funcStack  []string

	allocs        *trace.AllocationTable
	objectAllocID map[uint64]int32

	logger *slog.Logger
}

func newWalker(as *addressSpace, dic *dict, allocs *trace.AllocationTable, logger *slog.Logger) *walker {
	return &walker{
		as:            as,
		dic:           dic,
		allocs:        allocs,
		objectAllocID: make(map[uint64]int32),
		logger:        logger,
	}
}

func (w *walker) currentFunc() string {
	if len(w.funcStack) == 0 {
		return "main"
	}

	return w.funcStack[len(w.funcStack)-1]
}

// translateLine decodes and translates every compressed record on one
// input line, in order.
func (w *walker) translateLine(line string) ([]trace.Entry, error) {
	bodies, err := w.dic.decodeLine(line)
	if err != nil {
		return nil, err
	}

	var entries []trace.Entry

	for _, body := range bodies {
		rec, err := parseRecord(body)
		if err != nil {
			return entries, err
		}

		es, err := w.apply(rec)
		if err != nil {
			return entries, err
		}

		entries = append(entries, es...)
	}

	return entries, nil
}

// resolveMark resolves s and records it as a requested MAP entry.
func (w *walker) resolveMark(s site, useEnd bool) (int32, uint64, error) {
	imgID, addr, err := w.as.resolve(s, useEnd)
	if err != nil {
		return 0, 0, err
	}

	w.as.requestMapEntry(imgID, addr, w.labelFor(s))

	return imgID, addr, nil
}

func (w *walker) labelFor(s site) string {
	if s.external {
		return s.funcName
	}

	return fmt.Sprintf("%s:%d:%d", w.currentFunc(), s.startLine, s.startCol)
}

func (w *walker) branch(src site, srcEnd bool, dst site, kind trace.BranchKind, taken bool) (trace.Entry, error) {
	srcImg, srcAddr, err := w.resolveMark(src, srcEnd)
	if err != nil {
		return nil, err
	}

	dstImg, dstAddr, err := w.resolveMark(dst, false)
	if err != nil {
		return nil, err
	}

	return trace.Branch{
		SrcImg: srcImg,
		SrcOff: w.as.offset(srcImg, srcAddr),
		DstImg: dstImg,
		DstOff: w.as.offset(dstImg, dstAddr),
		Taken:  taken,
		Kind:   kind,
	}, nil
}

// apply interprets one decoded record, returning the entries it (and any
// flushed pending conditional) produces.
func (w *walker) apply(rec record) ([]trace.Entry, error) {
	if rec.kind == recConditional {
		if len(rec.fields) < 1 {
			return nil, fmt.Errorf("sourcepre: C record missing site")
		}

		s, err := parseSite(rec.fields[0])
		if err != nil {
			return nil, err
		}

		// A second C before the first resolves simply overwrites the
		// pending slot; it is not itself a flush trigger.
		w.pending = &s

		return nil, nil
	}

	if len(rec.fields) < 1 {
		return nil, fmt.Errorf("sourcepre: record %q missing site", string(rec.kind))
	}

	newSite, err := parseSite(rec.fields[0])
	if err != nil {
		return nil, err
	}

	var entries []trace.Entry

	if w.pending != nil {
		flushed, err := w.branch(*w.pending, false, newSite, trace.BranchJump, true)
		if err != nil {
			w.logger.Warn("sourcepre: failed to resolve pending conditional flush", "error", err)
		} else {
			entries = append(entries, flushed)
		}

		w.pending = nil
	}

	switch rec.kind {
	case recCall:
		return w.applyCall(rec, newSite, entries)
	case recPreReturn:
		w.lastReturn = &newSite
		if _, _, err := w.resolveMark(newSite, false); err != nil {
			return entries, err
		}

		return entries, nil
	case recReturn:
		return w.applyReturn(rec, newSite, entries)
	case recEndExpr:
		if _, _, err := w.resolveMark(newSite, false); err != nil {
			return entries, err
		}

		return entries, nil
	case recHeapRead, recHeapWrite:
		return w.applyHeapAccess(rec, newSite, entries, rec.kind == recHeapWrite)
	default:
		return entries, fmt.Errorf("sourcepre: unknown record kind %q", string(rec.kind))
	}
}

func (w *walker) applyCall(rec record, callSite site, entries []trace.Entry) ([]trace.Entry, error) {
	if len(rec.fields) < 3 {
		return entries, fmt.Errorf("sourcepre: c record missing fields")
	}

	targetSite, err := parseSite(rec.fields[1])
	if err != nil {
		return entries, err
	}

	callBranch, err := w.branch(callSite, false, targetSite, trace.BranchCall, true)
	if err != nil {
		return entries, err
	}

	w.funcStack = append(w.funcStack, rec.fields[2])

	return append(entries, callBranch), nil
}

func (w *walker) applyReturn(rec record, fromSite site, entries []trace.Entry) ([]trace.Entry, error) {
	if len(rec.fields) < 2 {
		return entries, fmt.Errorf("sourcepre: R record missing fields")
	}

	toSite, err := parseSite(rec.fields[1])
	if err != nil {
		return entries, err
	}

	var retBranch trace.Entry

	if w.lastReturn != nil {
		retBranch, err = w.branch(*w.lastReturn, false, toSite, trace.BranchReturn, true)
	} else {
		retBranch, err = w.branch(fromSite, true, toSite, trace.BranchReturn, true)
	}

	if err != nil {
		return entries, err
	}

	w.lastReturn = nil

	if len(w.funcStack) > 0 {
		w.funcStack = w.funcStack[:len(w.funcStack)-1]
	}

	return append(entries, retBranch), nil
}

func (w *walker) applyHeapAccess(rec record, instrSite site, entries []trace.Entry, isWrite bool) ([]trace.Entry, error) {
	if len(rec.fields) < 3 {
		return entries, fmt.Errorf("sourcepre: heap access record missing fields")
	}

	objID, err := strconv.ParseUint(rec.fields[1], 10, 64)
	if err != nil {
		return entries, fmt.Errorf("sourcepre: malformed object id %q: %w", rec.fields[1], err)
	}

	instrImg, instrAddr, err := w.resolveMark(instrSite, false)
	if err != nil {
		return entries, err
	}

	allocID, isNew := w.ensureObjectAllocated(objID)
	if isNew {
		a, _ := w.allocs.ByID(allocID)
		entries = append(entries, trace.HeapAllocation{ID: a.ID, Size: a.Size, Address: a.Address})
	}

	propOff := w.as.resolveProperty(objID, rec.fields[2])

	entries = append(entries, trace.HeapMemoryAccess{
		IsWrite:  isWrite,
		InstrImg: instrImg,
		InstrOff: w.as.offset(instrImg, instrAddr),
		AllocID:  allocID,
		MemOff:   propOff,
	})

	return entries, nil
}

// ensureObjectAllocated returns objID's allocation id in this testcase's
// stream, inserting a fresh allocation the first time this walker sees it
// (the synthetic base address itself is process-global and stable).
func (w *walker) ensureObjectAllocated(objID uint64) (int32, bool) {
	if id, ok := w.objectAllocID[objID]; ok {
		return id, false
	}

	base := w.as.objectBaseAddr(objID)
	a := w.allocs.Insert(base, objectStride)
	w.objectAllocID[objID] = a.ID

	return a.ID, true
}
