package sourcepre

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/Sumatoshi-tech/sidetrace/internal/pipelineerr"
	"github.com/Sumatoshi-tech/sidetrace/internal/trace"
)

const (
	defaultColumnBits = 13
	maxColumnBits     = 30

	// objectStride is the size of the synthetic address region reserved for
	// each heap object on first encounter.
	objectStride = 2 << 20

	// namedPropertyBase is the first synthetic offset assigned to a named
	// (non-numeric) object property.
	namedPropertyBase = 0x100000

	externImageName = "[extern]"
)

// loadScripts parses "scripts.txt": tab-separated "id \t original_path \t
// clean_path" lines, one script per line. clean_path becomes the pseudo
// image's display name. Returns the dense image table (script images
// followed by the synthetic [extern] image) plus a scriptID -> imageID map.
func loadScripts(r io.Reader) ([]trace.Image, map[int]int32, error) {
	scanner := bufio.NewScanner(r)

	type scriptEntry struct {
		id   int
		name string
	}

	var scripts []scriptEntry

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) < 3 {
			return nil, nil, fmt.Errorf("sourcepre: malformed scripts.txt line %q", line)
		}

		id, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, nil, fmt.Errorf("sourcepre: malformed script id %q: %w", fields[0], err)
		}

		scripts = append(scripts, scriptEntry{id: id, name: fields[2]})
	}

	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("sourcepre: read scripts.txt: %w", err)
	}

	sort.Slice(scripts, func(i, j int) bool { return scripts[i].id < scripts[j].id })

	images := make([]trace.Image, 0, len(scripts)+1)
	scriptToImage := make(map[int]int32, len(scripts))

	for i, s := range scripts {
		id := int32(i) //nolint:gosec // script counts are bounded by instrumentation input, not attacker data
		base := uint64(id) << 32

		images = append(images, trace.Image{
			ID:          id,
			Start:       base,
			End:         base | 0xFFFFFFFF,
			Name:        s.name,
			Interesting: true,
		})
		scriptToImage[s.id] = id
	}

	externID := int32(len(images)) //nolint:gosec // bounded by script count
	externBase := uint64(externID) << 32

	images = append(images, trace.Image{
		ID:          externID,
		Start:       externBase,
		End:         externBase | 0xFFFFFFFF,
		Name:        externImageName,
		Interesting: true,
	})

	return images, scriptToImage, nil
}

// addressSpace synthesizes addresses for the source-tracer backend: it has
// no native addresses to resolve, only a fixed image table plus two
// monotonic allocators (external function ids, heap object bases) and a
// per-object property-offset table. All three are process-global and
// mutex-protected so that the same site or object always maps to the same
// synthetic address across every testcase and preprocessing worker, which
// the leakage analyzer relies on to compare traces.
type addressSpace struct {
	images        []trace.Image
	scriptToImage map[int]int32
	externImageID int32
	columnBits    uint
	columnMask    uint64

	mu             sync.Mutex
	externFuncIDs  map[string]uint32
	nextExternID   uint32
	objectBases    map[uint64]uint64
	objectProps    map[uint64]map[string]uint32
	objectNextProp map[uint64]uint32
	nextObjectBase uint64
	mapEntries     map[int32]map[uint64]string
}

func newAddressSpace(images []trace.Image, scriptToImage map[int]int32, externImageID int32, columnBits uint) (*addressSpace, error) {
	if columnBits == 0 {
		columnBits = defaultColumnBits
	}

	if columnBits > maxColumnBits {
		return nil, fmt.Errorf("sourcepre: %w: column-bits %d exceeds maximum %d", pipelineerr.ErrConfig, columnBits, maxColumnBits)
	}

	return &addressSpace{
		images:         images,
		scriptToImage:  scriptToImage,
		externImageID:  externImageID,
		columnBits:     columnBits,
		columnMask:     (uint64(1) << columnBits) - 1,
		externFuncIDs:  make(map[string]uint32),
		objectBases:    make(map[uint64]uint64),
		objectProps:    make(map[uint64]map[string]uint32),
		objectNextProp: make(map[uint64]uint32),
		mapEntries:     make(map[int32]map[uint64]string),
	}, nil
}

// resolve returns the synthetic (imageID, address) for s. useEnd selects
// the site's end line/column instead of its start; external sites ignore
// the distinction since they carry only a function identity.
func (as *addressSpace) resolve(s site, useEnd bool) (int32, uint64, error) {
	if s.external {
		id := as.externFuncID(s.funcName)
		addr := (uint64(as.externImageID) << 32) | uint64(id)

		return as.externImageID, addr, nil
	}

	imgID, ok := as.scriptToImage[s.scriptID]
	if !ok {
		return 0, 0, fmt.Errorf("sourcepre: unknown script id %d", s.scriptID)
	}

	line, col := s.startLine, s.startCol
	if useEnd {
		line, col = s.endLine, s.endCol
	}

	if uint64(col) > as.columnMask { //nolint:gosec // line/col are decoded from trusted instrumentation output
		return 0, 0, fmt.Errorf("sourcepre: %w: column %d exceeds %d-bit mask", pipelineerr.ErrConfig, col, as.columnBits)
	}

	rel := (uint64(line) << as.columnBits) | uint64(col) //nolint:gosec // see above
	img := as.images[imgID]

	return imgID, img.Start | rel, nil
}

func (as *addressSpace) offset(imgID int32, addr uint64) uint32 {
	return as.images[imgID].Offset(addr)
}

func (as *addressSpace) externFuncID(name string) uint32 {
	as.mu.Lock()
	defer as.mu.Unlock()

	if id, ok := as.externFuncIDs[name]; ok {
		return id
	}

	id := as.nextExternID
	as.nextExternID++
	as.externFuncIDs[name] = id

	return id
}

// objectBaseAddr returns the synthetic base address for objID, assigning a
// fresh 2 MiB-stride region on first encounter across the whole run.
func (as *addressSpace) objectBaseAddr(objID uint64) uint64 {
	as.mu.Lock()
	defer as.mu.Unlock()

	if base, ok := as.objectBases[objID]; ok {
		return base
	}

	base := as.nextObjectBase
	as.nextObjectBase += objectStride
	as.objectBases[objID] = base

	return base
}

// resolveProperty maps a property name on objID to its synthetic offset.
// Numeric property names map directly to their integer value; named
// properties get a monotonically increasing offset starting at
// namedPropertyBase, stable for the life of the object.
func (as *addressSpace) resolveProperty(objID uint64, property string) uint32 {
	if n, err := strconv.ParseUint(property, 10, 32); err == nil {
		return uint32(n)
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	props, ok := as.objectProps[objID]
	if !ok {
		props = make(map[string]uint32)
		as.objectProps[objID] = props
	}

	if off, ok := props[property]; ok {
		return off
	}

	next, ok := as.objectNextProp[objID]
	if !ok {
		next = namedPropertyBase
	}

	props[property] = next
	as.objectNextProp[objID] = next + 1

	return next
}

// requestMapEntry records that addr (in imgID) was emitted with label,
// the first time it is seen. Later requests for the same address are
// idempotent, matching the "set of requested MAP entries" contract.
func (as *addressSpace) requestMapEntry(imgID int32, addr uint64, label string) {
	as.mu.Lock()
	defer as.mu.Unlock()

	entries, ok := as.mapEntries[imgID]
	if !ok {
		entries = make(map[uint64]string)
		as.mapEntries[imgID] = entries
	}

	if _, exists := entries[addr]; !exists {
		entries[addr] = label
	}
}

// writeMapFiles emits one MAP file per image with at least one requested
// entry: first line the image name, remaining lines "<hex_addr>\t<label>"
// sorted by address.
func (as *addressSpace) writeMapFiles(dir string) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_")

	for _, img := range as.images {
		entries, ok := as.mapEntries[img.ID]
		if !ok || len(entries) == 0 {
			continue
		}

		addrs := make([]uint64, 0, len(entries))
		for addr := range entries {
			addrs = append(addrs, addr)
		}

		sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

		var sb strings.Builder

		sb.WriteString(img.Name)
		sb.WriteByte('\n')

		for _, addr := range addrs {
			fmt.Fprintf(&sb, "%#x\t%s\n", addr, entries[addr])
		}

		path := filepath.Join(dir, replacer.Replace(img.Name)+".map")
		if err := os.WriteFile(path, []byte(sb.String()), 0o600); err != nil {
			return &pipelineerr.IoError{Op: "write map file", Cause: err}
		}
	}

	return nil
}
