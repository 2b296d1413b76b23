package nativepre

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/Sumatoshi-tech/sidetrace/internal/trace"
	"github.com/Sumatoshi-tech/sidetrace/pkg/alg/interval"
)

// loadImageList parses the sidecar "interesting\tstart\tend\tname" lines
// into a dense, start-sorted image table, and builds an interval tree over
// it for O(log N + k) point resolution.
func loadImageList(r io.Reader) ([]trace.Image, *interval.Tree[uint64, int32], error) {
	var images []trace.Image

	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) != 4 {
			return nil, nil, fmt.Errorf("nativepre: malformed image list line %q", line)
		}

		interesting := fields[0] == "1" || strings.EqualFold(fields[0], "true")

		start, err := strconv.ParseUint(fields[1], 0, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("nativepre: bad image start %q: %w", fields[1], err)
		}

		end, err := strconv.ParseUint(fields[2], 0, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("nativepre: bad image end %q: %w", fields[2], err)
		}

		images = append(images, trace.Image{Start: start, End: end, Name: fields[3], Interesting: interesting})
	}

	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("nativepre: read image list: %w", err)
	}

	sort.Slice(images, func(i, j int) bool { return images[i].Start < images[j].Start })

	tree := interval.New[uint64, int32]()

	for i := range images {
		images[i].ID = int32(i) //nolint:gosec // image tables are bounded by loaded binaries, far under 2^31
		tree.Insert(images[i].Start, images[i].End, images[i].ID)
	}

	return images, tree, nil
}

// resolveImage returns the image containing addr, if any.
func resolveImage(images []trace.Image, tree *interval.Tree[uint64, int32], addr uint64) (trace.Image, bool) {
	hits := tree.QueryPoint(addr)
	if len(hits) == 0 {
		return trace.Image{}, false
	}

	return images[hits[0].Value], true
}
