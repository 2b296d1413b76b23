package testcase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/Sumatoshi-tech/sidetrace/internal/pipelineerr"
)

// DirectoryProducer walks a directory once at construction time and hands
// its entries out, one path per call, in lexical order.
type DirectoryProducer struct {
	paths []string
	next  int
}

// NewDirectory builds a DirectoryProducer from module-options. Recognized
// key: "path" (required, directory to walk non-recursively).
func NewDirectory(options map[string]any) (*DirectoryProducer, error) {
	dir, _ := options["path"].(string)
	if dir == "" {
		return nil, fmt.Errorf("testcase: %w: path is required", pipelineerr.ErrConfig)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &pipelineerr.IoError{Op: "read testcase directory", Cause: err}
	}

	var paths []string

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		paths = append(paths, filepath.Join(dir, e.Name()))
	}

	sort.Strings(paths)

	return &DirectoryProducer{paths: paths}, nil
}

// SupportsParallelism is always false.
func (p *DirectoryProducer) SupportsParallelism() bool { return false }

// IsDone reports whether every file in the directory has been emitted.
func (p *DirectoryProducer) IsDone(_ context.Context) (bool, error) {
	return p.next >= len(p.paths), nil
}

// Next returns the next file path in lexical order.
func (p *DirectoryProducer) Next(_ context.Context) (string, error) {
	path := p.paths[p.next]
	p.next++

	return path, nil
}
