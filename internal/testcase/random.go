// Package testcase implements the built-in test-case producers: random
// byte strings, files read from a directory, and an external command that
// prints one path per invocation. These exist to exercise the pipeline
// runtime end to end; a real deployment is expected to supply its own
// corpus-aware producer (e.g. backed by a fuzzer's queue) implementing the
// same stage.TestcaseProducer interface.
package testcase

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"github.com/Sumatoshi-tech/sidetrace/internal/pipelineerr"
)

// defaultRandomCount is how many test cases RandomProducer generates when
// module-options omits "count".
const defaultRandomCount = 16

// RandomProducer writes count files of length between minSize and maxSize,
// filled with cryptographically random bytes, into a temp directory and
// hands their paths out one at a time.
type RandomProducer struct {
	dir     string
	count   int
	minSize int
	maxSize int
	emitted int
}

// NewRandom builds a RandomProducer from module-options. Recognized keys:
// "count" (default 16), "min-size" (default 16), "max-size" (default 256).
func NewRandom(options map[string]any) (*RandomProducer, error) {
	count := defaultRandomCount
	if v, ok := options["count"].(int); ok {
		count = v
	}

	minSize := 16
	if v, ok := options["min-size"].(int); ok {
		minSize = v
	}

	maxSize := 256
	if v, ok := options["max-size"].(int); ok {
		maxSize = v
	}

	if minSize < 1 || maxSize < minSize {
		return nil, fmt.Errorf("testcase: %w: min-size/max-size must satisfy 1 <= min-size <= max-size", pipelineerr.ErrConfig)
	}

	dir, err := os.MkdirTemp("", "sidetrace-testcase-*")
	if err != nil {
		return nil, &pipelineerr.IoError{Op: "create testcase temp dir", Cause: err}
	}

	return &RandomProducer{dir: dir, count: count, minSize: minSize, maxSize: maxSize}, nil
}

// SupportsParallelism is always false for TestcaseProducer: the pipeline
// runtime never asks it to do otherwise, but the interface requires it.
func (p *RandomProducer) SupportsParallelism() bool { return false }

// IsDone reports whether every configured test case has been emitted.
func (p *RandomProducer) IsDone(_ context.Context) (bool, error) {
	return p.emitted >= p.count, nil
}

// Next writes one fresh random-content file and returns its path.
func (p *RandomProducer) Next(_ context.Context) (string, error) {
	size, err := randInRange(p.minSize, p.maxSize)
	if err != nil {
		return "", fmt.Errorf("testcase: random size: %w", err)
	}

	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("testcase: fill random bytes: %w", err)
	}

	path := filepath.Join(p.dir, fmt.Sprintf("case-%04d.bin", p.emitted))
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		return "", &pipelineerr.IoError{Op: "write random testcase", Cause: err}
	}

	p.emitted++

	return path, nil
}

// Close removes the temp directory holding every generated test case.
func (p *RandomProducer) Close(_ context.Context) error {
	if err := os.RemoveAll(p.dir); err != nil {
		return &pipelineerr.IoError{Op: "remove testcase temp dir", Cause: err}
	}

	return nil
}

func randInRange(minSize, maxSize int) (int, error) {
	if minSize == maxSize {
		return minSize, nil
	}

	span := big.NewInt(int64(maxSize - minSize + 1))

	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return 0, err
	}

	return minSize + int(n.Int64()), nil
}
