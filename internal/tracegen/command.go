// Package tracegen implements the trace stage's built-in module: running
// an instrumented target binary against one test case and collecting the
// raw trace file it writes.
package tracegen

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/Sumatoshi-tech/sidetrace/internal/pipelineerr"
)

// argPlaceholder is substituted with the test-case path in the configured
// argument list; stdinPlaceholder marks that the test case should be piped
// to the target's stdin instead of passed as an argument.
const (
	argPlaceholder   = "{{testcase}}"
	stdinPlaceholder = "-"
)

// CommandProducer runs a configured instrumented-target command once per
// test case, writing the raw trace it produces to a fresh file under
// outputDir and returning that path.
type CommandProducer struct {
	command   string
	args      []string
	useStdin  bool
	outputDir string
	traceFlag string
	counter   atomic.Int64
}

// New builds a CommandProducer from module-options. Recognized keys:
// "command" (required), "args" ([]string, may include "{{testcase}}" or
// "-" to read the test case from stdin), "output-dir" (required, where raw
// trace files are written), "trace-flag" (the flag name the target expects
// for its output-trace-path argument, default "--trace-out").
func New(options map[string]any) (*CommandProducer, error) {
	command, _ := options["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("tracegen: %w: command is required", pipelineerr.ErrConfig)
	}

	outputDir, _ := options["output-dir"].(string)
	if outputDir == "" {
		return nil, fmt.Errorf("tracegen: %w: output-dir is required", pipelineerr.ErrConfig)
	}

	traceFlag := "--trace-out"
	if v, ok := options["trace-flag"].(string); ok && v != "" {
		traceFlag = v
	}

	var args []string

	useStdin := false

	if raw, ok := options["args"].([]any); ok {
		for _, a := range raw {
			s, ok := a.(string)
			if !ok {
				continue
			}

			if s == stdinPlaceholder {
				useStdin = true

				continue
			}

			args = append(args, s)
		}
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, &pipelineerr.IoError{Op: "create trace output dir", Cause: err}
	}

	return &CommandProducer{command: command, args: args, useStdin: useStdin, outputDir: outputDir, traceFlag: traceFlag}, nil
}

// SupportsParallelism reports true: each invocation is an independent
// subprocess with its own output file.
func (p *CommandProducer) SupportsParallelism() bool { return true }

// Trace runs the target against testcasePath and returns the raw trace
// path it wrote.
func (p *CommandProducer) Trace(ctx context.Context, testcasePath string) (string, error) {
	n := p.counter.Add(1)
	tracePath := filepath.Join(p.outputDir, "trace-"+strconv.FormatInt(n, 10)+".raw")

	args := make([]string, 0, len(p.args)+2)

	for _, a := range p.args {
		args = append(args, strings.ReplaceAll(a, argPlaceholder, testcasePath))
	}

	args = append(args, p.traceFlag, tracePath)

	cmd := exec.CommandContext(ctx, p.command, args...)

	if p.useStdin {
		f, err := os.Open(testcasePath)
		if err != nil {
			return "", &pipelineerr.IoError{Op: "open testcase for stdin", Cause: err}
		}
		defer f.Close()

		cmd.Stdin = f
	}

	if err := cmd.Run(); err != nil {
		return "", &pipelineerr.ModuleInternalError{Stage: "trace", Module: "tracegen.command", Cause: fmt.Errorf("run target: %w", err)}
	}

	return tracePath, nil
}
