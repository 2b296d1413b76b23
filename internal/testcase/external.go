package testcase

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/Sumatoshi-tech/sidetrace/internal/pipelineerr"
)

// ExternalProducer runs a configured command once per Next call; the
// command must print exactly one test-case file path to stdout and exit
// zero, or exit with exitDoneCode to signal exhaustion.
type ExternalProducer struct {
	command      string
	args         []string
	exitDoneCode int
	done         bool
}

// defaultExitDoneCode is the exit status ExternalProducer treats as "no
// more test cases" when module-options omits "exit-done-code".
const defaultExitDoneCode = 2

// NewExternal builds an ExternalProducer from module-options. Recognized
// keys: "command" (required), "args" ([]string), "exit-done-code"
// (default 2).
func NewExternal(options map[string]any) (*ExternalProducer, error) {
	command, _ := options["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("testcase: %w: command is required", pipelineerr.ErrConfig)
	}

	var args []string

	if raw, ok := options["args"].([]any); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				args = append(args, s)
			}
		}
	}

	exitDoneCode := defaultExitDoneCode
	if v, ok := options["exit-done-code"].(int); ok {
		exitDoneCode = v
	}

	return &ExternalProducer{command: command, args: args, exitDoneCode: exitDoneCode}, nil
}

// SupportsParallelism is always false.
func (p *ExternalProducer) SupportsParallelism() bool { return false }

// IsDone reports whether the command has already signaled exhaustion.
func (p *ExternalProducer) IsDone(_ context.Context) (bool, error) {
	return p.done, nil
}

// Next runs the configured command and returns the path it printed.
func (p *ExternalProducer) Next(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, p.command, p.args...)

	var stdout bytes.Buffer

	cmd.Stdout = &stdout

	err := cmd.Run()

	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok && exitErr.ExitCode() == p.exitDoneCode {
		p.done = true

		return "", nil
	}

	if err != nil {
		return "", &pipelineerr.IoError{Op: "run testcase command", Cause: err}
	}

	path := strings.TrimSpace(stdout.String())
	if path == "" {
		return "", fmt.Errorf("testcase: %w: command printed no path", pipelineerr.ErrModuleInternal)
	}

	return path, nil
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}

	*target = ee

	return true
}
