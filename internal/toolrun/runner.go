// Package toolrun runs the external post-processing tools: the conda
// environment check, E2VID reconstruction, rosbag creation and kalibr.
package toolrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Logger defines the interface for debug logging.
type Logger interface {
	Debugf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}

// ExitError is returned when a command ran and exited non-zero.
type ExitError struct {
	Command string
	Code    int
	Output  string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Command, e.Code)
}

// ExitCode returns the exit code carried by err, 0 for nil and -1 when the
// command never ran.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return -1
}

// Runner executes commands on the local machine.
type Runner struct {
	DryRun bool
	Logger Logger
	// Output, when set, also receives the combined output as it is produced.
	Output io.Writer
}

// NewRunner creates a runner.
func NewRunner(dryRun bool) *Runner {
	return &Runner{DryRun: dryRun, Logger: nopLogger{}}
}

// SetLogger sets the debug logger for the runner.
func (r *Runner) SetLogger(logger Logger) {
	if logger != nil {
		r.Logger = logger
	}
}

// CommandLine renders name and args the way they would be typed.
func CommandLine(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	for _, a := range append([]string{name}, args...) {
		if a == "" || strings.ContainsAny(a, " \t\"'") {
			a = fmt.Sprintf("%q", a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// Run executes name with args and returns the combined output. A non-zero
// exit is reported as *ExitError.
func (r *Runner) Run(ctx context.Context, name string, args ...string) (string, error) {
	line := CommandLine(name, args...)
	if r.DryRun {
		return fmt.Sprintf("[DRY-RUN] Would execute: %s", line), nil
	}
	r.logger().Debugf("Executing: %s", line)

	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	var w io.Writer = &buf
	if r.Output != nil {
		w = io.MultiWriter(&buf, r.Output)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	err := cmd.Run()
	out := buf.String()
	if err == nil {
		return out, nil
	}
	r.logger().Debugf("Command failed: %v, output: %s", err, out)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return out, &ExitError{Command: line, Code: exitErr.ExitCode(), Output: out}
	}
	return out, fmt.Errorf("failed to run %s: %w", line, err)
}

func (r *Runner) logger() Logger {
	if r.Logger == nil {
		return nopLogger{}
	}
	return r.Logger
}
