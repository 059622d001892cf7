// Package execx runs external commands (systemctl, rpm, semanage, ...) behind
// a small interface so every caller can be exercised with a fake in tests.
package execx

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// Runner executes one command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// CommandError is returned when a command exits non-zero or cannot start.
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %v: %s", strings.Join(e.Args, " "), e.Err, e.Output)
}

func (e *CommandError) Unwrap() error { return e.Err }

// ExitCode returns the process exit code, or -1 when the command never ran.
func (e *CommandError) ExitCode() int {
	var exitErr *exec.ExitError
	if errors.As(e.Err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Exec is the real Runner.
type Exec struct{}

func (Exec) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, &CommandError{
			Args:   append([]string{name}, args...),
			Output: strings.TrimSpace(string(out)),
			Err:    err,
		}
	}
	return out, nil
}

// Recorder is a fake Runner that records invocations and answers from a table
// keyed by the joined command line.
type Recorder struct {
	mu      sync.Mutex
	Calls   []string
	Outputs map[string]string
	Errors  map[string]error
}

func NewRecorder() *Recorder {
	return &Recorder{Outputs: map[string]string{}, Errors: map[string]error{}}
}

func (r *Recorder) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	line := strings.Join(append([]string{name}, args...), " ")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, line)
	if err, ok := r.Errors[line]; ok {
		return []byte(r.Outputs[line]), &CommandError{Args: append([]string{name}, args...), Output: r.Outputs[line], Err: err}
	}
	return []byte(r.Outputs[line]), nil
}

// Called reports whether line was executed.
func (r *Recorder) Called(line string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.Calls {
		if c == line {
			return true
		}
	}
	return false
}
