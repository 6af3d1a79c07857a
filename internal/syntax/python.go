// Package syntax compile-checks patched source files without running them.
package syntax

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"evvosfix/internal/util"
)

// Checker validates that the file at path parses.
type Checker interface {
	Check(ctx context.Context, path string) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, path string) error

func (f CheckerFunc) Check(ctx context.Context, path string) error { return f(ctx, path) }

// compile() instead of py_compile: nothing is written to __pycache__ next to the target.
const compileScript = `import sys
src = open(sys.argv[1], "rb").read()
compile(src, sys.argv[1], "exec")
`

// Python compiles a file with the system interpreter.
type Python struct {
	Interpreter string
	Timeout     time.Duration
}

// NewPython returns a checker using interpreter (default python3).
func NewPython(interpreter string, timeout time.Duration) *Python {
	if interpreter == "" {
		interpreter = "python3"
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Python{Interpreter: interpreter, Timeout: timeout}
}

func (p *Python) Check(ctx context.Context, path string) error {
	bin, err := exec.LookPath(p.Interpreter)
	if err != nil {
		return fmt.Errorf("python interpreter %q: %w", p.Interpreter, err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "-c", compileScript, path)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("compile %s: timed out after %s", path, p.Timeout)
		}
		msg := util.Tail(stderr.String(), 4)
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("compile %s: %s", path, msg)
	}
	return nil
}
