package gate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Result of one verification gate invocation. The gate is an opaque
// pass/fail oracle: zero exit means pass, anything else is a fail.
type Result struct {
	Passed   bool
	TimedOut bool
	Output   string
	Duration time.Duration
}

// FatalError marks a gate invocation that could not run at all (the
// command failed to start, as opposed to exiting non-zero). Sessions
// treat this as unrecoverable.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("verification gate could not run: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Runner invokes the configured verification command through a shell.
type Runner struct {
	Timeout time.Duration
	Env     []string
}

// Run executes command under the runner's wall-clock timeout. A timeout
// is a fail outcome rather than an error, kept distinct from a non-zero
// exit via Result.TimedOut. Combined output is captured for the ledger.
func (r Runner) Run(ctx context.Context, command string) (Result, error) {
	if strings.TrimSpace(command) == "" {
		return Result{}, &FatalError{Err: errors.New("empty command")}
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command) // #nosec G204 -- operator-provided verification command
	cmd.Env = append(os.Environ(), r.Env...)
	start := time.Now()
	out, err := cmd.CombinedOutput()
	res := Result{
		Output:   string(out),
		Duration: time.Since(start),
	}
	if ctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		return res, nil
	}
	if err == nil {
		res.Passed = true
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return res, nil
	}
	return res, &FatalError{Err: err}
}

// CompactOutput trims gate output to a ledger-friendly excerpt.
func CompactOutput(output string, maxLines, maxBytes int) string {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return "no output"
	}
	lines := strings.Split(trimmed, "\n")
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	joined := strings.Join(lines, "\n")
	if maxBytes > 0 && len(joined) > maxBytes {
		joined = joined[len(joined)-maxBytes:]
	}
	return joined
}
