package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/toolgate/toolgate/common/retry"
)

// maxExecOutput caps captured command output.
const maxExecOutput = 1 << 20 // 1 MiB

// ErrOutputTruncated is joined into the result when a command produced more
// output than the cap.
var ErrOutputTruncated = errors.New("runtime: command output truncated")

// ExecResult captures one command run.
type ExecResult struct {
	Command  string
	ExitCode int
	Output   []byte
	Duration time.Duration
	// Truncated is set when Output hit the cap.
	Truncated bool
}

// Executor runs host commands for health checks and diagnostics collection.
// Commands always run under a deadline and never inherit an unbounded
// output pipe.
type Executor struct {
	// Timeout bounds one attempt.  Zero means 30 seconds.
	Timeout time.Duration
	// Retries re-runs commands that look transiently failed (non-zero exit
	// from a killed process, not a clean failure).  Zero disables retries.
	Retries int
}

// retryableExecError decides whether a failed command run is worth another
// attempt.  Missing binaries and permission problems never heal on retry;
// everything else (timeouts, transient I/O) may.
func retryableExecError(err error) bool {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrPermission) {
		return false
	}
	return true
}

// capWriter stops accepting bytes past the limit instead of failing the
// command.
type capWriter struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (w *capWriter) Write(p []byte) (int, error) {
	if w.buf.Len() >= w.limit {
		w.truncated = true
		return len(p), nil
	}
	if room := w.limit - w.buf.Len(); len(p) > room {
		w.buf.Write(p[:room])
		w.truncated = true
		return len(p), nil
	}
	return w.buf.Write(p)
}

// Run executes "name args..." capturing combined output.  A non-zero exit
// is not an error; callers inspect ExitCode.  Errors mean the command never
// ran or was killed by the deadline.
func (e *Executor) Run(ctx context.Context, name string, args ...string) (*ExecResult, error) {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var res *ExecResult
	attempt := func(ctx context.Context) error {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		w := &capWriter{limit: maxExecOutput}
		cmd := exec.CommandContext(runCtx, name, args...)
		cmd.Stdout = w
		cmd.Stderr = w

		start := time.Now()
		err := cmd.Run()
		elapsed := time.Since(start)

		var exitErr *exec.ExitError
		switch {
		case err == nil:
			// fallthrough to result below
		case errors.As(err, &exitErr):
			// Command ran and exited non-zero; that's a result, unless
			// the deadline killed it.
			if runCtx.Err() != nil {
				return fmt.Errorf("runtime: command %s timed out after %s", name, timeout)
			}
		default:
			return fmt.Errorf("runtime: exec %s: %w", name, err)
		}

		res = &ExecResult{
			Command:   name + " " + strings.Join(args, " "),
			ExitCode:  cmd.ProcessState.ExitCode(),
			Output:    w.buf.Bytes(),
			Duration:  elapsed,
			Truncated: w.truncated,
		}
		return nil
	}

	if e.Retries <= 0 {
		if err := attempt(ctx); err != nil {
			return nil, err
		}
		return res, nil
	}

	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  e.Retries + 1,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		ShouldRetry:  retryableExecError,
	}, func() error { return attempt(ctx) })
	if err != nil {
		return nil, err
	}
	return res, nil
}
