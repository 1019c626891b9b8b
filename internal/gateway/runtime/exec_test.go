package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func TestExecutor_CapturesOutputAndExitCode(t *testing.T) {
	e := &Executor{Timeout: 5 * time.Second}

	res, err := e.Run(context.Background(), "sh", "-c", "echo hello; exit 3")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code: %d", res.ExitCode)
	}
	if !strings.Contains(string(res.Output), "hello") {
		t.Fatalf("output: %q", res.Output)
	}
	if res.Truncated {
		t.Fatal("small output must not be truncated")
	}
}

func TestExecutor_TruncatesLargeOutput(t *testing.T) {
	e := &Executor{Timeout: 10 * time.Second}

	res, err := e.Run(context.Background(), "sh", "-c", "head -c 2097152 /dev/zero | tr '\\0' 'x'")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Truncated {
		t.Fatal("2 MiB of output should be truncated")
	}
	if len(res.Output) != maxExecOutput {
		t.Fatalf("output length: %d, want %d", len(res.Output), maxExecOutput)
	}
}

func TestExecutor_TimesOut(t *testing.T) {
	e := &Executor{Timeout: 100 * time.Millisecond}

	_, err := e.Run(context.Background(), "sleep", "5")
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestExecutor_MissingBinary(t *testing.T) {
	e := &Executor{}

	_, err := e.Run(context.Background(), "definitely-not-a-real-binary-xyz")
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestParseState(t *testing.T) {
	cases := map[string]State{
		"running":  StateRunning,
		"Exited":   StateExited,
		"paused":   StatePaused,
		"gibberish": StateUnknown,
	}
	for in, want := range cases {
		if got := parseState(in); got != want {
			t.Errorf("parseState(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestRetryableExecError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"command not found", fmt.Errorf("runtime: exec foo: %w", exec.ErrNotFound), false},
		{"permission denied", fmt.Errorf("runtime: exec foo: %w", os.ErrPermission), false},
		{"transient failure", errors.New("runtime: command docker timed out after 5s"), true},
	}
	for _, tc := range cases {
		if got := retryableExecError(tc.err); got != tc.want {
			t.Errorf("%s: retryableExecError = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestExecutor_DoesNotRetryMissingCommand(t *testing.T) {
	e := &Executor{Timeout: time.Second, Retries: 3}

	start := time.Now()
	_, err := e.Run(context.Background(), "no-such-binary-toolgate")
	if err == nil {
		t.Fatal("expected an error for a missing binary")
	}
	// A retried run would spend at least one 200ms backoff.
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Fatalf("missing command took %v; it must fail without backoff", elapsed)
	}
}
