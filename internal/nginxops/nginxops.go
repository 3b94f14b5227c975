// Package nginxops performs nginx config tests and reloads (spec.md §4.2,
// L3 NginxOps). Grounded on the teacher's internal/mikrotik/client.go
// child-process/network wrapper idiom (timeouts, structured result types),
// generalized from a persistent TCP session to short-lived exec.Command
// invocations and to the filesystem-signal alternative spec.md §6 requires
// for unprivileged deployments.
package nginxops

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Result is the outcome of a single nginx operation.
type Result struct {
	OK     bool
	Output string
}

// Status reports the nginx process state as of the last probe.
type Status struct {
	Running bool
	Version string
}

// Ops is the interface ReloadManager and ConfigReconciler depend on. Two
// implementations exist: Direct (shells out with privileges) and
// SignalFile (defers the privileged action to an external watcher process).
type Ops interface {
	Test(ctx context.Context) (Result, error)
	Reload(ctx context.Context) (Result, error)
	StatusProbe(ctx context.Context) (Status, error)
	SafeReload(ctx context.Context) (testResult, reloadResult Result, failedStep string, err error)
}

// Direct shells out to the nginx binary directly (spec.md §4.2).
type Direct struct {
	Binary  string
	Timeout time.Duration
}

// NewDirect constructs a Direct implementation.
func NewDirect(binary string, timeout time.Duration) *Direct {
	return &Direct{Binary: binary, Timeout: timeout}
}

func (d *Direct) run(ctx context.Context, args ...string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.Binary, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := out.String()
	if ctx.Err() == context.DeadlineExceeded {
		return Result{OK: false, Output: output}, fmt.Errorf("nginx %v timed out after %s", args, d.Timeout)
	}
	if err != nil {
		return Result{OK: false, Output: output}, nil
	}
	return Result{OK: true, Output: output}, nil
}

// Test runs `nginx -t`.
func (d *Direct) Test(ctx context.Context) (Result, error) {
	return d.run(ctx, "-t")
}

// Reload runs `nginx -s reload`.
func (d *Direct) Reload(ctx context.Context) (Result, error) {
	return d.run(ctx, "-s", "reload")
}

// StatusProbe reports whether nginx is running, derived from `nginx -v`
// succeeding (a true liveness probe belongs to the external process
// supervisor; this answers "is the binary usable").
func (d *Direct) StatusProbe(ctx context.Context) (Status, error) {
	res, err := d.run(ctx, "-v")
	if err != nil {
		return Status{}, err
	}
	return Status{Running: res.OK, Version: strings.TrimSpace(res.Output)}, nil
}

// SafeReload chains Test then Reload, reporting which step failed (spec.md
// §4.2).
func (d *Direct) SafeReload(ctx context.Context) (Result, Result, string, error) {
	return safeReload(ctx, d)
}

func safeReload(ctx context.Context, ops Ops) (Result, Result, string, error) {
	testResult, err := ops.Test(ctx)
	if err != nil {
		return testResult, Result{}, "test", err
	}
	if !testResult.OK {
		return testResult, Result{}, "test", nil
	}
	reloadResult, err := ops.Reload(ctx)
	if err != nil {
		return testResult, reloadResult, "reload", err
	}
	if !reloadResult.OK {
		return testResult, reloadResult, "reload", nil
	}
	return testResult, reloadResult, "", nil
}

// SignalFile defers the privileged nginx operation to an external watcher
// process: it writes an ASCII command into SignalPath and polls ResultPath
// (spec.md §4.2, §6).
type SignalFile struct {
	SignalPath     string
	TestResultPath string
	ReloadResultPath string
	PollEvery      time.Duration
	Timeout        time.Duration
}

// NewSignalFile constructs a SignalFile implementation.
func NewSignalFile(signalPath, testResultPath, reloadResultPath string, pollEvery, timeout time.Duration) *SignalFile {
	return &SignalFile{
		SignalPath:       signalPath,
		TestResultPath:   testResultPath,
		ReloadResultPath: reloadResultPath,
		PollEvery:        pollEvery,
		Timeout:          timeout,
	}
}

func (s *SignalFile) writeSignal(command string) error {
	tmp := s.SignalPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(command), 0o644); err != nil {
		return fmt.Errorf("write signal temp file: %w", err)
	}
	return os.Rename(tmp, s.SignalPath)
}

func (s *SignalFile) pollResult(ctx context.Context, resultPath string) (Result, error) {
	// Best-effort clear so a stale result from a previous cycle is never
	// mistaken for this one's.
	_ = os.Remove(resultPath)

	deadline := time.Now().Add(s.Timeout)
	ticker := time.NewTicker(s.PollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
			data, err := os.ReadFile(resultPath)
			if err == nil {
				content := strings.TrimSpace(string(data))
				ok := strings.HasPrefix(content, "OK")
				return Result{OK: ok, Output: tailLines(content, 10)}, nil
			}
			if time.Now().After(deadline) {
				return Result{}, fmt.Errorf("timed out after %s waiting for %s", s.Timeout, resultPath)
			}
		}
	}
}

// Test writes a "test" signal and waits for the result file.
func (s *SignalFile) Test(ctx context.Context) (Result, error) {
	if err := s.writeSignal("test"); err != nil {
		return Result{}, err
	}
	return s.pollResult(ctx, s.TestResultPath)
}

// Reload writes a "reload" signal and waits for the result file.
func (s *SignalFile) Reload(ctx context.Context) (Result, error) {
	if err := s.writeSignal("reload"); err != nil {
		return Result{}, err
	}
	return s.pollResult(ctx, s.ReloadResultPath)
}

// StatusProbe has no signal-file equivalent; the watcher never reports
// liveness on its own, so this always reports unknown-but-assumed-running.
func (s *SignalFile) StatusProbe(ctx context.Context) (Status, error) {
	return Status{Running: true, Version: "unknown (signal-file mode)"}, nil
}

// SafeReload chains Test then Reload.
func (s *SignalFile) SafeReload(ctx context.Context) (Result, Result, string, error) {
	return safeReload(ctx, s)
}

func tailLines(content string, n int) string {
	scanner := bufio.NewScanner(strings.NewReader(content))
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
