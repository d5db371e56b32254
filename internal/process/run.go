// ABOUTME: Synchronous command execution for system.run with captured output and a deadline.
// ABOUTME: A non-zero exit is a result, not an error; only failing to start is an error.

package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// DefaultRunTimeout bounds system.run when the caller gives no timeout.
const DefaultRunTimeout = 2 * time.Minute

// RunRequest describes one synchronous execution.
type RunRequest struct {
	Command   []string
	Cwd       string
	Env       map[string]string
	Timeout   time.Duration
	MaxOutput int
}

// RunResult is the captured outcome.
type RunResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	TimedOut bool   `json:"timedOut"`
	Duration int64  `json:"durationMs"`
}

// Run executes req and waits for it to finish or time out.
func Run(ctx context.Context, req RunRequest) (RunResult, error) {
	if len(req.Command) == 0 || req.Command[0] == "" {
		return RunResult{}, ErrEmptyCommand
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := newTailBuffer(req.MaxOutput)
	stderr := newTailBuffer(req.MaxOutput)

	cmd := exec.CommandContext(ctx, req.Command[0], req.Command[1:]...)
	cmd.Dir = req.Cwd
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 2 * time.Second
	if len(req.Env) > 0 {
		cmd.Env = mergeEnv(os.Environ(), req.Env)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return RunResult{}, fmt.Errorf("starting %s: %w", req.Command[0], err)
	}
	err := cmd.Wait()

	res := RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: time.Since(start).Milliseconds(),
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		return res, nil
	}
	if err != nil && ctx.Err() != nil {
		return res, ctx.Err()
	}
	return res, nil
}

func mergeEnv(base []string, overrides map[string]string) []string {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(base)+len(keys))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, overridden := overrides[name]; !overridden {
			out = append(out, kv)
		}
	}
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}
