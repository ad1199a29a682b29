package executor

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"imagetest/pkg/errkind"
	"imagetest/pkg/logging"
)

// Local executes commands on the local host.
type Local struct{}

// NewLocal creates an executor for the local shell.
func NewLocal() *Local {
	return &Local{}
}

// Target identifies the execution target for logging.
func (l *Local) Target() string { return "local" }

// Close is a no-op; the local executor holds no connections.
func (l *Local) Close() error { return nil }

// Execute runs the command locally. On timeout the whole process group
// is killed so no children are orphaned.
func (l *Local) Execute(ctx context.Context, spec Spec) (Result, error) {
	if len(spec.Argv) == 0 {
		return Result{}, errors.New("empty argv")
	}

	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = flattenEnv(spec.Env)
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	configureProcAttr(cmd)
	cmd.Cancel = func() error {
		// Kill the whole group; children of the command must not outlive it.
		return killProcessGroup(cmd.Process.Pid, syscall.SIGKILL)
	}

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		if runCtx.Err() != nil {
			logging.Warn("Executor", "command %q exceeded its bound after %v", spec.Argv[0], res.Duration)
			return res, errkind.Wrap(errkind.KindTimeout, runCtx.Err(),
				"command %q did not finish within %v", strings.Join(spec.Argv, " "), spec.Timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}

	res.ExitCode = 0
	return res, nil
}
