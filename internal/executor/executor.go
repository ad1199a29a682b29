// Package executor runs commands against scenario targets: the local
// shell, an SSH-reachable host, or a freshly booted image.
//
// Execution is environment-scoped: only the environment supplied in the
// Spec reaches the child process. Cloud credentials flow through this
// path, so nothing ambient is forwarded unless a caller lists it
// explicitly. A command that exits non-zero is not an error at this
// layer; the step assertion layer decides what outcome was expected.
package executor

import (
	"context"
	"fmt"
	"time"
)

// Spec describes a single command invocation.
type Spec struct {
	// Argv is the command and its arguments. Argv[0] is the program.
	Argv []string
	// Env is the complete environment for the child process. The
	// executor's own environment is never forwarded implicitly.
	Env map[string]string
	// Dir is the working directory. Empty means the executor's default.
	Dir string
	// Stdin is written to the process's standard input when non-empty.
	Stdin string
	// Timeout bounds the command. Zero means no bound beyond ctx.
	Timeout time.Duration
}

// Result captures the outcome of a command invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Executor runs commands against one target.
//
// Concurrent calls against different targets are independent. An
// implementation that pools connections to the same target guarantees
// at most its configured number of concurrent sessions.
type Executor interface {
	// Execute runs the command described by spec. A non-zero exit code is
	// reported through Result, not through the error. The error is
	// non-nil only when the command could not run or exceeded its
	// timeout, in which case it carries errkind.Timeout.
	Execute(ctx context.Context, spec Spec) (Result, error)
	// Target identifies the execution target for logging.
	Target() string
	// Close releases any pooled connections.
	Close() error
}

// flattenEnv converts an environment map to the KEY=VALUE form expected
// by os/exec and SSH sessions.
func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return []string{}
	}
	flat := make([]string, 0, len(env))
	for k, v := range env {
		flat = append(flat, fmt.Sprintf("%s=%s", k, v))
	}
	return flat
}
