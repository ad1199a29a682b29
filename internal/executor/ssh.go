package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"imagetest/pkg/errkind"
	"imagetest/pkg/logging"
)

// SSHConfig describes how to reach an SSH target.
type SSHConfig struct {
	// Host is the address in host or host:port form. Port 22 is assumed
	// when omitted.
	Host string
	// User is the login user.
	User string
	// PrivateKeyPEM is the PEM-encoded private key used to authenticate.
	PrivateKeyPEM []byte
	// MaxSessions caps concurrent sessions on the shared connection.
	// Zero means 1, which preserves strict command ordering.
	MaxSessions int
	// ConnectTimeout bounds the TCP/handshake phase.
	ConnectTimeout time.Duration
}

// SSHExecutor runs commands on a remote host over a pooled SSH
// connection. The connection is established lazily on first Execute and
// reused afterwards; the session semaphore enforces the per-target
// session cap.
type SSHExecutor struct {
	cfg      SSHConfig
	sessions chan struct{}

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSH creates an executor for an SSH-reachable host.
func NewSSH(cfg SSHConfig) (*SSHExecutor, error) {
	if cfg.Host == "" {
		return nil, errors.New("ssh executor requires a host")
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	return &SSHExecutor{
		cfg:      cfg,
		sessions: make(chan struct{}, cfg.MaxSessions),
	}, nil
}

// Target identifies the execution target for logging.
func (e *SSHExecutor) Target() string {
	return fmt.Sprintf("ssh://%s@%s", e.cfg.User, e.cfg.Host)
}

// Close tears down the pooled connection.
func (e *SSHExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}

func (e *SSHExecutor) dial() (*ssh.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return e.client, nil
	}

	signer, err := ssh.ParsePrivateKey(e.cfg.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	addr := e.cfg.Host
	if !strings.Contains(addr, ":") {
		addr += ":22"
	}

	clientCfg := &ssh.ClientConfig{
		User: e.cfg.User,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// Targets are freshly booted images with generated host keys, so
		// there is nothing to pin against.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         e.cfg.ConnectTimeout,
	}

	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	e.client = client
	logging.Debug("Executor", "established SSH connection to %s", addr)
	return client, nil
}

// Execute runs the command on the remote host. Only the env supplied in
// the spec is sent to the session; the local environment never crosses
// the wire.
func (e *SSHExecutor) Execute(ctx context.Context, spec Spec) (Result, error) {
	if len(spec.Argv) == 0 {
		return Result{}, errors.New("empty argv")
	}

	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	// Acquire a session slot.
	select {
	case e.sessions <- struct{}{}:
		defer func() { <-e.sessions }()
	case <-runCtx.Done():
		return Result{}, errkind.Wrap(errkind.KindTimeout, runCtx.Err(),
			"waiting for an SSH session slot on %s", e.cfg.Host)
	}

	client, err := e.dial()
	if err != nil {
		return Result{}, err
	}

	session, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("failed to open SSH session: %w", err)
	}
	defer session.Close()

	for k, v := range spec.Env {
		// Setenv failures mean the sshd AcceptEnv list is too narrow;
		// surface them instead of running with a partial environment.
		if err := session.Setenv(k, v); err != nil {
			return Result{}, fmt.Errorf("failed to set env %s on remote session: %w", k, err)
		}
	}
	if spec.Stdin != "" {
		session.Stdin = strings.NewReader(spec.Stdin)
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	command := shellJoin(spec.Argv)
	if spec.Dir != "" {
		command = fmt.Sprintf("cd %s && %s", shellQuote(spec.Dir), command)
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err = <-done:
	case <-runCtx.Done():
		// Force the remote process down with the session.
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		return Result{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
		}, errkind.Wrap(errkind.KindTimeout, runCtx.Err(), "remote command %q did not finish within %v", command, spec.Timeout)
	}

	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return res, err
	}
	return res, nil
}

// shellJoin quotes each argv element so the remote shell sees the same
// word boundaries the caller specified.
func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n\"'`$\\&|;<>(){}[]*?~#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
