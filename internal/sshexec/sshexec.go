// Package sshexec implements C2 Remote Exec: running a single command on a
// Proxmox node, either directly or inside an LXC container via `pct exec`.
//
// ABOUTME: Grounded on cmd/agentlab-ssh-gateway/main.go's use of
// golang.org/x/crypto/ssh: dial per call (no long-lived connection pool),
// open one Session, run one command, collect stdout and stderr separately.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/agentlab/prox-orchd/internal/logging"
)

// NodeCredentials is how sshexec reaches a Proxmox node: host/port plus a
// private key signer. Proxmox nodes are trusted infrastructure the daemon
// already administers, so host keys are accepted permissively rather than
// pinned — this trades MITM protection on the management network for not
// having to provision and rotate known_hosts entries across the cluster.
type NodeCredentials struct {
	Host       string
	Port       int
	User       string
	Signer     ssh.Signer
	DialTimeout time.Duration
}

// Result is the outcome of a remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes commands against Proxmox nodes over SSH.
type Runner struct {
	// Logger receives one debug-level event per command, per spec.md §4.2.
	// The zero value is zerolog's no-op logger, so a bare NewRunner() is
	// still safe to use in tests that don't care about log output.
	Logger zerolog.Logger
	// Redactor scrubs credentials out of the command text before it is
	// logged. A nil Redactor logs commands verbatim.
	Redactor *logging.Redactor
}

// NewRunner returns a Runner with a no-op logger and no redaction. Set
// Logger and Redactor on the returned value to get command logging.
func NewRunner() *Runner {
	return &Runner{Logger: zerolog.Nop()}
}

// ExecOnNode runs command on the node itself (not inside any container).
func (r *Runner) ExecOnNode(ctx context.Context, creds NodeCredentials, command string, timeout time.Duration) (Result, error) {
	return r.run(ctx, creds, command, timeout)
}

// ExecInContainer runs command inside the container lxcID via `pct exec`.
// allowNonzero, when false, turns a nonzero exit code into an error; when
// true the caller inspects Result.ExitCode itself (used by health probes).
func (r *Runner) ExecInContainer(ctx context.Context, creds NodeCredentials, lxcID int, command string, timeout time.Duration, allowNonzero bool) (Result, error) {
	wrapped := fmt.Sprintf("pct exec %d -- sh -c %s", lxcID, shellQuote(command))
	res, err := r.run(ctx, creds, wrapped, timeout)
	if err != nil {
		return res, err
	}
	if !allowNonzero && res.ExitCode != 0 {
		return res, fmt.Errorf("command exited %d in container %d: %s", res.ExitCode, lxcID, strings.TrimSpace(res.Stderr))
	}
	return res, nil
}

func (r *Runner) run(ctx context.Context, creds NodeCredentials, command string, timeout time.Duration) (Result, error) {
	r.Logger.Debug().Str("host", creds.Host).Str("user", creds.User).Str("command", r.Redactor.Redact(command)).Msg("sshexec: running command")

	dialTimeout := creds.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	config := &ssh.ClientConfig{
		User:            creds.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(creds.Signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // trusted management network, see NodeCredentials doc
		Timeout:         dialTimeout,
	}

	port := creds.Port
	if port <= 0 {
		port = 22
	}
	address := net.JoinHostPort(creds.Host, strconv.Itoa(port))

	client, err := ssh.Dial("tcp", address, config)
	if err != nil {
		return Result{}, fmt.Errorf("dial node %s: %w", address, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("open session to %s: %w", address, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(command); err != nil {
		return Result{}, fmt.Errorf("start command on %s: %w", address, err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return Result{}, fmt.Errorf("%w: %v", context.DeadlineExceeded, ctx.Err())
	case <-timer.C:
		_ = session.Signal(ssh.SIGKILL)
		return Result{}, fmt.Errorf("%w: command exceeded %s", context.DeadlineExceeded, timeout)
	case err := <-done:
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode(err)}, nil
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus()
	}
	return 1
}

// shellQuote wraps s in single quotes for sh -c, escaping embedded quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
