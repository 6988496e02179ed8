// Package sshexec runs commands on managed nodes over SSH. Connections are
// pooled per target and reused across commands; a dead connection is detected
// on checkout and rebuilt transparently. All remote work in the server goes
// through this package, so a node is never hammered by parallel sessions:
// the pool serializes commands per target.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// dialTimeout bounds the TCP+handshake phase of a new connection.
const dialTimeout = 10 * time.Second

// Target identifies a remote endpoint and the key used to reach it.
type Target struct {
	Host    string
	Port    int
	User    string
	KeyPath string
}

// key returns the pool map key. Two targets with the same user, host and
// port share one connection regardless of which node record produced them.
func (t Target) key() string {
	return fmt.Sprintf("%s@%s:%d", t.User, t.Host, t.Port)
}

// addr returns the dialable host:port address.
func (t Target) addr() string {
	return net.JoinHostPort(t.Host, fmt.Sprintf("%d", t.Port))
}

// Result carries the outcome of one remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// OK reports whether the command exited zero.
func (r Result) OK() bool {
	return r.ExitCode == 0
}

// conn wraps one live SSH client. The mutex serializes commands so only one
// session per target is in flight at a time.
type conn struct {
	mu     sync.Mutex
	client *ssh.Client
}

// Pool manages SSH connections to the fleet.
type Pool struct {
	log *zap.Logger

	mu    sync.Mutex
	conns map[string]*conn
}

// NewPool returns an empty connection pool.
func NewPool(log *zap.Logger) *Pool {
	return &Pool{
		log:   log,
		conns: make(map[string]*conn),
	}
}

// Run executes a command on the target and returns its output and exit code.
// A non-zero exit is not an error: callers inspect Result.ExitCode. The
// returned error is reserved for transport problems (cannot connect, key
// unreadable, session torn down), in which case ExitCode is -1.
//
// timeout bounds the command itself; zero means no limit beyond ctx.
func (p *Pool) Run(ctx context.Context, t Target, command string, timeout time.Duration) (Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c, err := p.checkout(t)
	if err != nil {
		return Result{ExitCode: -1}, err
	}

	c.mu.Lock()
	session, err := c.client.NewSession()
	if err != nil {
		// The connection died between checkout and use. Rebuild once and
		// move the per-target lock to the replacement, so the command still
		// runs under the mutex of the connection it executes on.
		c.mu.Unlock()
		p.drop(t)
		if c, err = p.checkout(t); err != nil {
			return Result{ExitCode: -1}, err
		}
		c.mu.Lock()
		if session, err = c.client.NewSession(); err != nil {
			c.mu.Unlock()
			return Result{ExitCode: -1}, fmt.Errorf("sshexec: session to %s: %w", t.key(), err)
		}
	}
	defer c.mu.Unlock()
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		// Closing the session unblocks Run; the remote process is killed
		// when the channel closes.
		session.Close()
		<-done
		p.log.Warn("ssh command timed out",
			zap.String("target", t.key()),
			zap.String("command", firstWord(command)),
			zap.Duration("elapsed", time.Since(start)))
		return Result{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: -1,
			Duration: time.Since(start),
		}, fmt.Errorf("sshexec: command on %s: %w", t.key(), ctx.Err())

	case runErr := <-done:
		res := Result{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: 0,
			Duration: time.Since(start),
		}
		if runErr != nil {
			var exitErr *ssh.ExitError
			if errors.As(runErr, &exitErr) {
				res.ExitCode = exitErr.ExitStatus()
			} else {
				res.ExitCode = -1
				return res, fmt.Errorf("sshexec: command on %s: %w", t.key(), runErr)
			}
		}
		return res, nil
	}
}

// TestConnection verifies that the target is reachable and returns the remote
// hostname. Used by the node test endpoint and the health poller.
func (p *Pool) TestConnection(ctx context.Context, t Target) (string, error) {
	res, err := p.Run(ctx, t, "echo 'OK' && hostname", 10*time.Second)
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", fmt.Errorf("sshexec: connection test on %s failed: %s", t.key(), strings.TrimSpace(res.Stderr))
	}
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	hostname := lines[len(lines)-1]
	return strings.TrimSpace(hostname), nil
}

// CheckTool looks for an installed binary and returns its version output.
// Used for sanoid and syncoid installation checks.
func (p *Pool) CheckTool(ctx context.Context, t Target, tool string) (installed bool, version string, err error) {
	res, err := p.Run(ctx, t, fmt.Sprintf("which %s && %s --version", tool, tool), 15*time.Second)
	if err != nil {
		return false, "", err
	}
	if !res.OK() {
		return false, "", nil
	}
	// First line is the binary path, the rest is version output.
	lines := strings.SplitN(strings.TrimSpace(res.Stdout), "\n", 2)
	if len(lines) == 2 {
		version = strings.TrimSpace(lines[1])
	}
	return true, version, nil
}

// checkout returns a live connection for the target, dialing if needed. A
// pooled connection is liveness-checked with a keepalive before reuse.
func (p *Pool) checkout(t Target) (*conn, error) {
	p.mu.Lock()
	c, ok := p.conns[t.key()]
	p.mu.Unlock()

	if ok {
		if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return c, nil
		}
		p.log.Debug("pooled ssh connection dead, reconnecting", zap.String("target", t.key()))
		p.drop(t)
	}

	client, err := dial(t)
	if err != nil {
		return nil, err
	}

	c = &conn{client: client}
	p.mu.Lock()
	// Another goroutine may have dialed concurrently; keep the first one.
	if existing, ok := p.conns[t.key()]; ok {
		p.mu.Unlock()
		client.Close()
		return existing, nil
	}
	p.conns[t.key()] = c
	p.mu.Unlock()

	p.log.Debug("ssh connection established", zap.String("target", t.key()))
	return c, nil
}

// drop removes and closes the pooled connection for a target.
func (p *Pool) drop(t Target) {
	p.mu.Lock()
	c, ok := p.conns[t.key()]
	if ok {
		delete(p.conns, t.key())
	}
	p.mu.Unlock()
	if ok {
		c.client.Close()
	}
}

// Close tears down every pooled connection. Called on shutdown.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, c := range p.conns {
		c.client.Close()
		delete(p.conns, key)
	}
}

// dial opens a new authenticated connection to the target.
func dial(t Target) (*ssh.Client, error) {
	keyData, err := os.ReadFile(t.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("sshexec: read key %s: %w", t.KeyPath, err)
	}

	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("sshexec: parse key %s: %w", t.KeyPath, err)
	}

	cfg := &ssh.ClientConfig{
		User: t.User,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// Nodes are provisioned by the operator on a trusted network; host
		// keys rotate when nodes are reinstalled, so pinning them here would
		// break replication on every rebuild.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	client, err := ssh.Dial("tcp", t.addr(), cfg)
	if err != nil {
		return nil, fmt.Errorf("sshexec: dial %s: %w", t.key(), err)
	}
	return client, nil
}

// firstWord returns the leading token of a command line, for log labels that
// must not leak full command arguments.
func firstWord(command string) string {
	if i := strings.IndexByte(command, ' '); i > 0 {
		return command[:i]
	}
	return command
}
