package sshexec

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

func TestTargetKey(t *testing.T) {
	target := Target{Host: "192.168.1.101", Port: 22, User: "root"}
	assert.Equal(t, "root@192.168.1.101:22", target.key())
	assert.Equal(t, "192.168.1.101:22", target.addr())

	custom := Target{Host: "pve2", Port: 2222, User: "backup"}
	assert.Equal(t, "backup@pve2:2222", custom.key())
}

func TestResultOK(t *testing.T) {
	assert.True(t, Result{ExitCode: 0}.OK())
	assert.False(t, Result{ExitCode: 1}.OK())
	assert.False(t, Result{ExitCode: -1}.OK())
}

func TestRunUnreadableKey(t *testing.T) {
	pool := NewPool(zap.NewNop())
	defer pool.Close()

	target := Target{
		Host:    "127.0.0.1",
		Port:    22,
		User:    "root",
		KeyPath: "/nonexistent/id_rsa",
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := pool.Run(ctx, target, "true", 0)
	require.Error(t, err)
	assert.Equal(t, -1, res.ExitCode)
	assert.Contains(t, err.Error(), "/nonexistent/id_rsa")
}

func TestFirstWord(t *testing.T) {
	assert.Equal(t, "syncoid", firstWord("syncoid --recursive rpool/data dst"))
	assert.Equal(t, "hostname", firstWord("hostname"))
}

// startTestServer runs a minimal in-process sshd on a loopback port. It
// accepts any public key, feeds exec commands to the handler, and reports
// exit status zero. With oneSessionPerConn set, every session channel after
// the first on a given connection is rejected, which forces the pool down
// its reconnect path on the next command.
func startTestServer(t *testing.T, oneSessionPerConn bool, exec func(cmd string)) string {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			tcp, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				sconn, chans, reqs, err := ssh.NewServerConn(tcp, config)
				if err != nil {
					return
				}
				defer sconn.Close()
				go ssh.DiscardRequests(reqs)

				sessions := 0
				for newCh := range chans {
					if newCh.ChannelType() != "session" {
						newCh.Reject(ssh.UnknownChannelType, "unsupported")
						continue
					}
					sessions++
					if oneSessionPerConn && sessions > 1 {
						newCh.Reject(ssh.Prohibited, "no more sessions")
						continue
					}
					ch, chReqs, err := newCh.Accept()
					if err != nil {
						continue
					}
					go func() {
						defer ch.Close()
						for req := range chReqs {
							if req.Type != "exec" {
								req.Reply(false, nil)
								continue
							}
							var payload struct{ Command string }
							_ = ssh.Unmarshal(req.Payload, &payload)
							req.Reply(true, nil)
							if exec != nil {
								exec(payload.Command)
							}
							ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{Status: 0}))
							return
						}
					}()
				}
			}()
		}
	}()

	return ln.Addr().String()
}

func testServerTarget(t *testing.T, addr string) Target {
	t.Helper()

	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	_, err := GenerateKeypair(keyPath, "pool-test")
	require.NoError(t, err)

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return Target{Host: host, Port: port, User: "root", KeyPath: keyPath}
}

// concurrencyTracker reports the highest number of commands a server saw in
// flight at once.
type concurrencyTracker struct {
	inFlight int32
	max      int32
}

func (c *concurrencyTracker) exec(string) {
	n := atomic.AddInt32(&c.inFlight, 1)
	for {
		m := atomic.LoadInt32(&c.max)
		if n <= m || atomic.CompareAndSwapInt32(&c.max, m, n) {
			break
		}
	}
	time.Sleep(50 * time.Millisecond)
	atomic.AddInt32(&c.inFlight, -1)
}

func TestRunSerializesCommandsPerTarget(t *testing.T) {
	tracker := &concurrencyTracker{}
	addr := startTestServer(t, false, tracker.exec)
	target := testServerTarget(t, addr)

	pool := NewPool(zap.NewNop())
	defer pool.Close()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := pool.Run(context.Background(), target, "true", 10*time.Second)
			assert.NoError(t, err)
			assert.True(t, res.OK())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&tracker.max),
		"commands to one host must never overlap")
}

func TestRunRebuiltConnectionKeepsSerialization(t *testing.T) {
	tracker := &concurrencyTracker{}
	addr := startTestServer(t, true, tracker.exec)
	target := testServerTarget(t, addr)

	pool := NewPool(zap.NewNop())
	defer pool.Close()

	// Uses up the single session the first connection will grant.
	res, err := pool.Run(context.Background(), target, "warm", 10*time.Second)
	require.NoError(t, err)
	require.True(t, res.OK())

	// The next command finds the pooled connection alive but session-refused,
	// drops it and reconnects mid-Run. A second command racing in behind it
	// must still be serialized against the command on the fresh connection.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := pool.Run(context.Background(), target, "slow", 10*time.Second)
		assert.NoError(t, err)
		assert.True(t, res.OK())
	}()

	time.Sleep(20 * time.Millisecond)
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := pool.Run(context.Background(), target, "fast", 10*time.Second)
		assert.NoError(t, err)
		assert.True(t, res.OK())
	}()
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&tracker.max),
		"a command on a rebuilt connection must hold that connection's lock")
}
