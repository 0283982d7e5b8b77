package control

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	sshkeys "droplift/internal/ssh"

	"golang.org/x/crypto/ssh"
)

// startSSHServer accepts public key auth for authorizedKey and answers every
// exec request with "ran: <command>".
func startSSHServer(t *testing.T, authorizedKey string) string {
	t.Helper()

	allowed, _, _, _, err := ssh.ParseAuthorizedKey([]byte(authorizedKey))
	if err != nil {
		t.Fatalf("failed to parse authorized key: %v", err)
	}

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("failed to create host signer: %v", err)
	}

	serverConfig := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) == string(allowed.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown public key")
		},
	}
	serverConfig.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, serverConfig)
		}
	}()

	return listener.Addr().String()
}

func serveConn(conn net.Conn, config *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		// plain TCP probes end up here
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "only sessions")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go func() {
			for req := range requests {
				if req.Type != "exec" || len(req.Payload) < 4 {
					req.Reply(false, nil)
					continue
				}
				n := binary.BigEndian.Uint32(req.Payload[:4])
				command := string(req.Payload[4 : 4+n])
				req.Reply(true, nil)

				ch.Write([]byte("ran: " + command + "\n"))
				ch.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
				ch.Close()
			}
		}()
	}
}

func TestProbeRunsCommand(t *testing.T) {
	kp, err := sshkeys.GetOrGenerateKeyPair(t.TempDir())
	if err != nil {
		t.Fatalf("GetOrGenerateKeyPair() error = %v", err)
	}
	addr := startSSHServer(t, kp.PublicKey)
	host, port, _ := net.SplitHostPort(addr)

	out, err := Probe(context.Background(), Config{
		Host:           host,
		Port:           port,
		User:           "droplift",
		PrivateKeyPath: kp.PrivateKeyPath,
		Timeout:        5 * time.Second,
		SSHTimeout:     5 * time.Second,
		RetryInterval:  10 * time.Millisecond,
		InstanceName:   "droplift-test",
	}, "uname -a")
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if strings.TrimSpace(out) != "ran: uname -a" {
		t.Errorf("Probe() output = %q", out)
	}
}

func TestNewSSHRejectsMissingKey(t *testing.T) {
	_, err := NewSSH(context.Background(), Config{Host: "127.0.0.1"})
	if err == nil || !strings.Contains(err.Error(), "PrivateKey") {
		t.Errorf("NewSSH() error = %v, want missing key error", err)
	}
}

func TestNewSSHRejectsBadKey(t *testing.T) {
	_, err := NewSSH(context.Background(), Config{Host: "127.0.0.1", PrivateKey: "not a key"})
	if err == nil || !strings.Contains(err.Error(), "failed to parse private key") {
		t.Errorf("NewSSH() error = %v, want parse error", err)
	}
}

func TestWaitForPort(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer listener.Close()

	if err := WaitForPort(context.Background(), listener.Addr().String(), time.Second, 10*time.Millisecond); err != nil {
		t.Errorf("WaitForPort() on open port error = %v", err)
	}
}

func TestWaitForPortTimesOut(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	start := time.Now()
	err = WaitForPort(context.Background(), addr, 100*time.Millisecond, 20*time.Millisecond)
	if err == nil {
		t.Fatal("WaitForPort() on closed port expected error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("WaitForPort() took %s, want about 100ms", elapsed)
	}
}

func TestSSH_GetInstanceName(t *testing.T) {
	s := &SSH{host: "test-host", user: "test-user", instanceName: "test-instance-123"}

	if got := s.GetInstanceName(); got != "test-instance-123" {
		t.Errorf("Expected instance name 'test-instance-123', got '%s'", got)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() without client error = %v", err)
	}
}

func TestEscapeNewlines(t *testing.T) {
	if got := escapeNewlines("a\nb"); got != `a\nb` {
		t.Errorf("escapeNewlines() = %q", got)
	}
}
