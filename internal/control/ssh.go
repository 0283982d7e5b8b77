package control

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"droplift/internal/logging"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const (
	defaultSSHPort       = "22"
	defaultRetryInterval = 5 * time.Second
	dialTimeout          = 5 * time.Second
)

// SSH is a connection to a freshly provisioned instance.
type SSH struct {
	client       *ssh.Client
	host         string
	user         string
	instanceName string
}

// escapeNewlines escapes newline characters for proper log formatting
func escapeNewlines(s string) string {
	return strings.ReplaceAll(s, "\n", "\\n")
}

// safeClose safely closes a resource and logs any errors
func safeClose(name string, closer func() error) {
	if err := closer(); err != nil {
		logging.Logger().Warn("failed to close resource",
			zap.String("resource", name),
			zap.Error(err))
	}
}

// NewSSH waits for the SSH port and connects with public key auth.
func NewSSH(ctx context.Context, config Config) (*SSH, error) {
	signer, err := loadSigner(config)
	if err != nil {
		return nil, err
	}

	port := config.Port
	if port == "" {
		port = defaultSSHPort
	}
	addr := net.JoinHostPort(config.Host, port)

	interval := config.RetryInterval
	if interval <= 0 {
		interval = defaultRetryInterval
	}
	if err := WaitForPort(ctx, addr, config.Timeout, interval); err != nil {
		return nil, fmt.Errorf("SSH not available: %w", err)
	}

	clientConfig := &ssh.ClientConfig{
		User:            config.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // host key is unknown for a new instance
		Timeout:         config.SSHTimeout,
	}

	client, err := ssh.Dial("tcp", addr, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to dial SSH: %w", err)
	}

	logging.Logger().Info("SSH connection established",
		zap.String("user", config.User),
		zap.String("host", config.Host),
		zap.String("instance_name", config.InstanceName))

	return &SSH{
		client:       client,
		host:         config.Host,
		user:         config.User,
		instanceName: config.InstanceName,
	}, nil
}

// Close closes the SSH connection
func (s *SSH) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// GetInstanceName returns the instance name
func (s *SSH) GetInstanceName() string {
	return s.instanceName
}

// Run executes a command on the remote host. The session is closed when ctx ends.
func (s *SSH) Run(ctx context.Context, command string) (string, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	defer safeClose("SSH session", session.Close)

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	logging.Logger().Debug("Executing command",
		zap.String("command", logging.Truncate(command)),
		zap.String("host", s.host),
		zap.String("instance_name", s.instanceName))

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Close()
		return "", ctx.Err()
	case err = <-done:
	}

	logging.Logger().Info("Command executed",
		zap.String("command", logging.Truncate(command)),
		zap.String("host", s.host),
		zap.String("instance_name", s.instanceName),
		zap.String("stdout", escapeNewlines(logging.Truncate(stdout.String()))),
		zap.String("stderr", escapeNewlines(logging.Truncate(stderr.String()))),
		zap.Bool("success", err == nil))

	if err != nil {
		return stdout.String(), fmt.Errorf("command %q failed: %w", command, err)
	}
	return stdout.String(), nil
}

// WaitForPort dials addr until it accepts a TCP connection, timeout elapses
// or ctx ends. A zero timeout waits until ctx ends.
func WaitForPort(ctx context.Context, addr string, timeout, interval time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			if closeErr := conn.Close(); closeErr != nil {
				logging.Logger().Debug("failed to close connection test",
					zap.String("addr", addr),
					zap.Error(closeErr))
			}
			return nil
		}
		logging.Logger().Debug("port not reachable yet", zap.String("addr", addr), zap.Error(err))

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("port %s not reachable after %v: %w", addr, timeout, ctx.Err())
		case <-timer.C:
		}
	}
}

func loadSigner(config Config) (ssh.Signer, error) {
	switch {
	case config.PrivateKey != "":
		return parsePrivateKey(config.PrivateKey)
	case config.PrivateKeyPath != "":
		return loadPrivateKeyFromFile(config.PrivateKeyPath)
	default:
		return nil, fmt.Errorf("either PrivateKey or PrivateKeyPath must be provided")
	}
}

// parsePrivateKey parses SSH private key from PEM-encoded string
func parsePrivateKey(privateKeyPEM string) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return signer, nil
}

// loadPrivateKeyFromFile loads SSH private key from file
func loadPrivateKeyFromFile(privateKeyPath string) (ssh.Signer, error) {
	keyBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	return parsePrivateKey(string(keyBytes))
}
