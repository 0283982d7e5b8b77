package control

import (
	"context"
	"time"
)

// Controller defines the interface for remote system control
type Controller interface {
	// Close closes the connection
	Close() error

	// Run executes a command on the remote host and returns its stdout
	Run(ctx context.Context, command string) (string, error)

	// GetInstanceName returns the instance name
	GetInstanceName() string
}

// Config defines configuration for creating controllers
type Config struct {
	Host           string
	Port           string // defaults to 22
	User           string
	PrivateKey     string // PEM-encoded private key content (preferred)
	PrivateKeyPath string
	Timeout        time.Duration // how long to wait for the port to open
	SSHTimeout     time.Duration // handshake timeout
	RetryInterval  time.Duration // pause between port checks, defaults to 5s
	InstanceName   string
}

// NewController waits for the host to accept connections and opens an SSH session to it.
func NewController(ctx context.Context, config Config) (Controller, error) {
	return NewSSH(ctx, config)
}

// Probe is the post-ready reachability check: it connects, runs command once
// and closes. The command output is returned for reporting.
func Probe(ctx context.Context, config Config, command string) (string, error) {
	ctrl, err := NewController(ctx, config)
	if err != nil {
		return "", err
	}
	defer safeClose("SSH client", ctrl.Close)

	return ctrl.Run(ctx, command)
}
