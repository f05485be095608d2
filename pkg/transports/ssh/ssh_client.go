package ssh

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// SSHClient implements the Transport interface over a single SSH connection.
type SSHClient struct {
	config *Config

	client      *ssh.Client
	jump        *ssh.Client
	connMu      sync.RWMutex
	isConnected bool
	connectedAt time.Time
	lastUsedAt  time.Time

	stopKeepAlive chan struct{}
}

var _ Transport = (*SSHClient)(nil)

// NewSSHClient creates a new SSH transport client.
func NewSSHClient(config *Config) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &SSHClient{
		config: config,
	}, nil
}

// Connect establishes an SSH connection to the remote host.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.isConnected && c.client != nil {
		return nil
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{
			Op:          "connect",
			Err:         err,
			IsAuthError: true,
		}
	}

	address := c.config.Address()
	log.Debug().Str("address", address).Str("jump", c.config.JumpHost).Msg("establishing SSH connection")

	type dialResult struct {
		client *ssh.Client
		jump   *ssh.Client
		err    error
	}
	resultCh := make(chan dialResult, 1)

	go func() {
		client, jump, err := c.dial(clientConfig)
		resultCh <- dialResult{client: client, jump: jump, err: err}
	}()

	select {
	case <-ctx.Done():
		// The dial goroutine still owns its result; close whatever it produces.
		go func() {
			r := <-resultCh
			if r.client != nil {
				_ = r.client.Close()
			}
			if r.jump != nil {
				_ = r.jump.Close()
			}
		}()
		return &TransportError{
			Op:            "connect",
			Err:           ctx.Err(),
			IsTemporary:   true,
			IsUnreachable: true,
		}
	case r := <-resultCh:
		if r.err != nil {
			return classifyDialError(r.err)
		}

		c.client = r.client
		c.jump = r.jump
		c.isConnected = true
		c.connectedAt = time.Now()
		c.lastUsedAt = c.connectedAt

		if c.config.KeepAliveInterval > 0 {
			c.stopKeepAlive = make(chan struct{})
			go c.keepAlive(c.client, c.stopKeepAlive)
		}

		log.Info().Str("address", address).Msg("SSH connection established")
		return nil
	}
}

// dial connects directly or through the configured jump host.
func (c *SSHClient) dial(clientConfig *ssh.ClientConfig) (*ssh.Client, *ssh.Client, error) {
	if c.config.JumpHost == "" {
		client, err := ssh.Dial("tcp", c.config.Address(), clientConfig)
		return client, nil, err
	}

	jump, err := ssh.Dial("tcp", c.config.JumpHost, clientConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("jump host %s: %w", c.config.JumpHost, err)
	}

	conn, err := jump.Dial("tcp", c.config.Address())
	if err != nil {
		_ = jump.Close()
		return nil, nil, err
	}

	ncc, chans, reqs, err := ssh.NewClientConn(conn, c.config.Address(), clientConfig)
	if err != nil {
		_ = conn.Close()
		_ = jump.Close()
		return nil, nil, err
	}

	return ssh.NewClient(ncc, chans, reqs), jump, nil
}

// classifyDialError separates credential and host key rejections from
// reachability failures.
func classifyDialError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return &TransportError{
			Op:          "connect",
			Err:         err,
			IsAuthError: true,
		}
	}

	if strings.Contains(msg, "knownhosts") || strings.Contains(msg, "host key") {
		return &TransportError{
			Op:  "connect",
			Err: err,
		}
	}

	return &TransportError{
		Op:            "connect",
		Err:           err,
		IsTemporary:   true,
		IsUnreachable: true,
	}
}

// Disconnect closes the SSH connection and releases all resources.
func (c *SSHClient) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil
	}

	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")

	if c.stopKeepAlive != nil {
		close(c.stopKeepAlive)
		c.stopKeepAlive = nil
	}

	err := c.client.Close()
	if c.jump != nil {
		_ = c.jump.Close()
		c.jump = nil
	}
	c.client = nil
	c.isConnected = false

	// A device that rebooted underneath us yields a closed-connection error here
	if err != nil && !IsUnreachable(err) {
		return &TransportError{
			Op:  "disconnect",
			Err: err,
		}
	}

	return nil
}

// IsConnected returns true if the transport has an active connection.
func (c *SSHClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.isConnected
}

// keepAlive sends periodic keep-alive requests and marks the connection dead
// after too many consecutive failures.
func (c *SSHClient) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		if err == nil {
			retries = 0
			c.connMu.Lock()
			c.lastUsedAt = time.Now()
			c.connMu.Unlock()
			continue
		}

		retries++
		log.Warn().Err(err).Int("retries", retries).Str("host", c.config.Host).Msg("keep-alive failed")
		if retries >= c.config.MaxKeepAliveRetries {
			log.Error().Str("host", c.config.Host).Msg("keep-alive failed too many times, marking connection dead")
			c.connMu.Lock()
			c.isConnected = false
			c.connMu.Unlock()
			return
		}
	}
}

// GetConnectionInfo returns information about the current connection.
func (c *SSHClient) GetConnectionInfo() ConnectionInfo {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
	}
}

// getClient returns the underlying SSH client for executor and file transfer use.
func (c *SSHClient) getClient() (*ssh.Client, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil, &TransportError{
			Op:            "get-client",
			Err:           fmt.Errorf("not connected"),
			IsUnreachable: true,
		}
	}

	c.lastUsedAt = time.Now()
	return c.client, nil
}
