// Package ssh runs task commands and uploads on remote hosts over SSH and
// SFTP, and on the control machine for hosts using the local channel.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/rollout/pkg/model"
)

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Host is the target the operation ran against.
	Host string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	if e.Host != "" {
		return e.Op + " " + e.Host + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// AuthFailure reports whether the host rejected the credentials.
func (e *TransportError) AuthFailure() bool {
	return e.IsAuthError
}

// Client is one SSH connection, optionally through a jump host. It is safe
// for concurrent use: each command runs in its own session.
type Client struct {
	config *Config
	logger zerolog.Logger

	mu          sync.RWMutex
	client      *ssh.Client
	jump        *ssh.Client
	connectedAt time.Time
	done        chan struct{}
}

// NewClient creates a new SSH client. It does not connect.
func NewClient(config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		config: config,
		logger: logger.With().Str("host", config.Host).Logger(),
	}, nil
}

func (c *Client) fail(op string, err error, temporary, auth bool) error {
	return &TransportError{Op: op, Host: c.config.Host, Err: err, IsTemporary: temporary, IsAuthError: auth}
}

// Connect establishes the connection. A live connection is kept.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return nil
		}
		c.logger.Warn().Msg("existing connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return c.fail("connect", err, false, true)
	}

	if c.config.IsProxyEnabled() {
		err = c.connectViaProxy(ctx, clientConfig)
	} else {
		err = c.connectDirect(ctx, clientConfig)
	}
	if err != nil {
		return err
	}

	c.connectedAt = time.Now()
	c.done = make(chan struct{})
	if c.config.KeepAliveInterval > 0 {
		go c.keepAlive(c.client, c.done)
	}
	return nil
}

// dial runs ssh.Dial-like work in the background so ctx can abandon it.
func dial[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}

func (c *Client) connectDirect(ctx context.Context, clientConfig *ssh.ClientConfig) error {
	address := c.config.Address()
	c.logger.Debug().Str("address", address).Msg("establishing SSH connection")

	client, err := dial(ctx, func() (*ssh.Client, error) {
		return ssh.Dial("tcp", address, clientConfig)
	})
	if err != nil {
		return c.fail("connect", err, true, isAuthFailure(err))
	}
	c.client = client
	c.logger.Debug().Str("address", address).Msg("SSH connection established")
	return nil
}

func (c *Client) connectViaProxy(ctx context.Context, targetConfig *ssh.ClientConfig) error {
	jumpConfig, err := c.config.clientConfig(c.config.ProxyUser)
	if err != nil {
		return c.fail("connect-proxy", err, false, true)
	}

	c.logger.Debug().Str("proxy", c.config.ProxyAddress()).Msg("connecting to jump host")
	jump, err := dial(ctx, func() (*ssh.Client, error) {
		return ssh.Dial("tcp", c.config.ProxyAddress(), jumpConfig)
	})
	if err != nil {
		return c.fail("connect-proxy", err, true, isAuthFailure(err))
	}

	targetAddress := c.config.Address()
	client, err := dial(ctx, func() (*ssh.Client, error) {
		conn, err := jump.Dial("tcp", targetAddress)
		if err != nil {
			return nil, err
		}
		ncc, chans, reqs, err := ssh.NewClientConn(conn, targetAddress, targetConfig)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		return ssh.NewClient(ncc, chans, reqs), nil
	})
	if err != nil {
		_ = jump.Close()
		return c.fail("connect-via-proxy", err, true, isAuthFailure(err))
	}

	c.jump = jump
	c.client = client
	c.logger.Debug().Str("proxy", c.config.ProxyAddress()).Msg("SSH connection established via jump host")
	return nil
}

func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	var err error
	if c.client != nil {
		err = c.client.Close()
		c.client = nil
	}
	if c.jump != nil {
		_ = c.jump.Close()
		c.jump = nil
	}
	return err
}

// ConnectedAt is when the current connection was established.
func (c *Client) ConnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectedAt
}

func (c *Client) conn() (*ssh.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, c.fail("session", fmt.Errorf("not connected"), false, false)
	}
	return c.client, nil
}

func (c *Client) keepAlive(client *ssh.Client, done <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			c.logger.Warn().Err(err).Int("retries", retries).Msg("keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				c.logger.Error().Msg("keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		retries = 0
	}
}

// Run executes command and waits for it. A non-zero exit status is not an
// error: it is reported in the result.
func (c *Client) Run(ctx context.Context, command string) (model.CommandResult, error) {
	if c.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	client, err := c.conn()
	if err != nil {
		return model.CommandResult{}, err
	}
	session, err := client.NewSession()
	if err != nil {
		return model.CommandResult{}, c.fail("exec", fmt.Errorf("failed to create session: %w", err), true, false)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	doneChan := make(chan error, 1)
	go func() { doneChan <- session.Run(command) }()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		<-doneChan
		runErr = ctx.Err()
	case runErr = <-doneChan:
	}

	res := model.CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	c.logger.Debug().
		Str("command", command).
		Dur("duration", time.Since(start)).
		Err(runErr).
		Msg("command completed")

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		if ctx.Err() != nil {
			return res, c.fail("exec", runErr, false, false)
		}
		return res, c.fail("exec", runErr, true, false)
	}
	return res, nil
}

// Upload copies the local file to remote over SFTP, creating the remote
// directory and keeping the file mode.
func (c *Client) Upload(ctx context.Context, local, remote string) error {
	src, err := os.Open(local)
	if err != nil {
		return c.fail("upload", fmt.Errorf("failed to open local file: %w", err), false, false)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return c.fail("upload", fmt.Errorf("failed to stat local file: %w", err), false, false)
	}

	client, err := c.conn()
	if err != nil {
		return err
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return c.fail("upload", fmt.Errorf("failed to create SFTP client: %w", err), true, false)
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remote)); err != nil {
		return c.fail("upload", fmt.Errorf("failed to create remote directory: %w", err), false, false)
	}
	dst, err := sftpClient.Create(remote)
	if err != nil {
		return c.fail("upload", fmt.Errorf("failed to create remote file: %w", err), true, false)
	}
	defer dst.Close()

	n, err := copyWithContext(ctx, dst, src)
	if err != nil {
		return c.fail("upload", fmt.Errorf("failed to copy file: %w", err), true, false)
	}
	if err := sftpClient.Chmod(remote, info.Mode().Perm()); err != nil {
		c.logger.Warn().Err(err).Str("remote", remote).Msg("failed to set file permissions")
	}

	c.logger.Debug().
		Str("local", local).
		Str("remote", remote).
		Int64("bytes", n).
		Msg("file uploaded")
	return nil
}

// copyWithContext copies src to dst, checking ctx between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				return written, nil
			}
			return written, err
		}
	}
}
