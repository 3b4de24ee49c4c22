// Package ssh provides the SSH transport the controller uses to reach
// managed servers: it uploads the agent binary over SFTP, starts it,
// and exposes its stdio for the JSON-lines protocol.
package ssh

import (
	"context"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/stevedore-io/stevedore/pkg/agent"
	"github.com/stevedore-io/stevedore/pkg/core"
)

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "upload", "start")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// Transport is a single SSH connection to one server. Each transport
// carries at most one running agent session; the controller dials a
// fresh transport per command.
type Transport struct {
	config *Config

	mu      sync.Mutex
	client  *ssh.Client
	session *ssh.Session
	closed  bool
}

// Factory returns a transport factory that overlays each server's
// connection details onto the given defaults and dials it.
func Factory(defaults *Config) agent.TransportFactory {
	return func(ctx context.Context, server *core.ServerConfig) (agent.Transport, error) {
		cfg := FromServer(server, defaults)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid ssh config for %s: %w", server.Host, err)
		}

		t := &Transport{config: cfg}
		if err := t.connect(ctx); err != nil {
			return nil, err
		}
		return t, nil
	}
}

// connect establishes the SSH connection, directly or via the
// configured jump host.
func (t *Transport) connect(ctx context.Context) error {
	clientConfig, err := t.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{
			Op:          "connect",
			Err:         err,
			IsTemporary: false,
			IsAuthError: true,
		}
	}

	if t.config.IsProxyEnabled() {
		return t.connectViaProxy(clientConfig)
	}
	return t.connectDirect(ctx, clientConfig)
}

func (t *Transport) connectDirect(ctx context.Context, clientConfig *ssh.ClientConfig) error {
	address := t.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	type dialOutcome struct {
		client *ssh.Client
		err    error
	}
	// Unbuffered: when the caller has already given up, the handoff
	// cannot happen and the dial goroutine closes the connection itself.
	dialCh := make(chan dialOutcome)

	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		select {
		case dialCh <- dialOutcome{client: client, err: err}:
		case <-ctx.Done():
			if client != nil {
				_ = client.Close()
			}
		}
	}()

	select {
	case <-ctx.Done():
		return &TransportError{
			Op:          "connect",
			Err:         ctx.Err(),
			IsTemporary: true,
			IsAuthError: false,
		}
	case out := <-dialCh:
		if out.err != nil {
			return &TransportError{
				Op:          "connect",
				Err:         out.err,
				IsTemporary: true,
				IsAuthError: false,
			}
		}
		t.client = out.client
		log.Debug().Str("address", address).Msg("SSH connection established")
		return nil
	}
}

func (t *Transport) connectViaProxy(targetConfig *ssh.ClientConfig) error {
	proxyConfig := &Config{
		Host:                  t.config.ProxyHost,
		Port:                  t.config.ProxyPort,
		User:                  t.config.ProxyUser,
		AuthMethod:            AuthMethodKey,
		PrivateKeyPath:        t.config.ProxyPrivateKeyPath,
		ConnectionTimeout:     t.config.ConnectionTimeout,
		StrictHostKeyChecking: t.config.StrictHostKeyChecking,
		KnownHostsPath:        t.config.KnownHostsPath,
	}

	proxyClientConfig, err := proxyConfig.BuildSSHClientConfig()
	if err != nil {
		return fmt.Errorf("failed to build proxy config: %w", err)
	}

	log.Debug().Str("proxy", proxyConfig.Address()).Msg("connecting to proxy host")

	proxyClient, err := ssh.Dial("tcp", proxyConfig.Address(), proxyClientConfig)
	if err != nil {
		return &TransportError{
			Op:          "connect-proxy",
			Err:         err,
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	targetAddress := t.config.Address()
	proxyConn, err := proxyClient.Dial("tcp", targetAddress)
	if err != nil {
		_ = proxyClient.Close()
		return &TransportError{
			Op:          "connect-via-proxy",
			Err:         err,
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	ncc, chans, reqs, err := ssh.NewClientConn(proxyConn, targetAddress, targetConfig)
	if err != nil {
		_ = proxyConn.Close()
		_ = proxyClient.Close()
		return &TransportError{
			Op:          "connect-via-proxy",
			Err:         err,
			IsTemporary: true,
			IsAuthError: true,
		}
	}

	t.client = ssh.NewClient(ncc, chans, reqs)
	log.Debug().Str("target", targetAddress).Str("proxy", proxyConfig.Address()).Msg("SSH connection established via proxy")
	return nil
}

// Execute starts the agent binary at remotePath and returns its stdio.
func (t *Transport) Execute(ctx context.Context, remotePath string) (io.WriteCloser, io.ReadCloser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil || t.closed {
		return nil, nil, &TransportError{
			Op:  "start",
			Err: fmt.Errorf("not connected"),
		}
	}
	if t.session != nil {
		return nil, nil, &TransportError{
			Op:  "start",
			Err: fmt.Errorf("session already running"),
		}
	}

	session, err := t.client.NewSession()
	if err != nil {
		return nil, nil, &TransportError{
			Op:          "start",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, nil, &TransportError{Op: "start", Err: err}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, nil, &TransportError{Op: "start", Err: err}
	}

	if err := session.Start(remotePath); err != nil {
		_ = session.Close()
		return nil, nil, &TransportError{
			Op:          "start",
			Err:         fmt.Errorf("failed to start agent: %w", err),
			IsTemporary: true,
		}
	}
	t.session = session

	// Kill the remote process if the caller abandons the session.
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Signal(ssh.SIGTERM)
			_ = session.Close()
		case <-stop:
		}
	}()

	return stdin, &sessionStdout{Reader: stdout, stop: stop}, nil
}

// sessionStdout closes the cancellation watcher with the reader.
type sessionStdout struct {
	io.Reader
	stop chan struct{}
	once sync.Once
}

func (s *sessionStdout) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

// Cleanup removes the uploaded agent binary from the server.
func (t *Transport) Cleanup(ctx context.Context, remotePath string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil || t.closed {
		return &TransportError{Op: "cleanup", Err: fmt.Errorf("not connected")}
	}

	session, err := t.client.NewSession()
	if err != nil {
		return &TransportError{
			Op:          "cleanup",
			Err:         err,
			IsTemporary: true,
		}
	}
	defer session.Close()

	if err := session.Run(fmt.Sprintf("rm -f %q", remotePath)); err != nil {
		return &TransportError{Op: "cleanup", Err: err}
	}
	return nil
}

// Close tears down the running session (if any) and the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	if t.session != nil {
		_ = t.session.Signal(ssh.SIGTERM)
		_ = t.session.Close()
		t.session = nil
	}
	if t.client != nil {
		err := t.client.Close()
		t.client = nil
		return err
	}
	return nil
}

// remoteDir returns the directory portion of a remote path, or "" when
// the path has none.
func remoteDir(remotePath string) string {
	dir := path.Dir(remotePath)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}
