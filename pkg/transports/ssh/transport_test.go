package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/stevedore-io/stevedore/pkg/core"
)

func TestTransportError(t *testing.T) {
	inner := errors.New("connection refused")
	err := &TransportError{Op: "connect", Err: inner, IsTemporary: true}

	if err.Error() != "connect: connection refused" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, inner) {
		t.Error("Unwrap() does not expose the inner error")
	}
	if !err.Temporary() {
		t.Error("Temporary() = false")
	}
}

func TestFactoryRejectsInvalidConfig(t *testing.T) {
	defaults := DefaultConfig("", "")
	factory := Factory(defaults)

	_, err := factory(context.Background(), &core.ServerConfig{Host: "srv.example.com"})
	if err == nil {
		t.Fatal("factory with no user succeeded")
	}
	if !strings.Contains(err.Error(), "user is required") {
		t.Errorf("error = %v", err)
	}
}

func TestFactoryConnectFailure(t *testing.T) {
	defaults := DefaultConfig("", "deploy")
	defaults.AuthMethod = AuthMethodPassword
	defaults.Password = "secret"
	defaults.StrictHostKeyChecking = false
	defaults.ConnectionTimeout = 200 * time.Millisecond

	factory := Factory(defaults)

	// Reserved TEST-NET address, nothing listens there.
	_, err := factory(context.Background(), &core.ServerConfig{Host: "192.0.2.1", Port: 2222})
	if err == nil {
		t.Fatal("factory against unreachable host succeeded")
	}

	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("error = %T, want *TransportError", err)
	}
	if !terr.Temporary() {
		t.Error("connect failure should be temporary")
	}
}

func TestConnectDirectClosesAbandonedDial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	signer, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		t.Fatalf("NewSignerFromKey() error = %v", err)
	}
	serverConf := &ssh.ServerConfig{NoClientAuth: true}
	serverConf.AddHostKey(signer)

	// The server goroutine returns once the client side closes the
	// connection it handed to an already-cancelled caller.
	var handshakeErr error
	serverGone := make(chan struct{})
	go func() {
		defer close(serverGone)
		conn, err := ln.Accept()
		if err != nil {
			handshakeErr = err
			return
		}
		sconn, chans, reqs, err := ssh.NewServerConn(conn, serverConf)
		if err != nil {
			handshakeErr = err
			_ = conn.Close()
			return
		}
		go ssh.DiscardRequests(reqs)
		go func() {
			for ch := range chans {
				_ = ch.Reject(ssh.Prohibited, "test server")
			}
		}()
		_ = sconn.Wait()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr := &Transport{config: &Config{
		Host: "127.0.0.1",
		Port: ln.Addr().(*net.TCPAddr).Port,
	}}
	err = tr.connectDirect(ctx, &ssh.ClientConfig{
		User:            "tester",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})

	var terr *TransportError
	if !errors.As(err, &terr) || !errors.Is(err, context.Canceled) {
		t.Fatalf("connectDirect() error = %v, want cancelled transport error", err)
	}
	if tr.client != nil {
		t.Error("transport kept a client despite cancellation")
	}

	select {
	case <-serverGone:
		if handshakeErr != nil {
			t.Fatalf("server side handshake failed: %v", handshakeErr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("abandoned ssh connection was never closed")
	}
}

func TestExecuteWithoutConnection(t *testing.T) {
	tr := &Transport{config: DefaultConfig("example.com", "deploy")}
	if _, _, err := tr.Execute(context.Background(), "/tmp/agent"); err == nil {
		t.Error("Execute() without connection succeeded")
	}
	if err := tr.Cleanup(context.Background(), "/tmp/agent"); err == nil {
		t.Error("Cleanup() without connection succeeded")
	}
}

func TestCloseIdempotent(t *testing.T) {
	tr := &Transport{config: DefaultConfig("example.com", "deploy")}
	if err := tr.Close(); err != nil {
		t.Errorf("first Close() error = %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestRemoteDir(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/opt/stevedore/agent", "/opt/stevedore"},
		{"/agent", ""},
		{"agent", ""},
	}
	for _, tt := range tests {
		if got := remoteDir(tt.path); got != tt.want {
			t.Errorf("remoteDir(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
