package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// testSSHServer provides a minimal SSH server with exec and sftp support.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}
}

// newTestSSHServer starts a server on a free local port.
func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, privateKey, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(privateKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}
	go server.serve()
	t.Cleanup(server.close)
	return server
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func exitStatus(channel ssh.Channel, code uint32) {
	channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{code}))
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			ssh.Unmarshal(req.Payload, &payload)
			if req.WantReply {
				req.Reply(true, nil)
			}

			switch payload.Command {
			case "hang":
				// Blocks until the client closes the session.
				continue
			case "echo test":
				channel.Write([]byte("test\n"))
				exitStatus(channel, 0)
			case "echo error >&2":
				channel.Stderr().Write([]byte("error\n"))
				exitStatus(channel, 0)
			case "exit 3":
				exitStatus(channel, 3)
			default:
				channel.Write([]byte("command: " + payload.Command + "\n"))
				exitStatus(channel, 0)
			}
			return

		case "subsystem":
			var payload struct{ Name string }
			ssh.Unmarshal(req.Payload, &payload)
			if payload.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			server.Serve()
			return

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *testSSHServer) close() {
	close(s.done)
	s.listener.Close()
}

// generateTestKey generates a test SSH key pair.
func generateTestKey() (ssh.PublicKey, ssh.Signer, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}
	publicKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}
	return publicKey, signer, nil
}

// parseAddress splits an address into host and port.
func parseAddress(addr string) (string, int) {
	host, portStr, _ := net.SplitHostPort(addr)
	port := 0
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

func passwordConfig(server *testSSHServer) *Config {
	host, port := parseAddress(server.addr)
	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second
	return config
}

func connectedClient(t *testing.T, config *Config) *Client {
	t.Helper()
	client, err := NewClient(config, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, passwordConfig(server))

	first := client.ConnectedAt()
	if first.IsZero() {
		t.Fatal("expected connection time to be set")
	}

	// A live connection is reused.
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("second connect failed: %v", err)
	}
	if !client.ConnectedAt().Equal(first) {
		t.Error("expected existing connection to be kept")
	}

	if err := client.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}
	if _, err := client.Run(context.Background(), "true"); err == nil {
		t.Error("expected error running on a closed client")
	}
}

func TestClientAuthFailure(t *testing.T) {
	server := newTestSSHServer(t)
	config := passwordConfig(server)
	config.Password = "wrong"

	client, err := NewClient(config, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	err = client.Connect(context.Background())

	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !terr.AuthFailure() {
		t.Errorf("expected auth error, got %v", terr)
	}
}

func TestClientKeyBasedAuth(t *testing.T) {
	server := newTestSSHServer(t)
	host, port := parseAddress(server.addr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.PrivateKeyPath = writeTestKey(t, t.TempDir())
	config.StrictHostKeyChecking = false

	client := connectedClient(t, config)
	res, err := client.Run(context.Background(), "echo test")
	if err != nil {
		t.Fatalf("command failed: %v", err)
	}
	if res.Stdout != "test\n" {
		t.Errorf("expected stdout 'test\\n', got %q", res.Stdout)
	}
}

func TestClientRun(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, passwordConfig(server))
	ctx := context.Background()

	tests := []struct {
		command  string
		stdout   string
		stderr   string
		exitCode int
	}{
		{command: "echo test", stdout: "test\n"},
		{command: "echo error >&2", stderr: "error\n"},
		{command: "exit 3", exitCode: 3},
		{command: "systemctl restart shop", stdout: "command: systemctl restart shop\n"},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			res, err := client.Run(ctx, tt.command)
			if err != nil {
				t.Fatalf("command failed: %v", err)
			}
			if res.Stdout != tt.stdout {
				t.Errorf("stdout = %q, want %q", res.Stdout, tt.stdout)
			}
			if res.Stderr != tt.stderr {
				t.Errorf("stderr = %q, want %q", res.Stderr, tt.stderr)
			}
			if res.ExitCode != tt.exitCode {
				t.Errorf("exit code = %d, want %d", res.ExitCode, tt.exitCode)
			}
		})
	}
}

func TestClientRunCancelled(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, passwordConfig(server))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := client.Run(ctx, "hang")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestClientUpload(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, passwordConfig(server))

	local := filepath.Join(t.TempDir(), "shop.conf")
	if err := os.WriteFile(local, []byte("listen 8080\n"), 0o640); err != nil {
		t.Fatal(err)
	}
	remote := filepath.Join(t.TempDir(), "etc", "shop", "shop.conf")

	if err := client.Upload(context.Background(), local, remote); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	data, err := os.ReadFile(remote)
	if err != nil {
		t.Fatalf("failed to read uploaded file: %v", err)
	}
	if string(data) != "listen 8080\n" {
		t.Errorf("unexpected content %q", data)
	}
	info, err := os.Stat(remote)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Errorf("expected mode 0640, got %v", info.Mode().Perm())
	}

	err = client.Upload(context.Background(), filepath.Join(t.TempDir(), "missing"), remote)
	if err == nil || !strings.Contains(err.Error(), "failed to open local file") {
		t.Errorf("expected open error, got %v", err)
	}
}
