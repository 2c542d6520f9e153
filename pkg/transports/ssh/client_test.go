package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/pkgsmoke/pkgsmoke/pkg/telemetry"
)

// testSSHServer provides a minimal SSH server for testing.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}
}

// newTestSSHServer creates a new test SSH server.
func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, hostKey, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "root" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			// Accept any public key for testing
			return nil, nil
		},
	}
	config.AddHostKey(hostKey)

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

	return server
}

func (s *testSSHServer) serve() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

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

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			command := string(req.Payload[4:]) // Skip the length prefix

			if req.WantReply {
				req.Reply(true, nil)
			}

			switch command {
			case "true":
				channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
			case "echo test":
				channel.Write([]byte("test\n"))
				channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
			case "echo error >&2":
				channel.Stderr().Write([]byte("error\n"))
				channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
			case "pkgutil -y -i CSWbogus":
				channel.Write([]byte("=> Installing CSWbogus-1.0 (1/1)\n"))
				channel.Stderr().Write([]byte("ERROR: could not download\n"))
				channel.SendRequest("exit-status", false, []byte{0, 0, 0, 1})
			case "exit 3":
				channel.SendRequest("exit-status", false, []byte{0, 0, 0, 3})
			default:
				channel.Write([]byte("command: " + command + "\n"))
				channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
			}

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

func testClient(t *testing.T, server *testSSHServer, opts ...ClientOption) *Client {
	t.Helper()

	host, port := parseAddress(server.addr)

	config := DefaultConfig(host, "root")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.ConnectionTimeout = 5 * time.Second

	client, err := NewClient(config, opts...)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect() })

	return client
}

func TestClientConnectDisconnect(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := testClient(t, server)

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}

	if err := client.Disconnect(); err != nil {
		t.Errorf("disconnect failed: %v", err)
	}

	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}
}

func TestClientRun(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := testClient(t, server)
	ctx := context.Background()

	tests := []struct {
		name       string
		command    string
		wantOutput string
		wantStatus int
	}{
		{
			name:       "successful command",
			command:    "echo test",
			wantOutput: "test",
			wantStatus: 0,
		},
		{
			name:       "stderr folded into output",
			command:    "echo error >&2",
			wantOutput: "error",
			wantStatus: 0,
		},
		{
			name:       "non-zero exit is not an error",
			command:    "exit 3",
			wantOutput: "",
			wantStatus: 3,
		},
		{
			name:       "failed install keeps diagnostics",
			command:    "pkgutil -y -i CSWbogus",
			wantOutput: "=> Installing CSWbogus-1.0 (1/1)\nERROR: could not download",
			wantStatus: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := client.Run(ctx, tt.command)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}

			if result.Output != tt.wantOutput {
				t.Errorf("output = %q, want %q", result.Output, tt.wantOutput)
			}
			if result.ExitStatus != tt.wantStatus {
				t.Errorf("exit status = %d, want %d", result.ExitStatus, tt.wantStatus)
			}
		})
	}
}

func TestClientRunRecordsMetrics(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "pkgsmoke"})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	client := testClient(t, server, WithClientMetrics(metrics))
	ctx := context.Background()

	if _, err := client.Run(ctx, "echo test"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := client.Run(ctx, "exit 3"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`pkgsmoke_remote_commands_total{status="success"} 1`,
		`pkgsmoke_remote_commands_total{status="failure"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestClientRunNotConnected(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	host, port := parseAddress(server.addr)
	config := DefaultConfig(host, "root")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	_, err = client.Run(context.Background(), "echo test")
	if err == nil {
		t.Fatal("expected error when not connected")
	}

	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %T", err)
	}
	if !terr.Temporary() {
		t.Error("expected a temporary error")
	}
}

func TestClientKeyBasedAuth(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	host, port := parseAddress(server.addr)

	tmpDir := t.TempDir()
	keyPath := filepath.Join(tmpDir, "test_key")

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}

	config := DefaultConfig(host, "root")
	config.Port = port
	config.PrivateKeyPath = keyPath

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect with key auth: %v", err)
	}
	defer client.Disconnect()

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
	}{
		{
			name:        "password auth ok",
			mutate:      func(c *Config) {},
			expectError: false,
		},
		{
			name:        "missing host",
			mutate:      func(c *Config) { c.Host = "" },
			expectError: true,
		},
		{
			name:        "bad port",
			mutate:      func(c *Config) { c.Port = 70000 },
			expectError: true,
		},
		{
			name:        "missing user",
			mutate:      func(c *Config) { c.User = "" },
			expectError: true,
		},
		{
			name: "key auth without key path",
			mutate: func(c *Config) {
				c.AuthMethod = AuthMethodKey
				c.Password = ""
			},
			expectError: true,
		},
		{
			name:        "zero command timeout",
			mutate:      func(c *Config) { c.CommandTimeout = 0 },
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("192.0.2.10", "root")
			config.AuthMethod = AuthMethodPassword
			config.Password = "secret"
			tt.mutate(config)

			err := config.Validate()
			if tt.expectError && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

// parseAddress splits an address into host and port.
func parseAddress(addr string) (string, int) {
	host, portStr, _ := net.SplitHostPort(addr)
	port := 0
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}
