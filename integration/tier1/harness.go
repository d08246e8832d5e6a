//go:build integration

package tier1

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	testUser       = "deploy"
	testPassword   = "s3cret"
	defaultTimeout = 5 * time.Minute
)

// Harness runs an in-process SSH server with an SFTP subsystem rooted at a
// temporary directory and a freshly built xsync binary to drive against it.
type Harness struct {
	t *testing.T

	// RemoteRoot is the directory the SFTP server serves
	RemoteRoot string
	// KeyFile is a client private key accepted by the server
	KeyFile string
	// KnownHostsFile pins the server host key
	KnownHostsFile string
	// PasswordFile holds testPassword
	PasswordFile string

	binary   string
	workDir  string
	listener net.Listener
	hostKey  ssh.Signer
	clientPK ssh.PublicKey
	wg       stdsync.WaitGroup
}

// NewHarness creates a harness with fresh host and client keys
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	work := t.TempDir()
	h := &Harness{
		t:          t,
		workDir:    work,
		RemoteRoot: filepath.Join(work, "remote"),
	}
	if err := os.MkdirAll(h.RemoteRoot, 0o755); err != nil {
		t.Fatalf("create remote root: %v", err)
	}

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	h.hostKey, err = ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	h.clientPK, err = ssh.NewPublicKey(clientPub)
	if err != nil {
		t.Fatalf("client public key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(clientPriv, "xsync-tier1")
	if err != nil {
		t.Fatalf("marshal client key: %v", err)
	}
	h.KeyFile = filepath.Join(work, "id_ed25519")
	if err := os.WriteFile(h.KeyFile, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write client key: %v", err)
	}

	h.PasswordFile = filepath.Join(work, "password")
	if err := os.WriteFile(h.PasswordFile, []byte(testPassword+"\n"), 0o600); err != nil {
		t.Fatalf("write password file: %v", err)
	}
	return h
}

// BuildBinary compiles cmd/xsync into the harness work directory
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := findProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.binary = filepath.Join(h.workDir, "xsync")
	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/xsync")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	h.t.Logf("Binary built at %s", h.binary)
	return nil
}

// StartServer listens on a loopback port and writes the known_hosts file
func (h *Harness) StartServer() error {
	h.t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	h.listener = ln

	h.KnownHostsFile = filepath.Join(h.workDir, "known_hosts")
	line := knownhosts.Line([]string{ln.Addr().String()}, h.hostKey.PublicKey())
	if err := os.WriteFile(h.KnownHostsFile, []byte(line+"\n"), 0o600); err != nil {
		return fmt.Errorf("write known_hosts: %w", err)
	}

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if meta.User() == testUser && bytes.Equal(key.Marshal(), h.clientPK.Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key for %s", meta.User())
		},
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if meta.User() == testUser && string(password) == testPassword {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %s", meta.User())
		},
	}
	config.AddHostKey(h.hostKey)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			h.wg.Add(1)
			go func() {
				defer h.wg.Done()
				h.serveConn(conn, config)
			}()
		}
	}()

	h.t.Logf("SFTP server listening on %s serving %s", ln.Addr(), h.RemoteRoot)
	return nil
}

func (h *Harness) serveConn(conn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		_ = conn.Close()
		return
	}
	defer func() {
		_ = sshConn.Close()
	}()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go h.serveSession(ch, requests)
	}
}

func (h *Harness) serveSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer func() {
		_ = ch.Close()
	}()
	for req := range requests {
		var payload struct{ Name string }
		if req.Type != "subsystem" || ssh.Unmarshal(req.Payload, &payload) != nil || payload.Name != "sftp" {
			_ = req.Reply(false, nil)
			continue
		}
		_ = req.Reply(true, nil)

		server, err := sftp.NewServer(ch, sftp.WithServerWorkingDirectory(h.RemoteRoot))
		if err != nil {
			return
		}
		if err := server.Serve(); err != nil && !errors.Is(err, io.EOF) {
			h.t.Logf("sftp server: %v", err)
		}
		_ = server.Close()
		return
	}
}

// Host and Port of the running server
func (h *Harness) Host() string {
	return h.listener.Addr().(*net.TCPAddr).IP.String()
}

func (h *Harness) Port() int {
	return h.listener.Addr().(*net.TCPAddr).Port
}

// Cleanup stops the server
func (h *Harness) Cleanup() {
	h.t.Helper()
	if h.listener == nil {
		return
	}
	_ = h.listener.Close()
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		h.t.Log("Warning: ssh sessions still open after cleanup")
	}
}

// WriteConfig writes an xsync config for the running server and returns
// its path. auth is "key" or "password".
func (h *Harness) WriteConfig(auth string) string {
	h.t.Helper()
	secret := fmt.Sprintf("  key_file: %s\n", h.KeyFile)
	if auth == "password" {
		secret = fmt.Sprintf("  password_file: %s\n", h.PasswordFile)
	}
	content := fmt.Sprintf(`remote:
  host: %s
  port: %d
  user: %s
  known_hosts_file: %s
auth:
  method: %s
%shistory:
  path: %s
`, h.Host(), h.Port(), testUser, h.KnownHostsFile, auth, secret,
		filepath.Join(h.workDir, "history.db"))

	path := filepath.Join(h.workDir, "config-"+auth+".yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
	return path
}

// Run executes the built binary and returns its output and exit code
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()
	if h.binary == "" {
		return "", "", 0, fmt.Errorf("binary not built")
	}

	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Env = append(os.Environ(), "HOME="+h.workDir)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes the binary and fails the test if it exits non-zero
func (h *Harness) MustRun(ctx context.Context, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("run failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout
}

// RemoteFile reads a file below RemoteRoot
func (h *Harness) RemoteFile(rel string) (string, error) {
	data, err := os.ReadFile(filepath.Join(h.RemoteRoot, filepath.FromSlash(rel)))
	return string(data), err
}

// RemoteExists reports whether rel exists below RemoteRoot
func (h *Harness) RemoteExists(rel string) bool {
	_, err := os.Stat(filepath.Join(h.RemoteRoot, filepath.FromSlash(rel)))
	return err == nil
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)

// findProjectRoot walks up the directory tree from the current file to find go.mod
func findProjectRoot() (string, error) {
	// Get the directory of this source file
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}

	dir := filepath.Dir(filename)

	// Walk up the directory tree looking for go.mod
	for {
		goModPath := filepath.Join(dir, "go.mod")
		if _, err := os.Stat(goModPath); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached the root without finding go.mod
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}
