// Package sftptransport implements transport.Transport over an SFTP
// session on an SSH connection.
package sftptransport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	xerrors "github.com/schaermu/xsync/internal/errors"
	"github.com/schaermu/xsync/internal/transport"
)

// Options configures a session
type Options struct {
	Host        string
	Port        int
	User        string
	Credentials transport.Credentials
	// KnownHostsFile enables host key verification. When empty any host
	// key is accepted and a warning is logged.
	KnownHostsFile string
	// DialTimeout bounds TCP connect and SSH handshake; 0 means none
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// Transport is an SFTP session
type Transport struct {
	client  *sftp.Client
	closers []func() error
}

// Dial connects, authenticates and opens the SFTP subsystem. Any failure
// is reported as a connection error.
func Dial(ctx context.Context, opts Options) (*Transport, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Credentials == nil {
		return nil, xerrors.NewConnectionError("dial", fmt.Errorf("no credentials configured"))
	}

	hostKeyCallback, err := hostKeyCallback(opts.KnownHostsFile, logger)
	if err != nil {
		return nil, xerrors.NewConnectionError("load known hosts", err)
	}

	methods, closeAuth, err := opts.Credentials.AuthMethods()
	if err != nil {
		return nil, xerrors.NewConnectionError("prepare credentials", err)
	}

	port := opts.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(opts.Host, strconv.Itoa(port))
	config := &ssh.ClientConfig{
		User:            opts.User,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         opts.DialTimeout,
	}

	dialCtx := ctx
	if opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
	}

	logger.Debug("dialing ssh", "addr", addr, "user", opts.User)
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		_ = closeAuth()
		return nil, xerrors.NewConnectionError("dial "+addr, err)
	}

	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		_ = closeAuth()
		return nil, xerrors.NewConnectionError("ssh handshake "+addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		_ = closeAuth()
		return nil, xerrors.NewConnectionError("open sftp subsystem", err)
	}

	logger.Info("connected", "addr", addr, "user", opts.User)
	return newTransport(client, sshClient.Close, closeAuth), nil
}

func newTransport(client *sftp.Client, closers ...func() error) *Transport {
	return &Transport{client: client, closers: closers}
}

func hostKeyCallback(knownHostsFile string, logger *slog.Logger) (ssh.HostKeyCallback, error) {
	if knownHostsFile == "" {
		logger.Warn("host key verification disabled, set remote.known_hosts_file to enable it")
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // explicit opt-out when no known_hosts file is configured
	}
	return knownhosts.New(knownHostsFile)
}

// run executes fn and gives up when ctx ends first. The SFTP client is
// not context aware, so an abandoned call finishes in the background and
// its result is discarded.
func run(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateDirectory implements transport.Transport.
func (t *Transport) CreateDirectory(ctx context.Context, path string) error {
	return run(ctx, func() error {
		err := t.client.Mkdir(path)
		if err == nil {
			return nil
		}
		// Servers report an existing directory as a generic failure, so
		// confirm with a stat before classifying it.
		if info, statErr := t.client.Stat(path); statErr == nil && info.IsDir() {
			return fmt.Errorf("mkdir %s: %w", path, transport.ErrExist)
		}
		return fmt.Errorf("mkdir %s: %w", path, err)
	})
}

// UploadFile implements transport.Transport.
func (t *Transport) UploadFile(ctx context.Context, path string, data []byte, opts transport.UploadOptions) error {
	return run(ctx, func() error {
		f, err := t.client.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			return fmt.Errorf("write %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close %s: %w", path, err)
		}

		if opts.Mode != 0 {
			if err := t.client.Chmod(path, opts.Mode.Perm()); err != nil {
				return fmt.Errorf("chmod %s: %w", path, err)
			}
		}
		if !opts.ModTime.IsZero() {
			if err := t.client.Chtimes(path, opts.ModTime, opts.ModTime); err != nil {
				return fmt.Errorf("chtimes %s: %w", path, err)
			}
		}
		return nil
	})
}

// DownloadFile implements transport.Transport.
func (t *Transport) DownloadFile(ctx context.Context, path string) ([]byte, int64, error) {
	var data []byte
	err := run(ctx, func() error {
		f, err := t.client.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer func() {
			_ = f.Close()
		}()
		data, err = io.ReadAll(f)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return data, int64(len(data)), nil
}

// RemoveFile implements transport.Transport.
func (t *Transport) RemoveFile(ctx context.Context, path string) error {
	return run(ctx, func() error {
		if err := t.client.Remove(path); err != nil {
			return fmt.Errorf("remove %s: %w", path, err)
		}
		return nil
	})
}

// RemoveDirectory implements transport.Transport.
func (t *Transport) RemoveDirectory(ctx context.Context, path string) error {
	return run(ctx, func() error {
		if err := t.client.RemoveDirectory(path); err != nil {
			return fmt.Errorf("rmdir %s: %w", path, err)
		}
		return nil
	})
}

// ListDirectory implements transport.Transport.
func (t *Transport) ListDirectory(ctx context.Context, path string) ([]transport.Entry, error) {
	var entries []transport.Entry
	err := run(ctx, func() error {
		infos, err := t.client.ReadDir(path)
		if err != nil {
			return fmt.Errorf("readdir %s: %w", path, err)
		}
		entries = make([]transport.Entry, 0, len(infos))
		for _, info := range infos {
			entries = append(entries, transport.Entry{Name: info.Name(), IsDir: info.IsDir()})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Close ends the SFTP session and the underlying connection
func (t *Transport) Close() error {
	firstErr := t.client.Close()
	for _, c := range t.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
