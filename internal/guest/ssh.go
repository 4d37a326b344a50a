// SPDX-License-Identifier: MPL-2.0

package guest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"
	"mvdan.cc/sh/v3/syntax"
)

const (
	// DefaultConnectAttempts is the number of dial attempts before giving up.
	DefaultConnectAttempts = 3
	// DefaultConnectBackoff is the wait after the first failed dial. It doubles
	// with every further attempt.
	DefaultConnectBackoff = 500 * time.Millisecond
	// DefaultDialTimeout bounds a single TCP connect plus SSH handshake.
	DefaultDialTimeout = 15 * time.Second

	// ElevatePrefix runs a quoted command as root. -E keeps the caller's
	// environment, -H gives root its own HOME and the login shell reads
	// the system profile.
	ElevatePrefix = "sudo -n -E -H sh -lc"
)

type (
	// SSHConfig describes how to reach the guest.
	SSHConfig struct {
		Host     string
		Port     int
		User     string
		Password string
		// PrivateKeyPath is a PEM/OpenSSH private key. Encrypted keys need
		// Passphrase or an interactive terminal.
		PrivateKeyPath string
		// KnownHostsPath enables host key verification. Empty accepts any key,
		// which matches how development VMs are usually reached.
		KnownHostsPath  string
		ConnectAttempts int
		ConnectBackoff  time.Duration
		DialTimeout     time.Duration
		// Passphrase returns the passphrase for an encrypted key. When nil the
		// operator is prompted if stdin is a terminal.
		Passphrase func() ([]byte, error)
	}

	// SSH is a Communicator over an SSH connection.
	SSH struct {
		client *ssh.Client
		addr   string
		logger *log.Logger
	}
)

// Addr returns host:port.
func (c SSHConfig) Addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// DialSSH connects to the guest, retrying transient network failures with
// exponential backoff. Authentication and host key failures are not retried.
func DialSSH(ctx context.Context, cfg SSHConfig, logger *log.Logger) (*SSH, error) {
	clientCfg, err := clientConfig(cfg)
	if err != nil {
		return nil, err
	}

	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = DefaultConnectAttempts
	}
	backoff := cfg.ConnectBackoff
	if backoff <= 0 {
		backoff = DefaultConnectBackoff
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	addr := cfg.Addr()
	var client *ssh.Client
	err = RetryWithBackoff(ctx, attempts, backoff, func(attempt int) (bool, error) {
		logger.Debug("dialing guest", "addr", addr, "attempt", attempt+1)
		c, dialErr := dial(ctx, addr, clientCfg, timeout)
		if dialErr != nil {
			if isPermanentDialError(dialErr) {
				return false, dialErr
			}
			logger.Debug("dial failed", "addr", addr, "err", dialErr)
			return true, dialErr
		}
		client = c
		return false, nil
	})
	if err != nil {
		if isAuthError(err) {
			err = fmt.Errorf("%w: %w", ErrAuthentication, err)
		}
		return nil, &ChannelError{Op: "connect", Addr: addr, Err: err}
	}

	return &SSH{client: client, addr: addr, logger: logger}, nil
}

// NewSSH wraps an established client.
func NewSSH(client *ssh.Client, logger *log.Logger) *SSH {
	return &SSH{client: client, addr: client.RemoteAddr().String(), logger: logger}
}

// Close closes the connection.
func (s *SSH) Close() error {
	return s.client.Close()
}

// Upload streams localPath into remotePath with `cat`.
func (s *SSH) Upload(ctx context.Context, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return &ChannelError{Op: "upload", Addr: remotePath, Err: err}
	}
	defer f.Close()

	target, err := syntax.Quote(remotePath, syntax.LangPOSIX)
	if err != nil {
		return &ChannelError{Op: "upload", Addr: remotePath, Err: err}
	}

	var stderr strings.Builder
	status, err := s.run(ctx, "cat > "+target, f, ExecOptions{
		Stderr: func(e Event) { stderr.WriteString(e.Data) },
	})
	if err != nil {
		return err
	}
	if status != 0 {
		return &ChannelError{
			Op:   "upload",
			Addr: remotePath,
			Err:  fmt.Errorf("remote cat exited with status %d: %s", status, strings.TrimSpace(stderr.String())),
		}
	}
	return nil
}

// Execute runs command on the guest. Elevated commands run through
// non-interactive sudo so a missing sudoers rule fails instead of hanging.
// The caller's environment is kept and root's login profile is read, so
// NIX_PATH survives sudo's env_reset.
func (s *SSH) Execute(ctx context.Context, command string, opts ExecOptions) (int, error) {
	if opts.Elevated {
		quoted, err := syntax.Quote(command, syntax.LangPOSIX)
		if err != nil {
			return -1, &ChannelError{Op: "execute", Addr: s.addr, Err: err}
		}
		command = ElevatePrefix + " " + quoted
	}
	return s.run(ctx, command, nil, opts)
}

// Test runs command and reports whether it exited with status 0.
func (s *SSH) Test(ctx context.Context, command string) (bool, error) {
	status, err := s.Execute(ctx, command, ExecOptions{})
	if err != nil {
		return false, err
	}
	return status == 0, nil
}

func (s *SSH) run(ctx context.Context, command string, stdin io.Reader, opts ExecOptions) (int, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return -1, &ChannelError{Op: "open session", Addr: s.addr, Err: err}
	}
	defer sess.Close()

	sess.Stdin = stdin
	sess.Stdout, sess.Stderr = outputWriters(opts)

	s.logger.Debug("executing", "addr", s.addr, "command", command)
	if err := sess.Start(command); err != nil {
		return -1, &ChannelError{Op: "start command", Addr: s.addr, Err: err}
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		<-done
		return -1, &ChannelError{Op: "execute", Addr: s.addr, Err: ctx.Err()}
	case err = <-done:
	}

	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, &ChannelError{Op: "execute", Addr: s.addr, Err: err}
}

func dial(ctx context.Context, addr string, cfg *ssh.ClientConfig, timeout time.Duration) (*ssh.Client, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func clientConfig(cfg SSHConfig) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if cfg.PrivateKeyPath != "" {
		signer, err := loadSigner(cfg.PrivateKeyPath, cfg.Passphrase)
		if err != nil {
			return nil, &ChannelError{Op: "load private key", Addr: cfg.PrivateKeyPath, Err: err}
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, &ChannelError{
			Op:   "connect",
			Addr: cfg.Addr(),
			Err:  fmt.Errorf("%w: no password or private key configured", ErrAuthentication),
		}
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // development VMs regenerate host keys
	if cfg.KnownHostsPath != "" {
		cb, err := knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, &ChannelError{Op: "load known_hosts", Addr: cfg.KnownHostsPath, Err: err}
		}
		hostKeyCallback = cb
	}

	user := cfg.User
	if user == "" {
		user = "vagrant"
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
	}, nil
}

func loadSigner(path string, passphrase func() ([]byte, error)) (ssh.Signer, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(pemBytes)
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return signer, err
	}

	if passphrase == nil {
		passphrase = promptPassphrase(path)
	}
	pass, err := passphrase()
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	return ssh.ParsePrivateKeyWithPassphrase(pemBytes, pass)
}

func promptPassphrase(path string) func() ([]byte, error) {
	return func() ([]byte, error) {
		fd := int(os.Stdin.Fd()) //nolint:gosec // file descriptors fit in int
		if !term.IsTerminal(fd) {
			return nil, errors.New("private key is encrypted and stdin is not a terminal")
		}
		fmt.Fprintf(os.Stderr, "Enter passphrase for %s: ", path)
		defer fmt.Fprintln(os.Stderr)
		return term.ReadPassword(fd)
	}
}

func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

func isPermanentDialError(err error) bool {
	if isAuthError(err) {
		return true
	}
	var keyErr *knownhosts.KeyError
	return errors.As(err, &keyErr)
}
