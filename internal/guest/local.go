// SPDX-License-Identifier: MPL-2.0

package guest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

type (
	// ExecCommandFunc creates the exec.Cmd for a local command.
	ExecCommandFunc func(ctx context.Context, name string, arg ...string) *exec.Cmd

	// Local is a Communicator for the machine nixprov runs on. It is used
	// when nixprov is invoked on the NixOS guest itself.
	Local struct {
		execCommand ExecCommandFunc
		shell       string
	}

	// LocalOption configures a Local communicator.
	LocalOption func(*Local)
)

// WithExecCommand overrides how commands are spawned.
func WithExecCommand(fn ExecCommandFunc) LocalOption {
	return func(l *Local) {
		l.execCommand = fn
	}
}

// WithShell sets the shell used to interpret commands. Defaults to "sh".
func WithShell(shell string) LocalOption {
	return func(l *Local) {
		l.shell = shell
	}
}

// NewLocal creates a Local communicator.
func NewLocal(opts ...LocalOption) *Local {
	l := &Local{
		execCommand: exec.CommandContext,
		shell:       "sh",
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Upload copies localPath to remotePath.
func (l *Local) Upload(ctx context.Context, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return &ChannelError{Op: "upload", Addr: remotePath, Err: err}
	}
	if err := copyFile(localPath, remotePath); err != nil {
		return &ChannelError{Op: "upload", Addr: remotePath, Err: err}
	}
	return nil
}

// Execute runs command through the shell. Elevated commands go through
// non-interactive sudo.
func (l *Local) Execute(ctx context.Context, command string, opts ExecOptions) (int, error) {
	name, args := l.shell, []string{"-c", command}
	if opts.Elevated {
		name, args = "sudo", []string{"-n", "-E", "-H", l.shell, "-lc", command}
	}

	cmd := l.execCommand(ctx, name, args...)
	cmd.Stdout, cmd.Stderr = outputWriters(opts)

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		return exitErr.ExitCode(), nil
	}
	return -1, &ChannelError{Op: "execute", Addr: name, Err: err}
}

// Test runs command and reports whether it exited with status 0.
func (l *Local) Test(ctx context.Context, command string) (bool, error) {
	status, err := l.Execute(ctx, command, ExecOptions{})
	if err != nil {
		return false, err
	}
	return status == 0, nil
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err = os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	_, err = io.Copy(out, in)
	return err
}
