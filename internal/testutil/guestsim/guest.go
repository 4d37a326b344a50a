// SPDX-License-Identifier: MPL-2.0

package guestsim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/nixprov/nixprov/internal/guest"
)

const (
	// ConfigDir is the NixOS configuration directory on the simulated guest.
	ConfigDir = "/etc/nixos"
	// StagingDir is the world-writable directory uploads land in.
	StagingDir = "/tmp"
)

type (
	// Guest is a simulated NixOS machine rooted in a temporary directory.
	// Commands are interpreted by mvdan/sh; the handful of external programs
	// the provisioner relies on are implemented in Go.
	//
	// Writes below /etc need elevation, which is granted by the sudo
	// built-in or by guest.ExecOptions.Elevated on the in-process path.
	Guest struct {
		// Root is the host directory that stands in for "/".
		Root string

		// RebuildExit is the exit status of nixos-rebuild.
		RebuildExit int
		// RebuildStdout and RebuildStderr are written by nixos-rebuild.
		RebuildStdout string
		RebuildStderr string
		// SudoDenied makes sudo fail as if a password were required.
		SudoDenied bool
		// Fault, when set, is consulted before every communicator operation
		// ("upload", "execute") and can simulate a dropped channel.
		Fault func(op, arg string) error

		mu          sync.Mutex
		lines       []string
		invocations []Invocation
		uploads     []string
	}

	// Invocation is one call of a built-in program.
	Invocation struct {
		Name     string
		Args     []string
		Elevated bool
		// NixPath is the NIX_PATH visible to the program.
		NixPath string
	}

	elevatedKey struct{}
	envKey      struct{}
)

// New creates a guest with empty /etc/nixos and /tmp directories.
func New(t testing.TB) *Guest {
	t.Helper()

	g := &Guest{Root: t.TempDir()}
	for _, dir := range []string{ConfigDir, StagingDir} {
		if err := os.MkdirAll(g.Path(dir), 0o755); err != nil {
			t.Fatalf("create %s: %v", dir, err)
		}
	}
	return g
}

// Path maps a guest path to the host path backing it.
func (g *Guest) Path(guestPath string) string {
	return filepath.Join(g.Root, filepath.FromSlash(path.Clean("/"+guestPath)))
}

// WriteFile creates a file on the guest.
func (g *Guest) WriteFile(t testing.TB, guestPath, content string) {
	t.Helper()
	p := g.Path(guestPath)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("create parent of %s: %v", guestPath, err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", guestPath, err)
	}
}

// ReadFile returns the content of a guest file and whether it exists.
func (g *Guest) ReadFile(guestPath string) (string, bool) {
	b, err := os.ReadFile(g.Path(guestPath))
	if err != nil {
		return "", false
	}
	return string(b), true
}

// Exists reports whether guestPath exists.
func (g *Guest) Exists(guestPath string) bool {
	_, err := os.Stat(g.Path(guestPath))
	return err == nil
}

// ModTime returns the modification time of guestPath in nanoseconds, or 0.
func (g *Guest) ModTime(guestPath string) int64 {
	fi, err := os.Stat(g.Path(guestPath))
	if err != nil {
		return 0
	}
	return fi.ModTime().UnixNano()
}

// Lines returns the command lines received, in order.
func (g *Guest) Lines() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.lines...)
}

// Invocations returns every built-in call, in order.
func (g *Guest) Invocations() []Invocation {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Invocation(nil), g.invocations...)
}

// Calls returns the invocations of the named built-in.
func (g *Guest) Calls(name string) []Invocation {
	var out []Invocation
	for _, inv := range g.Invocations() {
		if inv.Name == name {
			out = append(out, inv)
		}
	}
	return out
}

// Uploads returns the remote paths written through Upload.
func (g *Guest) Uploads() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.uploads...)
}

// Upload implements guest.Communicator.
func (g *Guest) Upload(ctx context.Context, localPath, remotePath string) error {
	if err := g.fault("upload", remotePath); err != nil {
		return err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return &guest.ChannelError{Op: "upload", Addr: remotePath, Err: err}
	}
	if err := os.WriteFile(g.Path(remotePath), data, 0o644); err != nil {
		return &guest.ChannelError{Op: "upload", Addr: remotePath, Err: err}
	}
	g.mu.Lock()
	g.uploads = append(g.uploads, remotePath)
	g.mu.Unlock()
	return nil
}

// Execute implements guest.Communicator.
func (g *Guest) Execute(ctx context.Context, command string, opts guest.ExecOptions) (int, error) {
	if err := g.fault("execute", command); err != nil {
		return -1, err
	}
	g.record(command)
	if opts.Elevated {
		ctx = context.WithValue(ctx, elevatedKey{}, true)
	}
	stdout := eventWriter{stream: guest.StreamStdout, fn: opts.Stdout}
	stderr := eventWriter{stream: guest.StreamStderr, fn: opts.Stderr}
	return g.Run(ctx, command, nil, stdout, stderr)
}

// Test implements guest.Communicator.
func (g *Guest) Test(ctx context.Context, command string) (bool, error) {
	status, err := g.Execute(ctx, command, guest.ExecOptions{})
	if err != nil {
		return false, err
	}
	return status == 0, nil
}

// Run interprets script and returns its exit status. The error is non-nil
// only when the interpreter itself fails.
func (g *Guest) Run(ctx context.Context, script string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	return g.run(ctx, script, stdin, stdout, stderr, defaultEnv())
}

func (g *Guest) run(ctx context.Context, script string, stdin io.Reader, stdout, stderr io.Writer, env []string) (int, error) {
	file, err := syntax.NewParser().Parse(strings.NewReader(script), "")
	if err != nil {
		fmt.Fprintf(stderr, "sh: %v\n", err)
		return 2, nil
	}

	runner, err := interp.New(
		interp.StdIO(stdin, stdout, stderr),
		interp.Dir(g.Root),
		interp.Env(expand.ListEnviron(env...)),
		interp.OpenHandler(g.open),
		interp.ExecHandlers(func(interp.ExecHandlerFunc) interp.ExecHandlerFunc {
			return g.exec
		}),
	)
	if err != nil {
		return -1, fmt.Errorf("create interpreter: %w", err)
	}

	err = runner.Run(ctx, file)
	var status interp.ExitStatus
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &status):
		return int(status), nil
	default:
		return -1, err
	}
}

func (g *Guest) record(line string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lines = append(g.lines, line)
}

func (g *Guest) fault(op, arg string) error {
	if g.Fault == nil {
		return nil
	}
	if err := g.Fault(op, arg); err != nil {
		return &guest.ChannelError{Op: op, Addr: "guestsim", Err: err}
	}
	return nil
}

// open maps guest paths for redirections such as `cat > /tmp/f`.
func (g *Guest) open(ctx context.Context, p string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if p == "/dev/null" {
		return os.OpenFile(os.DevNull, flag, perm)
	}
	hostPath, guestPath := g.resolve(ctx, p)
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		if err := g.checkWritable(ctx, guestPath); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(hostPath, flag, perm)
}

// resolve returns the host and guest path for p as seen by the running
// interpreter.
func (g *Guest) resolve(ctx context.Context, p string) (hostPath, guestPath string) {
	if !path.IsAbs(p) {
		hc := interp.HandlerCtx(ctx)
		rel, err := filepath.Rel(g.Root, hc.Dir)
		if err != nil {
			rel = "."
		}
		p = path.Join("/", filepath.ToSlash(rel), p)
	}
	guestPath = path.Clean(p)
	return g.Path(guestPath), guestPath
}

func (g *Guest) checkWritable(ctx context.Context, guestPath string) error {
	if guestPath == "/etc" || strings.HasPrefix(guestPath, "/etc/") {
		if !elevated(ctx) {
			return &fs.PathError{Op: "open", Path: guestPath, Err: fs.ErrPermission}
		}
	}
	return nil
}

func elevated(ctx context.Context) bool {
	v, _ := ctx.Value(elevatedKey{}).(bool)
	return v
}

// sudoEnv is what env_reset leaves for the target command.
func sudoEnv() []string {
	return []string{
		"PATH=/run/wrappers/bin:/run/current-system/sw/bin",
		"HOME=/root",
		"USER=root",
	}
}

func defaultEnv() []string {
	return []string{
		"PATH=/run/current-system/sw/bin",
		"HOME=/home/vagrant",
		"NIX_PATH=nixpkgs=/nix/var/nix/profiles/per-user/root/channels/nixos",
	}
}

type eventWriter struct {
	stream guest.StreamKind
	fn     func(guest.Event)
}

func (w eventWriter) Write(p []byte) (int, error) {
	if w.fn != nil && len(p) > 0 {
		w.fn(guest.Event{Stream: w.stream, Data: string(p)})
	}
	return len(p), nil
}
