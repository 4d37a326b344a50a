// SPDX-License-Identifier: MPL-2.0

package guest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
)

type (
	// mockCommandRecorder captures spawned commands and replaces them with
	// the TestHelperProcess of this test binary.
	mockCommandRecorder struct {
		mu          sync.Mutex
		invocations [][]string
		exitCode    int
		stdout      string
		stderr      string
	}
)

func (m *mockCommandRecorder) commandFunc() ExecCommandFunc {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		m.mu.Lock()
		m.invocations = append(m.invocations, append([]string{name}, args...))
		m.mu.Unlock()

		cs := append([]string{"-test.run=TestHelperProcess", "--", name}, args...)
		//nolint:gosec // TestHelperProcess is a test-only pattern
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = []string{
			"GO_WANT_HELPER_PROCESS=1",
			"GO_HELPER_EXIT_CODE=" + strconv.Itoa(m.exitCode),
			"GO_HELPER_STDOUT=" + m.stdout,
			"GO_HELPER_STDERR=" + m.stderr,
		}
		return cmd
	}
}

func (m *mockCommandRecorder) last() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.invocations) == 0 {
		return nil
	}
	return m.invocations[len(m.invocations)-1]
}

// TestHelperProcess is not a real test. It stands in for the shell when
// invoked by mockCommandRecorder.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	fmt.Fprint(os.Stdout, os.Getenv("GO_HELPER_STDOUT"))
	fmt.Fprint(os.Stderr, os.Getenv("GO_HELPER_STDERR"))

	exitCode, _ := strconv.Atoi(os.Getenv("GO_HELPER_EXIT_CODE"))
	os.Exit(exitCode)
}

func TestLocal_Execute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		command    string
		opts       ExecOptions
		exitCode   int
		wantArgv   []string
		wantStatus int
	}{
		{
			name:       "plain",
			command:    "find /etc/nixos -maxdepth 1",
			wantArgv:   []string{"sh", "-c", "find /etc/nixos -maxdepth 1"},
			wantStatus: 0,
		},
		{
			name:       "elevated",
			command:    "nixos-rebuild switch",
			opts:       ExecOptions{Elevated: true},
			wantArgv:   []string{"sudo", "-n", "-E", "-H", "sh", "-lc", "nixos-rebuild switch"},
			wantStatus: 0,
		},
		{
			name:       "non-zero exit is a status, not an error",
			command:    "cmp --silent /tmp/a /etc/nixos/a",
			exitCode:   1,
			wantArgv:   []string{"sh", "-c", "cmp --silent /tmp/a /etc/nixos/a"},
			wantStatus: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := &mockCommandRecorder{exitCode: tt.exitCode}
			l := NewLocal(WithExecCommand(rec.commandFunc()))

			status, err := l.Execute(context.Background(), tt.command, tt.opts)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if status != tt.wantStatus {
				t.Errorf("status = %d, want %d", status, tt.wantStatus)
			}
			if got := strings.Join(rec.last(), " "); got != strings.Join(tt.wantArgv, " ") {
				t.Errorf("argv = %q, want %q", got, strings.Join(tt.wantArgv, " "))
			}
		})
	}
}

func TestLocal_ExecuteForwardsStreams(t *testing.T) {
	t.Parallel()

	rec := &mockCommandRecorder{stdout: "building...\n", stderr: "warning: dirty\n"}
	l := NewLocal(WithExecCommand(rec.commandFunc()))

	var mu sync.Mutex
	var stdout, stderr strings.Builder
	_, err := l.Execute(context.Background(), "nixos-rebuild switch", ExecOptions{
		Elevated: true,
		Stdout: func(e Event) {
			mu.Lock()
			defer mu.Unlock()
			if e.Stream != StreamStdout {
				t.Errorf("stdout callback got stream %v", e.Stream)
			}
			stdout.WriteString(e.Data)
		},
		Stderr: func(e Event) {
			mu.Lock()
			defer mu.Unlock()
			stderr.WriteString(e.Data)
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stdout.String() != "building...\n" {
		t.Errorf("stdout = %q", stdout.String())
	}
	if stderr.String() != "warning: dirty\n" {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestLocal_Test(t *testing.T) {
	t.Parallel()

	for _, code := range []int{0, 1} {
		rec := &mockCommandRecorder{exitCode: code}
		l := NewLocal(WithExecCommand(rec.commandFunc()))

		ok, err := l.Test(context.Background(), "cmp --silent a b")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok != (code == 0) {
			t.Errorf("Test() with exit %d = %v", code, ok)
		}
	}
}

func TestLocal_ExecuteMissingShell(t *testing.T) {
	t.Parallel()

	l := NewLocal(WithShell(filepath.Join(t.TempDir(), "no-such-shell")))
	_, err := l.Execute(context.Background(), "true", ExecOptions{})
	if !errors.Is(err, ErrChannel) {
		t.Fatalf("expected ErrChannel, got: %v", err)
	}
}

func TestLocal_Upload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "src.nix")
	dst := filepath.Join(dir, "staging", "vagrant.nix")
	if err := os.WriteFile(src, []byte("{}"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	l := NewLocal()
	if err := l.Upload(context.Background(), src, dst); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != "{}" {
		t.Errorf("uploaded content = %q", got)
	}

	err = l.Upload(context.Background(), filepath.Join(dir, "missing"), dst)
	if !errors.Is(err, ErrChannel) || !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected channel error wrapping ErrNotExist, got: %v", err)
	}
}
