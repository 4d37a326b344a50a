// SPDX-License-Identifier: MPL-2.0

package guest_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nixprov/nixprov/internal/guest"
	"github.com/nixprov/nixprov/internal/testutil"
	"github.com/nixprov/nixprov/internal/ui"
)

const openSSHImage = "lscr.io/linuxserver/openssh-server:latest"

// checkTestcontainersAvailable reports whether a Docker provider can be
// reached. testcontainers may panic when no daemon is configured.
func checkTestcontainersAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		return false
	}
	defer provider.Close()
	return true
}

// TestSSH_Integration runs the communicator against a real OpenSSH server.
// Only unprivileged commands are used: the container's sudo wants a password.
func TestSSH_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if !checkTestcontainersAvailable() {
		t.Skip("skipping integration test: no container provider available")
	}

	testutil.AcquireContainerSlot(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	ctr, err := testcontainers.Run(ctx, openSSHImage,
		testcontainers.WithExposedPorts("2222/tcp"),
		testcontainers.WithEnv(map[string]string{
			"USER_NAME":       "vagrant",
			"USER_PASSWORD":   "vagrant",
			"PASSWORD_ACCESS": "true",
		}),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("2222/tcp").WithStartupTimeout(2*time.Minute)),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("start openssh container: %v", err)
	}

	host, err := ctr.Host(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	port, err := ctr.MappedPort(ctx, "2222/tcp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	comm, err := guest.DialSSH(ctx, guest.SSHConfig{
		Host:            host,
		Port:            port.Int(),
		User:            "vagrant",
		Password:        "vagrant",
		ConnectAttempts: 10,
		ConnectBackoff:  time.Second,
	}, ui.NopLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer comm.Close()

	local := filepath.Join(t.TempDir(), "vagrant.nix")
	if err := os.WriteFile(local, []byte("# generated\n{}"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Run("upload then compare", func(t *testing.T) {
		if err := comm.Upload(ctx, local, "/tmp/vagrant.nix"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		same, err := comm.Test(ctx, "printf '# generated\\n{}' | cmp -s /tmp/vagrant.nix -")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !same {
			t.Error("uploaded file differs from local content")
		}
	})

	t.Run("streams output", func(t *testing.T) {
		var stdout, stderr string
		status, err := comm.Execute(ctx, "echo out; echo err >&2; exit 3", guest.ExecOptions{
			Stdout: func(e guest.Event) { stdout += e.Data },
			Stderr: func(e guest.Event) { stderr += e.Data },
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if status != 3 {
			t.Errorf("status = %d, want 3", status)
		}
		if stdout != "out\n" || stderr != "err\n" {
			t.Errorf("stdout %q stderr %q", stdout, stderr)
		}
	})
}
