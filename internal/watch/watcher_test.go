// SPDX-License-Identifier: MPL-2.0

package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/nixprov/nixprov/internal/testutil"
	"github.com/nixprov/nixprov/internal/ui"
)

// startWatcher runs a Watcher in the background and returns a channel that
// receives every callback's paths.
func startWatcher(t *testing.T, cfg Config) <-chan []string {
	t.Helper()

	calls := make(chan []string, 8)
	if cfg.Debounce == 0 {
		cfg.Debounce = 50 * time.Millisecond
	}
	cfg.Logger = ui.NopLogger()
	cfg.OnChange = func(_ context.Context, changed []string) error {
		calls <- changed
		return nil
	}

	w, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errCh; err != nil {
			t.Errorf("Run() error: %v", err)
		}
	})
	return calls
}

func waitForCall(t *testing.T, calls <-chan []string) []string {
	t.Helper()

	select {
	case changed := <-calls:
		return changed
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the change callback")
		return nil
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestNew_NothingToWatch(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); !errors.Is(err, ErrNothingToWatch) {
		t.Errorf("New() error = %v, want ErrNothingToWatch", err)
	}
}

func TestNew_InvalidPattern(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{BaseDir: t.TempDir(), Patterns: []string{"nix/[.nix"}}); err == nil {
		t.Error("expected an error for an unterminated character class")
	}
}

func TestWatcher_ExplicitFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	input := filepath.Join(dir, "machine.nix")
	writeFile(t, input, "{ }")

	calls := startWatcher(t, Config{BaseDir: dir, Files: []string{input}})

	// Siblings of a watched file are not inputs.
	writeFile(t, filepath.Join(dir, "notes.txt"), "x")
	writeFile(t, input, "{ services.nginx.enable = true; }")

	if got := waitForCall(t, calls); !slices.Equal(got, []string{"machine.nix"}) {
		t.Errorf("changed = %q, want [machine.nix]", got)
	}
}

func TestWatcher_FileOutsideBaseDir(t *testing.T) {
	t.Parallel()

	input := filepath.Join(t.TempDir(), "machine.toml")
	writeFile(t, input, "")

	calls := startWatcher(t, Config{BaseDir: t.TempDir(), Files: []string{input}})
	writeFile(t, input, "hostname = \"web1\"\n")

	if got := waitForCall(t, calls); !slices.Equal(got, []string{input}) {
		t.Errorf("changed = %q, want [%s]", got, input)
	}
}

func TestWatcher_PatternsAndDebounce(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	nixDir := filepath.Join(dir, "nix", "services")
	testutil.MustMkdirAll(t, nixDir, 0o755)

	calls := startWatcher(t, Config{BaseDir: dir, Patterns: []string{"nix/**/*.nix"}, Debounce: 300 * time.Millisecond})

	writeFile(t, filepath.Join(nixDir, "web.nix"), "{ }")
	writeFile(t, filepath.Join(nixDir, ".web.nix.swp"), "")
	writeFile(t, filepath.Join(nixDir, "README.md"), "")
	writeFile(t, filepath.Join(dir, "nix", "base.nix"), "{ }")

	want := []string{filepath.Join("nix", "base.nix"), filepath.Join("nix", "services", "web.nix")}
	if got := waitForCall(t, calls); !slices.Equal(got, want) {
		t.Errorf("changed = %q, want %q", got, want)
	}
}

func TestWatcher_RunTwice(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w, err := New(Config{BaseDir: dir, Patterns: []string{"*.nix"}, Logger: ui.NopLogger()})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("first Run() error: %v", err)
	}
	if err := w.Run(ctx); err == nil {
		t.Error("second Run() must fail")
	}
}

func TestIsIgnored(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want bool
	}{
		{".git/HEAD", true},
		{"result/bin/switch-to-configuration", true},
		{"nix/.web.nix.swp", true},
		{"machine.nix~", true},
		{"nix/.#machine.nix", true},
		{"4913", true},
		{"machine.nix", false},
		{"nix/services/web.nix", false},
	}
	for _, tt := range tests {
		if got := isIgnored(tt.path); got != tt.want {
			t.Errorf("isIgnored(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
