// SPDX-License-Identifier: MPL-2.0

package nixos

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/nixprov/nixprov/internal/guest"
	"github.com/nixprov/nixprov/internal/machine"
	"github.com/nixprov/nixprov/internal/testutil"
	"github.com/nixprov/nixprov/internal/testutil/guestsim"
	"github.com/nixprov/nixprov/internal/ui"
)

var fullFacts = machine.Facts{
	Hostname: "web1",
	Networks: []machine.Network{{Kind: machine.NetworkPrivate, IP: "192.168.56.10"}},
}

func TestProvisioner_EmptyInputEndToEnd(t *testing.T) {
	t.Parallel()

	g := guestsim.New(t)
	p := New(g, Config{}, machine.Facts{})

	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got, _ := g.ReadFile("/etc/nixos/vagrant-provision.nix"); got != Header+"{}" {
		t.Errorf("provision file = %q", got)
	}
	wantAggregator := Header + "{ config, pkgs, ... }:\n{\n  imports = [\n    /etc/nixos/vagrant-provision.nix\n  ];\n}"
	if got, _ := g.ReadFile("/etc/nixos/vagrant.nix"); got != wantAggregator {
		t.Errorf("aggregator file =\n%s\nwant\n%s", got, wantAggregator)
	}

	calls := g.Calls("nixos-rebuild")
	if len(calls) != 1 || strings.Join(calls[0].Args, " ") != "switch" {
		t.Errorf("rebuild calls = %+v", calls)
	}
	if report.Command != "nixos-rebuild switch" || report.State != StateDone || p.State() != StateDone {
		t.Errorf("report = %+v, state = %v", report, p.State())
	}
	if !report.ProvisionChanged || !report.AggregatorChanged {
		t.Errorf("first run must change both files: %+v", report)
	}
	if report.RunID == "" {
		t.Error("report must carry a run ID")
	}
}

func TestProvisioner_Idempotent(t *testing.T) {
	t.Parallel()

	g := guestsim.New(t)
	g.WriteFile(t, "/etc/nixos/vagrant-hostname.nix", "{ networking.hostName = \"web1\"; }")
	g.WriteFile(t, "/etc/nixos/vagrant-network.nix", "{ }")
	cfg := Config{Input: Input{Inline: "{ services.openssh.enable = true; }"}, Include: true, NixPath: "/a/b"}
	p := New(g, cfg, fullFacts)
	ctx := context.Background()

	if _, err := p.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	provisionTime := g.ModTime("/etc/nixos/vagrant-provision.nix")
	aggregatorTime := g.ModTime("/etc/nixos/vagrant.nix")

	report, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.ProvisionChanged || report.AggregatorChanged {
		t.Errorf("second run must not change files: %+v", report)
	}
	if g.ModTime("/etc/nixos/vagrant-provision.nix") != provisionTime || g.ModTime("/etc/nixos/vagrant.nix") != aggregatorTime {
		t.Error("second run modified files in /etc/nixos")
	}
	if n := len(g.Calls("nixos-rebuild")); n != 2 {
		t.Errorf("rebuild must run on every provision, ran %d times", n)
	}
	if n := len(g.Calls("mv")); n != 2 {
		t.Errorf("expected 2 moves over both runs, got %d", n)
	}
}

func TestProvisioner_ConditionalCleanup(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		facts       machine.Facts
		wantRemoved []string
		wantKept    []string
	}{
		{
			name:        "no hostname, no private network",
			facts:       machine.Facts{Networks: []machine.Network{{Kind: "forwarded_port"}}},
			wantRemoved: []string{"/etc/nixos/vagrant-hostname.nix", "/etc/nixos/vagrant-network.nix"},
		},
		{
			name:        "hostname only",
			facts:       machine.Facts{Hostname: "web1"},
			wantRemoved: []string{"/etc/nixos/vagrant-network.nix"},
			wantKept:    []string{"/etc/nixos/vagrant-hostname.nix"},
		},
		{
			name:     "both configured",
			facts:    fullFacts,
			wantKept: []string{"/etc/nixos/vagrant-hostname.nix", "/etc/nixos/vagrant-network.nix"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			g := guestsim.New(t)
			g.WriteFile(t, "/etc/nixos/vagrant-hostname.nix", "{ }")
			g.WriteFile(t, "/etc/nixos/vagrant-network.nix", "{ }")

			report, err := New(g, Config{}, tt.facts).Run(context.Background())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			aggregator, _ := g.ReadFile("/etc/nixos/vagrant.nix")
			for _, f := range tt.wantRemoved {
				if g.Exists(f) {
					t.Errorf("%s should have been removed", f)
				}
				if slices.Contains(report.Fragments, f) || strings.Contains(aggregator, f) {
					t.Errorf("%s was removed but is still imported", f)
				}
			}
			for _, f := range tt.wantKept {
				if !g.Exists(f) || !strings.Contains(aggregator, f) {
					t.Errorf("%s should be kept and imported", f)
				}
			}
		})
	}
}

func TestProvisioner_DeletionPrecedesDiscovery(t *testing.T) {
	t.Parallel()

	g := guestsim.New(t)
	if _, err := New(g, Config{}, machine.Facts{}).Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var order []string
	for _, inv := range g.Invocations() {
		if inv.Name == "rm" || inv.Name == "find" {
			order = append(order, inv.Name)
			if inv.Name == "rm" && !inv.Elevated {
				t.Error("rm must run elevated")
			}
		}
	}
	if strings.Join(order, ",") != "rm,rm,find" {
		t.Errorf("order = %v, want rm,rm,find", order)
	}
}

func TestProvisioner_InvalidInputTouchesNothing(t *testing.T) {
	t.Parallel()

	g := guestsim.New(t)
	var observed Report
	p := New(g, Config{Input: Input{Path: "/does/not/exist.nix"}}, machine.Facts{},
		WithObserver(func(_ context.Context, r Report) { observed = r }))

	_, err := p.Run(context.Background())
	if Kind(err) != KindInvalidInput {
		t.Fatalf("Kind() = %v, want %v (err: %v)", Kind(err), KindInvalidInput, err)
	}
	if len(g.Lines()) != 0 || len(g.Uploads()) != 0 {
		t.Errorf("guest was contacted: lines %q uploads %q", g.Lines(), g.Uploads())
	}
	if p.State() != StateFailed || observed.State != StateFailed || observed.Err == nil {
		t.Errorf("state = %v, observed = %+v", p.State(), observed)
	}
}

func TestProvisioner_RebuildFailureKeepsFiles(t *testing.T) {
	t.Parallel()

	g := guestsim.New(t)
	g.RebuildExit = 1

	report, err := New(g, Config{Input: Input{Expression: "{ }"}}, machine.Facts{}).Run(context.Background())
	var rebuildErr *RebuildFailedError
	if !errors.As(err, &rebuildErr) || rebuildErr.ExitStatus != 1 {
		t.Fatalf("expected rebuild failure with status 1, got: %v", err)
	}
	if report.ExitStatus != 1 || report.State != StateFailed {
		t.Errorf("report = %+v", report)
	}
	if !g.Exists("/etc/nixos/vagrant-provision.nix") || !g.Exists("/etc/nixos/vagrant.nix") {
		t.Error("files written before the rebuild must stay in place")
	}
}

func TestProvisioner_TransportFailureStopsRun(t *testing.T) {
	t.Parallel()

	g := guestsim.New(t)
	g.Fault = func(op, arg string) error {
		if op == "execute" && strings.HasPrefix(arg, "find ") {
			return errors.New("connection lost")
		}
		return nil
	}

	_, err := New(g, Config{}, machine.Facts{}).Run(context.Background())
	if Kind(err) != KindTransport {
		t.Fatalf("Kind() = %v, want %v (err: %v)", Kind(err), KindTransport, err)
	}
	if !errors.Is(err, guest.ErrChannel) {
		t.Errorf("expected the channel error to be preserved, got: %v", err)
	}
	if g.Exists("/etc/nixos/vagrant.nix") || len(g.Calls("nixos-rebuild")) != 0 {
		t.Error("no step may run after a transport failure")
	}
}

func TestProvisioner_VerboseOutput(t *testing.T) {
	t.Parallel()

	g := guestsim.New(t)
	g.RebuildStdout = "activating the configuration...\n"

	var sink ui.Recorder
	_, err := New(g, Config{Verbose: true}, machine.Facts{}, WithSink(&sink)).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sink.Text() != g.RebuildStdout {
		t.Errorf("sink text = %q", sink.Text())
	}
}

func TestProvisioner_ReportTiming(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	clock := testutil.NewFakeClock(start).AutoAdvance(time.Second)

	g := guestsim.New(t)
	report, err := New(g, Config{}, machine.Facts{}, WithClock(clock.Now)).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.StartedAt.Equal(start) || !report.FinishedAt.After(report.StartedAt) {
		t.Errorf("StartedAt %v FinishedAt %v", report.StartedAt, report.FinishedAt)
	}
}

func TestProvisioner_OverSSH(t *testing.T) {
	t.Parallel()

	g := guestsim.New(t)
	g.WriteFile(t, "/etc/nixos/vagrant-network.nix", "{ }")
	srv := g.Serve(t)

	ctx := context.Background()
	comm, err := guest.DialSSH(ctx, guest.SSHConfig{
		Host:     srv.Host,
		Port:     srv.Port,
		User:     guestsim.User,
		Password: guestsim.Password,
	}, ui.NopLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer comm.Close()

	cfg := Config{Input: Input{Expression: "{ services.nginx.enable = true; }"}, Include: true, NixPath: "/a/b"}
	report, err := New(comm, cfg, machine.Facts{Networks: []machine.Network{{Kind: machine.NetworkPrivate}}}).Run(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantFragments := []string{"/etc/nixos/vagrant-network.nix", "/etc/nixos/vagrant-provision.nix"}
	if !slices.Equal(report.Fragments, wantFragments) {
		t.Errorf("fragments = %q, want %q", report.Fragments, wantFragments)
	}
	if report.Command != "NIX_PATH=/a/b:$NIX_PATH nixos-rebuild switch -I nixos-config=/etc/nixos/vagrant.nix" {
		t.Errorf("command = %q", report.Command)
	}

	calls := g.Calls("nixos-rebuild")
	if len(calls) != 1 || !calls[0].Elevated {
		t.Fatalf("rebuild calls = %+v", calls)
	}
	if want := "/a/b:nixpkgs=/nix/var/nix/profiles/per-user/root/channels/nixos"; calls[0].NixPath != want {
		t.Errorf("rebuild NIX_PATH = %q, want %q", calls[0].NixPath, want)
	}
	aggregator, _ := g.ReadFile("/etc/nixos/vagrant.nix")
	if !strings.Contains(aggregator, "export NIX_PATH=/a/b:$NIX_PATH") {
		t.Errorf("aggregator missing shellInit:\n%s", aggregator)
	}
	provision, _ := g.ReadFile("/etc/nixos/vagrant-provision.nix")
	if provision != Header+"{config, pkgs, ...}: with pkgs; { services.nginx.enable = true; }" {
		t.Errorf("provision file = %q", provision)
	}
}

func TestProvisioner_RelocatedDirectories(t *testing.T) {
	t.Parallel()

	g := guestsim.New(t)
	g.WriteFile(t, "/srv/staging/.keep", "")
	g.WriteFile(t, "/etc/nixos-test/vagrant-custom.nix", "{ }")

	readFile := func(p string) ([]byte, error) {
		if p != "machine.nix" {
			t.Errorf("unexpected read of %q", p)
		}
		return []byte("{ boot.isContainer = true; }"), nil
	}
	p := New(g, Config{Input: Input{Path: "machine.nix"}, Include: true}, machine.Facts{},
		WithConfigDir("/etc/nixos-test"), WithStagingDir("/srv/staging"), WithReadFile(readFile))

	if err := p.Provision(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, _ := g.ReadFile("/etc/nixos-test/vagrant-provision.nix"); got != Header+"{ boot.isContainer = true; }" {
		t.Errorf("provision file = %q", got)
	}
	aggregator, _ := g.ReadFile("/etc/nixos-test/vagrant.nix")
	if !strings.Contains(aggregator, "/etc/nixos-test/vagrant-custom.nix") {
		t.Errorf("aggregator misses the custom fragment:\n%s", aggregator)
	}
	if calls := g.Calls("nixos-rebuild"); len(calls) != 1 || strings.Join(calls[0].Args, " ") != "switch -I nixos-config=/etc/nixos-test/vagrant.nix" {
		t.Errorf("rebuild calls = %+v", calls)
	}
	if g.Exists("/etc/nixos/vagrant.nix") {
		t.Error("nothing may be written to the default config dir")
	}
}
