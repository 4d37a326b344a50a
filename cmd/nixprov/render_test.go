// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"strings"
	"testing"
)

func TestRenderCommand(t *testing.T) {
	t.Parallel()

	app, dialer, stdout := newTestApp(t, nil)
	err := execute(t, app, "render", "--inline", "{ boot.isContainer = true; }",
		"--fragment", "/etc/nixos/vagrant-network.nix", "--nix-path", "/a/b", "--include")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := stdout.String()
	for _, want := range []string{
		"/etc/nixos/vagrant-provision.nix",
		"# This file is overwritten by the vagrant-nixos plugin\n{ boot.isContainer = true; }",
		"    /etc/nixos/vagrant-network.nix\n    /etc/nixos/vagrant-provision.nix\n",
		"export NIX_PATH=/a/b:$NIX_PATH",
		"NIX_PATH=/a/b:$NIX_PATH nixos-rebuild switch -I nixos-config=/etc/nixos/vagrant.nix",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if dialer.dials != 0 || len(dialer.guest.Lines()) != 0 {
		t.Error("render must not contact a guest")
	}
}

func TestRenderCommand_KeepsFragmentOrder(t *testing.T) {
	t.Parallel()

	app, _, stdout := newTestApp(t, nil)
	err := execute(t, app, "render",
		"--fragment", "/etc/nixos/vagrant-network.nix",
		"--fragment", "/etc/nixos/vagrant-hostname.nix")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "    /etc/nixos/vagrant-network.nix\n" +
		"    /etc/nixos/vagrant-hostname.nix\n" +
		"    /etc/nixos/vagrant-provision.nix\n"
	if out := stdout.String(); !strings.Contains(out, want) {
		t.Errorf("imports not in flag order, want %q in:\n%s", want, out)
	}
}

func TestRenderCommand_ProvisionFragmentNotDuplicated(t *testing.T) {
	t.Parallel()

	app, _, stdout := newTestApp(t, nil)
	err := execute(t, app, "render",
		"--fragment", "/etc/nixos/vagrant-provision.nix",
		"--fragment", "/etc/nixos/vagrant-network.nix")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := stdout.String()
	if !strings.Contains(out, "    /etc/nixos/vagrant-provision.nix\n    /etc/nixos/vagrant-network.nix\n") {
		t.Errorf("imports not in flag order:\n%s", out)
	}
	if n := strings.Count(out, "    /etc/nixos/vagrant-provision.nix\n"); n != 1 {
		t.Errorf("provision module imported %d times", n)
	}
}
