// SPDX-License-Identifier: MPL-2.0

// Package nixos provisions a NixOS guest.
//
// A run writes the operator's configuration to vagrant-provision.nix,
// removes generated fragments that no longer apply, regenerates vagrant.nix
// to import every vagrant-*.nix fragment, and runs nixos-rebuild switch:
//
//	p := nixos.New(comm, nixos.Config{Input: nixos.Input{Expression: "{ services.nginx.enable = true; }"}}, facts)
//	report, err := p.Run(ctx)
//
// Files are only moved into /etc/nixos when their content differs, so
// repeated runs leave modification times alone.
package nixos
