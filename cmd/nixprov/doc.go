// SPDX-License-Identifier: MPL-2.0

// Package cmd contains all CLI commands for nixprov.
//
// This package implements the Cobra command hierarchy: provision, which
// writes the NixOS configuration to a guest and rebuilds it, render, which
// prints the generated files offline, and the config and history helpers.
package cmd
