// SPDX-License-Identifier: MPL-2.0

package nixos

import (
	"os"
	"strings"
)

const (
	// Header is prepended to every file nixprov writes.
	Header = "# This file is overwritten by the vagrant-nixos plugin\n"

	// ProvisionFileName holds the user-supplied configuration.
	ProvisionFileName = "vagrant-provision.nix"
	// AggregatorFileName imports every generated fragment.
	AggregatorFileName = "vagrant.nix"
	// HostnameFragment and NetworkFragment are written by the VM manager
	// and removed when the matching setting is absent.
	HostnameFragment = "vagrant-hostname.nix"
	NetworkFragment  = "vagrant-network.nix"
	// FragmentPattern matches the generated fragments.
	FragmentPattern = "vagrant-*.nix"

	// DefaultConfigDir is the NixOS configuration directory on the guest.
	DefaultConfigDir = "/etc/nixos"
	// DefaultStagingDir is where files are uploaded before being moved.
	DefaultStagingDir = "/tmp"

	expressionPrelude = "{config, pkgs, ...}: with pkgs; "
	emptyModule       = "{}"
)

const (
	// InputEmpty means no source is set; an empty module is provisioned.
	InputEmpty InputKind = iota
	InputInline
	InputPath
	InputExpression
)

type (
	// InputKind identifies which source of Input is used.
	InputKind int

	// Input is the user-supplied NixOS configuration. The first non-empty
	// field wins, in the order Inline, Path, Expression.
	Input struct {
		// Inline is a complete Nix module.
		Inline string
		// Path is a local file holding a Nix module.
		Path string
		// Expression is a Nix expression evaluated with pkgs in scope.
		Expression string
	}

	// ConfigFile is a file to place in the guest's configuration directory.
	ConfigFile struct {
		Name string
		Body string
	}
)

func (k InputKind) String() string {
	switch k {
	case InputInline:
		return "inline"
	case InputPath:
		return "path"
	case InputExpression:
		return "expression"
	default:
		return "empty"
	}
}

// Kind returns the source that takes effect.
func (in Input) Kind() InputKind {
	switch {
	case in.Inline != "":
		return InputInline
	case in.Path != "":
		return InputPath
	case in.Expression != "":
		return InputExpression
	default:
		return InputEmpty
	}
}

// Content returns the file as written to the guest.
func (f ConfigFile) Content() string {
	return Header + f.Body
}

// ComposeProvisionFile resolves in into the provision file. readFile reads
// local files and defaults to os.ReadFile.
func ComposeProvisionFile(in Input, readFile func(string) ([]byte, error)) (ConfigFile, error) {
	f := ConfigFile{Name: ProvisionFileName}

	switch in.Kind() {
	case InputInline:
		f.Body = in.Inline
	case InputPath:
		if readFile == nil {
			readFile = os.ReadFile
		}
		b, err := readFile(in.Path)
		if err != nil {
			return ConfigFile{}, &InvalidInputError{Path: in.Path, Err: err}
		}
		f.Body = string(b)
	case InputExpression:
		f.Body = expressionPrelude + in.Expression
	default:
		f.Body = emptyModule
	}
	return f, nil
}

// ComposeAggregatorFile builds vagrant.nix, importing fragments in the given
// order. When nixPath is set, login shells get it prepended to NIX_PATH.
func ComposeAggregatorFile(fragments []string, nixPath string) ConfigFile {
	imports := make([]string, 0, len(fragments))
	for _, f := range fragments {
		imports = append(imports, strings.TrimSpace(f))
	}

	var b strings.Builder
	b.WriteString("{ config, pkgs, ... }:\n")
	b.WriteString("{\n")
	b.WriteString("  imports = [\n")
	b.WriteString("    " + strings.Join(imports, "\n    ") + "\n")
	b.WriteString("  ];\n")
	if nixPath != "" {
		b.WriteString("  config.environment.shellInit = ''\n")
		b.WriteString("    export NIX_PATH=" + nixPath + ":$NIX_PATH\n")
		b.WriteString("  '';\n")
	}
	b.WriteString("}")

	return ConfigFile{Name: AggregatorFileName, Body: b.String()}
}
