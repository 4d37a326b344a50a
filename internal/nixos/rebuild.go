// SPDX-License-Identifier: MPL-2.0

package nixos

import (
	"context"
	"path"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/nixprov/nixprov/internal/guest"
	"github.com/nixprov/nixprov/internal/ui"
)

// maxKeptStderr bounds the rebuild error output kept for classification.
const maxKeptStderr = 4096

type (
	// RebuildOutcome is the result of a nixos-rebuild run. Output is
	// forwarded while the command runs and is not kept.
	RebuildOutcome struct {
		Command    string
		ExitStatus int
	}

	// Rebuilder runs nixos-rebuild switch on the guest.
	Rebuilder struct {
		Comm guest.Communicator
		// Sink receives guest output when Verbose is set.
		Sink ui.Sink
		// Include points nixos-config at the aggregator file.
		Include bool
		// NixPath is prepended to NIX_PATH when non-empty.
		NixPath   string
		Verbose   bool
		ConfigDir string
		Logger    *log.Logger
	}
)

// RebuildCommand returns the rebuild command line for the default
// configuration directory.
func RebuildCommand(include bool, nixPath string) string {
	return rebuildCommand(DefaultConfigDir, include, nixPath)
}

func rebuildCommand(configDir string, include bool, nixPath string) string {
	cmd := "nixos-rebuild switch"
	if include {
		cmd += " -I nixos-config=" + path.Join(configDir, AggregatorFileName)
	}
	if nixPath != "" {
		cmd = "NIX_PATH=" + nixPath + ":$NIX_PATH " + cmd
	}
	return cmd
}

// Command returns the command line Rebuild will run.
func (r *Rebuilder) Command() string {
	configDir := r.ConfigDir
	if configDir == "" {
		configDir = DefaultConfigDir
	}
	return rebuildCommand(configDir, r.Include, r.NixPath)
}

// Rebuild runs the rebuild with elevation. A non-zero exit is returned as
// *RebuildFailedError, carrying the start of stderr, together with the
// outcome.
func (r *Rebuilder) Rebuild(ctx context.Context) (RebuildOutcome, error) {
	out := RebuildOutcome{Command: r.Command()}
	logger := r.Logger
	if logger == nil {
		logger = ui.NopLogger()
	}

	logger.Debug("rebuilding", "command", out.Command)
	var stderr strings.Builder
	status, err := r.Comm.Execute(ctx, out.Command, guest.ExecOptions{
		Elevated: true,
		Stdout:   r.forward,
		Stderr: func(e guest.Event) {
			if room := maxKeptStderr - stderr.Len(); room > 0 {
				stderr.WriteString(e.Data[:min(room, len(e.Data))])
			}
			r.forward(e)
		},
	})
	if err != nil {
		return out, transportError("rebuild", err)
	}

	out.ExitStatus = status
	if status != 0 {
		return out, &RebuildFailedError{Command: out.Command, ExitStatus: status, Stderr: stderr.String()}
	}
	return out, nil
}

func (r *Rebuilder) forward(e guest.Event) {
	if !r.Verbose || r.Sink == nil {
		return
	}
	style := ui.StyleSuccess
	if e.Stream == guest.StreamStderr {
		style = ui.StyleAttention
	}
	r.Sink.Info(e.Data, ui.Options{NewLine: false, Prefix: false, Style: style})
}
