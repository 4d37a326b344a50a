// SPDX-License-Identifier: MPL-2.0

package nixos

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/charmbracelet/log"
	"mvdan.cc/sh/v3/syntax"

	"github.com/nixprov/nixprov/internal/guest"
	"github.com/nixprov/nixprov/internal/ui"
)

// Syncer places ConfigFiles into the guest's configuration directory,
// leaving identical files untouched.
type Syncer struct {
	Comm       guest.Communicator
	ConfigDir  string
	StagingDir string
	Logger     *log.Logger
}

// NewSyncer creates a Syncer using the default guest directories.
func NewSyncer(comm guest.Communicator, logger *log.Logger) *Syncer {
	if logger == nil {
		logger = ui.NopLogger()
	}
	return &Syncer{
		Comm:       comm,
		ConfigDir:  DefaultConfigDir,
		StagingDir: DefaultStagingDir,
		Logger:     logger,
	}
}

// Sync uploads f to the staging directory and moves it into place if it
// differs from the installed copy. It reports whether the target changed.
// A missing target counts as different.
func (s *Syncer) Sync(ctx context.Context, f ConfigFile) (bool, error) {
	local, err := writeTemp(f.Content())
	if err != nil {
		return false, err
	}
	defer os.Remove(local)

	source := path.Join(s.StagingDir, f.Name)
	target := path.Join(s.ConfigDir, f.Name)

	if err := s.Comm.Upload(ctx, local, source); err != nil {
		return false, transportError("upload "+source, err)
	}

	same, err := s.Comm.Test(ctx, "cmp --silent "+quote(source)+" "+quote(target))
	if err != nil {
		return false, transportError("compare "+target, err)
	}
	if same {
		s.Logger.Debug("file unchanged", "file", target)
		return false, nil
	}

	if err := runChecked(ctx, s.Comm, "mv "+quote(source)+" "+quote(target), true); err != nil {
		return false, transportError("install "+target, err)
	}
	s.Logger.Debug("file installed", "file", target)
	return true, nil
}

func writeTemp(content string) (string, error) {
	tmp, err := os.CreateTemp("", "nixprov-*.nix")
	if err != nil {
		return "", fmt.Errorf("create local staging file: %w", err)
	}
	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write local staging file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write local staging file: %w", err)
	}
	return tmp.Name(), nil
}

// runChecked executes command and turns a non-zero exit into a
// CommandFailedError.
func runChecked(ctx context.Context, comm guest.Communicator, command string, elevated bool) error {
	var stderr strings.Builder
	status, err := comm.Execute(ctx, command, guest.ExecOptions{
		Elevated: elevated,
		Stderr:   func(e guest.Event) { stderr.WriteString(e.Data) },
	})
	if err != nil {
		return err
	}
	if status != 0 {
		return &CommandFailedError{Command: command, ExitStatus: status, Stderr: stderr.String()}
	}
	return nil
}

// quote shell-quotes a guest path. Plain paths are returned unchanged.
func quote(p string) string {
	q, err := syntax.Quote(p, syntax.LangPOSIX)
	if err != nil {
		return p
	}
	return q
}
