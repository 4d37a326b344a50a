// SPDX-License-Identifier: MPL-2.0

package nixos

import (
	"context"
	"strings"

	"github.com/nixprov/nixprov/internal/guest"
)

// FindFragmentsCommand lists the generated fragments in configDir.
func FindFragmentsCommand(configDir string) string {
	return "find " + quote(configDir) + ` -maxdepth 1 -type f -name "` + FragmentPattern + `"`
}

// DiscoverFragments returns the fragment paths printed by find, in listing
// order. Every match is returned, including the provision file itself.
func DiscoverFragments(ctx context.Context, comm guest.Communicator, configDir string) ([]string, error) {
	command := FindFragmentsCommand(configDir)

	var stdout, stderr strings.Builder
	status, err := comm.Execute(ctx, command, guest.ExecOptions{
		Stdout: func(e guest.Event) { stdout.WriteString(e.Data) },
		Stderr: func(e guest.Event) { stderr.WriteString(e.Data) },
	})
	if err != nil {
		return nil, transportError("discover fragments", err)
	}
	if status != 0 {
		return nil, transportError("discover fragments", &CommandFailedError{
			Command:    command,
			ExitStatus: status,
			Stderr:     stderr.String(),
		})
	}

	var fragments []string
	for _, line := range strings.Split(stdout.String(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			fragments = append(fragments, line)
		}
	}
	return fragments, nil
}
