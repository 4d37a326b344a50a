// SPDX-License-Identifier: MPL-2.0

package config

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue/errors"
)

// maxFileSize bounds the config file read into memory.
const maxFileSize = 1 << 20

// formatCUEError rewrites CUE errors as "<file>: <key.path>: <message>".
func formatCUEError(err error, filePath string) error {
	if err == nil {
		return nil
	}

	cueErrors := errors.Errors(err)
	if len(cueErrors) == 0 {
		return fmt.Errorf("%s: %w", filePath, err)
	}

	lines := make([]string, 0, len(cueErrors))
	for _, e := range cueErrors {
		rawPath := errors.Path(e)
		keyPath := formatPath(rawPath)
		msg := e.Error()

		// CUE sometimes repeats the path in the message itself.
		for _, prefix := range []string{strings.Join(rawPath, "."), keyPath} {
			if prefix != "" && strings.HasPrefix(msg, prefix) {
				msg = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(msg, prefix), ":"))
				break
			}
		}
		if keyPath != "" {
			msg = keyPath + ": " + msg
		}
		lines = append(lines, msg)
	}

	if len(lines) == 1 {
		return fmt.Errorf("%s: %s", filePath, lines[0])
	}
	return fmt.Errorf("%s: validation failed:\n  %s", filePath, strings.Join(lines, "\n  "))
}

// formatPath drops the #Config definition selector CUE puts in front of
// every path.
func formatPath(path []string) string {
	if len(path) > 0 && path[0] == "#Config" {
		path = path[1:]
	}
	return strings.Join(path, ".")
}
