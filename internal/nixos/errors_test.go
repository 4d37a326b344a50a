// SPDX-License-Identifier: MPL-2.0

package nixos

import (
	"errors"
	"fmt"
	"testing"
)

func TestKind(t *testing.T) {
	t.Parallel()

	channel := errors.New("EOF")
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindUnknown},
		{"plain", errors.New("boom"), KindUnknown},
		{"transport", &TransportError{Op: "upload", Err: channel}, KindTransport},
		{"command failed", transportError("install", &CommandFailedError{Command: "mv a b", ExitStatus: 1}), KindTransport},
		{"rebuild", &RebuildFailedError{ExitStatus: 2}, KindRebuild},
		{"wrapped rebuild", fmt.Errorf("provision: %w", &RebuildFailedError{ExitStatus: 2}), KindRebuild},
		{"invalid input", &InvalidInputError{Path: "x", Err: channel}, KindInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Kind(tt.err); got != tt.want {
				t.Errorf("Kind() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTransportError_NotDoubleWrapped(t *testing.T) {
	t.Parallel()

	inner := &TransportError{Op: "upload /tmp/x", Err: errors.New("EOF")}
	if got := transportError("sync", inner); got != error(inner) {
		t.Errorf("transportError() rewrapped an existing TransportError: %v", got)
	}
	if transportError("sync", nil) != nil {
		t.Error("transportError(nil) must be nil")
	}
}

func TestCommandFailedError_Message(t *testing.T) {
	t.Parallel()

	err := &CommandFailedError{Command: "mv a b", ExitStatus: 1, Stderr: "mv: Permission denied\n"}
	if got := err.Error(); got != `"mv a b" exited with status 1: mv: Permission denied` {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, ErrCommandFailed) {
		t.Error("expected errors.Is(err, ErrCommandFailed)")
	}
}
