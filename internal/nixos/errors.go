// SPDX-License-Identifier: MPL-2.0

package nixos

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// KindUnknown is any error outside the provisioning taxonomy.
	KindUnknown ErrorKind = iota
	// KindTransport means the guest could not be reached or a helper
	// command on the guest failed.
	KindTransport
	// KindRebuild means nixos-rebuild exited non-zero.
	KindRebuild
	// KindInvalidInput means the provisioner input could not be resolved.
	KindInvalidInput
)

var (
	// ErrTransport is the sentinel wrapped by TransportError.
	ErrTransport = errors.New("transport failure")
	// ErrCommandFailed is the sentinel wrapped by CommandFailedError.
	ErrCommandFailed = errors.New("guest command failed")
	// ErrRebuildFailed is the sentinel wrapped by RebuildFailedError.
	ErrRebuildFailed = errors.New("nixos-rebuild failed")
	// ErrInvalidInput is the sentinel wrapped by InvalidInputError.
	ErrInvalidInput = errors.New("invalid provisioner input")
)

type (
	// ErrorKind classifies provisioning failures.
	ErrorKind int

	// TransportError reports a failed upload, execute or test on the guest.
	TransportError struct {
		Op  string
		Err error
	}

	// CommandFailedError reports a helper command (mv, rm, find) that
	// exited non-zero. It is always wrapped in a TransportError.
	CommandFailedError struct {
		Command    string
		ExitStatus int
		Stderr     string
	}

	// RebuildFailedError reports a non-zero exit of nixos-rebuild. Stderr
	// holds the start of the command's error output.
	RebuildFailedError struct {
		Command    string
		ExitStatus int
		Stderr     string
	}

	// InvalidInputError reports a provisioner input that could not be read.
	InvalidInputError struct {
		Path string
		Err  error
	}
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindRebuild:
		return "rebuild"
	case KindInvalidInput:
		return "invalid-input"
	default:
		return "unknown"
	}
}

// Kind classifies err.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrRebuildFailed):
		return KindRebuild
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrTransport):
		return KindTransport
	default:
		return KindUnknown
	}
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns ErrTransport and the cause for errors.Is() compatibility.
func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

func (e *CommandFailedError) Error() string {
	msg := fmt.Sprintf("%q exited with status %d", e.Command, e.ExitStatus)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// Unwrap returns ErrCommandFailed for errors.Is() compatibility.
func (e *CommandFailedError) Unwrap() error { return ErrCommandFailed }

func (e *RebuildFailedError) Error() string {
	return fmt.Sprintf("nixos-rebuild exited with status %d", e.ExitStatus)
}

// Unwrap returns ErrRebuildFailed for errors.Is() compatibility.
func (e *RebuildFailedError) Unwrap() error { return ErrRebuildFailed }

// ElevationRefused reports whether sudo refused to run the rebuild, in
// which case nixos-rebuild never started.
func (e *RebuildFailedError) ElevationRefused() bool { return SudoRefused(e.Stderr) }

// SudoRefused reports whether stderr carries a diagnostic from sudo itself,
// such as "sudo: a password is required".
func SudoRefused(stderr string) bool {
	for line := range strings.Lines(stderr) {
		if strings.HasPrefix(line, "sudo: ") {
			return true
		}
	}
	return false
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("read provisioner input %s: %v", e.Path, e.Err)
}

// Unwrap returns ErrInvalidInput and the cause for errors.Is() compatibility.
func (e *InvalidInputError) Unwrap() []error { return []error{ErrInvalidInput, e.Err} }

// transportError lifts err into a TransportError unless it already is one.
func transportError(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}
