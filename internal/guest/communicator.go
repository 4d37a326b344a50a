// SPDX-License-Identifier: MPL-2.0

package guest

import (
	"context"
	"io"
	"sync"
)

const (
	// StreamStdout marks output read from the remote process stdout.
	StreamStdout StreamKind = iota
	// StreamStderr marks output read from the remote process stderr.
	StreamStderr
)

type (
	// StreamKind identifies the output stream an Event was read from.
	StreamKind int

	// Event is a raw chunk of remote process output. Chunks are not split
	// or joined on line boundaries.
	Event struct {
		Stream StreamKind
		Data   string
	}

	// ExecOptions configures a single Execute call.
	ExecOptions struct {
		// Elevated runs the command with administrative privileges.
		Elevated bool
		// Stdout receives stdout chunks as they arrive. Optional.
		Stdout func(Event)
		// Stderr receives stderr chunks as they arrive. Optional.
		Stderr func(Event)
	}

	// Communicator is the command channel to a guest machine.
	//
	// Execute returns the exit status of the remote command. A non-nil error
	// means the channel itself failed and the status is meaningless.
	Communicator interface {
		Upload(ctx context.Context, localPath, remotePath string) error
		Execute(ctx context.Context, command string, opts ExecOptions) (int, error)
		Test(ctx context.Context, command string) (bool, error)
	}

	// eventWriter turns writes into Events. Writers created together share
	// a mutex so callbacks never run concurrently.
	eventWriter struct {
		mu     *sync.Mutex
		stream StreamKind
		fn     func(Event)
	}
)

func (k StreamKind) String() string {
	switch k {
	case StreamStdout:
		return "stdout"
	case StreamStderr:
		return "stderr"
	default:
		return "unknown"
	}
}

func (w *eventWriter) Write(p []byte) (int, error) {
	if w.fn == nil || len(p) == 0 {
		return len(p), nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fn(Event{Stream: w.stream, Data: string(p)})
	return len(p), nil
}

// outputWriters returns the stdout and stderr writers for opts.
func outputWriters(opts ExecOptions) (stdout, stderr io.Writer) {
	mu := &sync.Mutex{}
	return &eventWriter{mu: mu, stream: StreamStdout, fn: opts.Stdout},
		&eventWriter{mu: mu, stream: StreamStderr, fn: opts.Stderr}
}
