// SPDX-License-Identifier: MPL-2.0

// Package guest implements the command channel to a virtual machine: upload
// a file, run a command with optional elevation while streaming its output,
// and test a command's exit status.
//
// SSH talks to a remote guest; Local runs on the current machine. Channel
// failures are reported as *ChannelError, never as a non-zero exit status.
package guest
