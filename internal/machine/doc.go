// SPDX-License-Identifier: MPL-2.0

// Package machine reads the host-side facts of a virtual machine (hostname
// and network attachments) from the TOML file handed over by the VM manager.
package machine
