// SPDX-License-Identifier: MPL-2.0

// Package guestsim provides a simulated NixOS guest for tests. A Guest is a
// guest.Communicator on its own and can also be served over SSH with Serve,
// so the SSH transport and the provisioner are exercised without a VM.
package guestsim
