// SPDX-License-Identifier: MPL-2.0

package main

import cmd "github.com/nixprov/nixprov/cmd/nixprov"

func main() {
	cmd.Execute()
}
