// SPDX-License-Identifier: MPL-2.0

// Package ui holds the operator-facing output: the Sink that forwards guest
// output, the color palette, and the structured logger factory.
package ui
