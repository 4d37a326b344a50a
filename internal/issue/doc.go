// SPDX-License-Identifier: MPL-2.0

// Package issue provides actionable errors and a catalog of Markdown issue
// pages that explain how to recover from provisioning failures.
package issue
